package eventhandler

import (
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

// AuditLogger writes one structured line per user-visible milestone.
// Notification delivery is handled outside this service.
type AuditLogger struct {
	log *logger.Logger
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(log *logger.Logger) *AuditLogger {
	if log == nil {
		log = logger.Nop()
	}
	return &AuditLogger{log: log.With(logger.Component("audit"))}
}

// Register subscribes the logger to milestone events.
func (h *AuditLogger) Register(bus shared.EventSubscriber) error {
	for _, t := range []shared.EventType{shared.EventLevelUp, shared.EventBadgeEarned, shared.EventStreakUpdated} {
		if err := bus.Subscribe(t, h.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle implements shared.EventHandler.
func (h *AuditLogger) Handle(event shared.Event) error {
	fields := []logger.Field{
		logger.String("event_type", string(event.EventType())),
		logger.String("event_id", event.EventID()),
		logger.UserID(event.AggregateID()),
		logger.Time("occurred_at", event.OccurredAt()),
	}
	if c, ok := event.(shared.Correlated); ok && c.Correlation() != "" {
		fields = append(fields, logger.String("correlation_id", c.Correlation()))
	}

	payload := event.Payload()
	switch event.EventType() {
	case shared.EventLevelUp:
		fields = append(fields, logger.Any("new_level", payload["new_level"]), logger.Any("total_xp", payload["total_xp"]))
		h.log.Info("user leveled up", fields...)
	case shared.EventBadgeEarned:
		fields = append(fields, logger.Any("badge_id", payload["badge_id"]), logger.Any("rarity", payload["badge_rarity"]))
		h.log.Info("badge earned", fields...)
	case shared.EventStreakUpdated:
		fields = append(fields, logger.Any("current_streak", payload["current_streak"]), logger.Any("previous_streak", payload["previous_streak"]))
		h.log.Info("streak updated", fields...)
	}
	return nil
}
