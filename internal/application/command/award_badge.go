package command

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// AWARD BADGE COMMAND
// Explicit award (manual grant, external achievement). Awarding twice fails
// with ErrBadgeAlreadyEarned so callers can tell first-time from repeat.
// ══════════════════════════════════════════════════════════════════════════════

// AwardBadgeCommand contains the data to award a badge.
type AwardBadgeCommand struct {
	UserID        string
	BadgeID       string
	CorrelationID string
}

// Validate validates the command.
func (c AwardBadgeCommand) Validate() error {
	if _, err := shared.NewUserID(c.UserID); err != nil {
		return err
	}
	if strings.TrimSpace(c.BadgeID) == "" {
		return shared.NewDomainError("command", "AwardBadge", shared.ErrValidation, "badge_id is required")
	}
	return nil
}

// AwardBadgeResult contains the result of awarding a badge.
type AwardBadgeResult struct {
	UserID    string
	BadgeID   string
	BadgeName string
	Rarity    string
	Version   int64
}

// AwardBadgeHandler handles the AwardBadgeCommand.
type AwardBadgeHandler struct {
	mutator *Mutator
	catalog BadgeCatalog
	clock   timeutil.Clock
	log     *logger.Logger
}

// NewAwardBadgeHandler creates a new AwardBadgeHandler.
func NewAwardBadgeHandler(mutator *Mutator, catalog BadgeCatalog, clock timeutil.Clock, log *logger.Logger) *AwardBadgeHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AwardBadgeHandler{
		mutator: mutator,
		catalog: catalog,
		clock:   clock,
		log:     log.With(logger.Component("award_badge")),
	}
}

// Handle executes the award badge command.
func (h *AwardBadgeHandler) Handle(ctx context.Context, cmd AwardBadgeCommand) (*AwardBadgeResult, error) {
	ctx, span := tracer.Start(ctx, "command.AwardBadge", trace.WithAttributes(
		attribute.String("user.id", cmd.UserID),
		attribute.String("badge.id", cmd.BadgeID),
	))
	defer span.End()

	if err := cmd.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid command")
		return nil, err
	}

	// Unknown badges fail before touching the store.
	if _, ok := h.catalog.Get(cmd.BadgeID); !ok {
		span.SetStatus(codes.Error, "badge not found")
		return nil, shared.ErrBadgeNotFound.With(cmd.BadgeID, nil)
	}

	now := h.clock.Now()
	var outcome progress.BadgeOutcome
	p, err := h.mutator.Mutate(ctx, cmd.UserID, func(p *progress.UserProgress) error {
		p.Correlate(cmd.CorrelationID)
		var err error
		outcome, err = p.AwardBadge(cmd.BadgeID, h.catalog, now)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "award badge failed")
		if shared.IsAlreadyExists(err) {
			h.log.Debug("badge already earned", logger.UserID(cmd.UserID), logger.BadgeID(cmd.BadgeID))
		} else {
			h.log.Warn("award badge failed", logger.UserID(cmd.UserID), logger.BadgeID(cmd.BadgeID), logger.Err(err))
		}
		return nil, err
	}

	h.log.Info("badge awarded",
		logger.UserID(cmd.UserID),
		logger.BadgeID(outcome.BadgeID),
		logger.String("rarity", outcome.Rarity.String()),
	)

	return &AwardBadgeResult{
		UserID:    cmd.UserID,
		BadgeID:   outcome.BadgeID,
		BadgeName: outcome.Name,
		Rarity:    outcome.Rarity.String(),
		Version:   p.Version(),
	}, nil
}
