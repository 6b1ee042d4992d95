package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ACTIVITY COMMAND
// Touches the daily streak. Calendar days are taken in the configured zone.
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityCommand contains the data to record an activity.
type RecordActivityCommand struct {
	UserID string

	// OccurredAt defaults to now if zero and may not run ahead of the
	// server clock by more than MutatorConfig.MaxClockSkew.
	OccurredAt time.Time

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c RecordActivityCommand) Validate() error {
	_, err := shared.NewUserID(c.UserID)
	return err
}

// RecordActivityResult contains the result of recording an activity.
type RecordActivityResult struct {
	UserID         string
	CurrentStreak  int
	LongestStreak  int
	PreviousStreak int

	// Changed is true when the current streak moved.
	Changed bool

	// Reset is true when a gap broke the previous streak.
	Reset bool

	BonusPercent  int
	AwardedBadges []string
	Version       int64
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityHandler handles the RecordActivityCommand.
type RecordActivityHandler struct {
	mutator *Mutator
	catalog BadgeCatalog
	flags   FeatureFlags
	clock   timeutil.Clock
	log     *logger.Logger
}

// NewRecordActivityHandler creates a new RecordActivityHandler.
func NewRecordActivityHandler(mutator *Mutator, catalog BadgeCatalog, flags FeatureFlags, clock timeutil.Clock, log *logger.Logger) *RecordActivityHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RecordActivityHandler{
		mutator: mutator,
		catalog: catalog,
		flags:   flags,
		clock:   clock,
		log:     log.With(logger.Component("record_activity")),
	}
}

// Handle executes the record activity command.
func (h *RecordActivityHandler) Handle(ctx context.Context, cmd RecordActivityCommand) (*RecordActivityResult, error) {
	ctx, span := tracer.Start(ctx, "command.RecordActivity", trace.WithAttributes(
		attribute.String("user.id", cmd.UserID),
	))
	defer span.End()

	if err := cmd.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid command")
		return nil, err
	}

	occurredAt, err := h.mutator.OccurredAt(cmd.OccurredAt, h.clock.Now())
	if err != nil {
		span.SetStatus(codes.Error, "occurred_at in the future")
		return nil, err
	}
	autoAward := h.flags != nil && h.catalog != nil && h.flags.IsEnabledForUser(FeatureAutoAwardBadges, cmd.UserID)

	var (
		outcome progress.StreakOutcome
		awarded []string
	)
	p, err := h.mutator.Mutate(ctx, cmd.UserID, func(p *progress.UserProgress) error {
		p.Correlate(cmd.CorrelationID)
		var err error
		outcome, err = p.RecordActivity(occurredAt)
		if err != nil {
			return err
		}

		awarded = nil
		if autoAward && outcome.Changed {
			awarded, err = awardEligible(p, h.catalog, occurredAt)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record activity failed")
		h.log.Warn("record activity failed", logger.UserID(cmd.UserID), logger.Err(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("streak.current", outcome.Current))
	if outcome.Changed {
		h.log.Info("streak updated",
			logger.UserID(cmd.UserID),
			logger.Int("current_streak", outcome.Current),
			logger.Int("previous_streak", outcome.Previous),
			logger.Bool("reset", outcome.Reset),
		)
	}

	return &RecordActivityResult{
		UserID:         cmd.UserID,
		CurrentStreak:  outcome.Current,
		LongestStreak:  outcome.Longest,
		PreviousStreak: outcome.Previous,
		Changed:        outcome.Changed,
		Reset:          outcome.Reset,
		BonusPercent:   outcome.BonusPercent,
		AwardedBadges:  awarded,
		Version:        p.Version(),
	}, nil
}
