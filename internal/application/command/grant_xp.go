package command

import (
	"context"
	"strings"
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
// GRANT XP COMMAND
// Awards XP for a triggering action (lesson, graded submission, quiz).
// Exactly-once per ReferenceID even under retried requests.
// ══════════════════════════════════════════════════════════════════════════════

const (
	maxReasonLength    = 64
	maxReferenceLength = 128
	defaultReason      = "unspecified"
)

// GrantXPCommand contains the data to grant XP.
type GrantXPCommand struct {
	UserID string

	// Amount must be positive.
	Amount int64

	// Reason classifies the grant, e.g. "lesson_complete".
	Reason string

	// ReferenceID is the idempotency key of the triggering action.
	ReferenceID string

	// OccurredAt defaults to now if zero and may not run ahead of the
	// server clock by more than MutatorConfig.MaxClockSkew.
	OccurredAt time.Time

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c GrantXPCommand) Validate() error {
	if _, err := shared.NewUserID(c.UserID); err != nil {
		return err
	}
	if _, err := shared.NewGrantXP(c.Amount); err != nil {
		return err
	}
	if len(c.Reason) > maxReasonLength {
		return shared.NewDomainError("command", "GrantXP", shared.ErrValidation, "reason is too long")
	}
	if len(c.ReferenceID) > maxReferenceLength {
		return shared.NewDomainError("command", "GrantXP", shared.ErrValidation, "reference_id is too long")
	}
	return nil
}

// GrantXPResult contains the result of granting XP.
type GrantXPResult struct {
	UserID        string
	TotalXP       int64
	Level         int
	PreviousLevel int
	LeveledUp     bool

	// Duplicate is true when ReferenceID was already applied.
	Duplicate bool

	// AwardedBadges lists badges unlocked by this grant.
	AwardedBadges []string

	Version int64
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// GrantXPHandler handles the GrantXPCommand.
type GrantXPHandler struct {
	mutator *Mutator
	catalog BadgeCatalog
	flags   FeatureFlags
	clock   timeutil.Clock
	log     *logger.Logger
}

// NewGrantXPHandler creates a new GrantXPHandler. flags may be nil: badges
// are then awarded only through explicit commands.
func NewGrantXPHandler(mutator *Mutator, catalog BadgeCatalog, flags FeatureFlags, clock timeutil.Clock, log *logger.Logger) *GrantXPHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GrantXPHandler{
		mutator: mutator,
		catalog: catalog,
		flags:   flags,
		clock:   clock,
		log:     log.With(logger.Component("grant_xp")),
	}
}

// Handle executes the grant XP command.
func (h *GrantXPHandler) Handle(ctx context.Context, cmd GrantXPCommand) (*GrantXPResult, error) {
	ctx, span := tracer.Start(ctx, "command.GrantXP", trace.WithAttributes(
		attribute.String("user.id", cmd.UserID),
		attribute.Int64("xp.amount", cmd.Amount),
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
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = defaultReason
	}
	autoAward := h.autoAward(cmd.UserID)

	var (
		outcome progress.XPOutcome
		awarded []string
	)
	p, err := h.mutator.Mutate(ctx, cmd.UserID, func(p *progress.UserProgress) error {
		p.Correlate(cmd.CorrelationID)
		var err error
		outcome, err = p.GrantXP(progress.XPGrant{
			Amount:      cmd.Amount,
			Reason:      reason,
			ReferenceID: cmd.ReferenceID,
		}, occurredAt)
		if err != nil {
			return err
		}

		awarded = nil
		if autoAward && !outcome.Duplicate {
			awarded, err = awardEligible(p, h.catalog, occurredAt)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grant xp failed")
		h.log.Warn("grant xp failed", logger.UserID(cmd.UserID), logger.XPAmount(cmd.Amount), logger.Err(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("xp.duplicate", outcome.Duplicate),
		attribute.Bool("xp.leveled_up", outcome.LeveledUp),
	)

	if outcome.Duplicate {
		h.log.Debug("duplicate xp grant ignored",
			logger.UserID(cmd.UserID),
			logger.String("reference_id", cmd.ReferenceID),
		)
	} else {
		h.log.Info("xp granted",
			logger.UserID(cmd.UserID),
			logger.XPAmount(cmd.Amount),
			logger.String("reason", reason),
			logger.Int64("total_xp", outcome.TotalXP),
			logger.XPLevel(outcome.Level),
		)
	}

	return &GrantXPResult{
		UserID:        cmd.UserID,
		TotalXP:       outcome.TotalXP,
		Level:         outcome.Level,
		PreviousLevel: outcome.PreviousLevel,
		LeveledUp:     outcome.LeveledUp,
		Duplicate:     outcome.Duplicate,
		AwardedBadges: awarded,
		Version:       p.Version(),
	}, nil
}

func (h *GrantXPHandler) autoAward(userID string) bool {
	return h.flags != nil && h.catalog != nil && h.flags.IsEnabledForUser(FeatureAutoAwardBadges, userID)
}
