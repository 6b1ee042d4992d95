package command

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATE BADGES COMMAND
// Re-runs the rule engine for one user and awards everything eligible.
// Used after catalog changes; evaluation and awarding share one mutation.
// ══════════════════════════════════════════════════════════════════════════════

// EvaluateBadgesCommand contains the data to evaluate badges.
type EvaluateBadgesCommand struct {
	UserID        string
	CorrelationID string
}

// Validate validates the command.
func (c EvaluateBadgesCommand) Validate() error {
	_, err := shared.NewUserID(c.UserID)
	return err
}

// EvaluateBadgesResult contains the newly awarded badges.
type EvaluateBadgesResult struct {
	UserID        string
	AwardedBadges []string
	Version       int64
}

// EvaluateBadgesHandler handles the EvaluateBadgesCommand.
type EvaluateBadgesHandler struct {
	mutator *Mutator
	catalog BadgeCatalog
	clock   timeutil.Clock
	log     *logger.Logger
}

// NewEvaluateBadgesHandler creates a new EvaluateBadgesHandler.
func NewEvaluateBadgesHandler(mutator *Mutator, catalog BadgeCatalog, clock timeutil.Clock, log *logger.Logger) *EvaluateBadgesHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EvaluateBadgesHandler{
		mutator: mutator,
		catalog: catalog,
		clock:   clock,
		log:     log.With(logger.Component("evaluate_badges")),
	}
}

// Handle executes the evaluate badges command.
func (h *EvaluateBadgesHandler) Handle(ctx context.Context, cmd EvaluateBadgesCommand) (*EvaluateBadgesResult, error) {
	ctx, span := tracer.Start(ctx, "command.EvaluateBadges", trace.WithAttributes(
		attribute.String("user.id", cmd.UserID),
	))
	defer span.End()

	if err := cmd.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid command")
		return nil, err
	}

	now := h.clock.Now()
	var awarded []string
	p, err := h.mutator.Mutate(ctx, cmd.UserID, func(p *progress.UserProgress) error {
		p.Correlate(cmd.CorrelationID)
		var err error
		awarded, err = awardEligible(p, h.catalog, now)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluate badges failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("badges.awarded", len(awarded)))
	if len(awarded) > 0 {
		h.log.Info("badges awarded by evaluation",
			logger.UserID(cmd.UserID),
			logger.Any("badges", awarded),
		)
	}

	if awarded == nil {
		awarded = []string{}
	}
	return &EvaluateBadgesResult{
		UserID:        cmd.UserID,
		AwardedBadges: awarded,
		Version:       p.Version(),
	}, nil
}
