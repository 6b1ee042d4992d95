// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/retry"
)

const tracerName = "github.com/alem-hub/alem-gamification/internal/application/command"

var tracer = otel.Tracer(tracerName)

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// BadgeCatalog is the read side of the badge catalog used by commands.
type BadgeCatalog interface {
	badge.Lookup
	badge.Lister
}

// FeatureFlags answers per-user feature toggles.
type FeatureFlags interface {
	IsEnabledForUser(feature, userID string) bool
}

// FeatureAutoAwardBadges gates badge evaluation inside XP and activity commands.
const FeatureAutoAwardBadges = "gamification.auto_award_badges"

// ══════════════════════════════════════════════════════════════════════════════
// MUTATOR
// The only read-modify-write path for progress aggregates.
// ══════════════════════════════════════════════════════════════════════════════

// MutatorConfig contains configuration for the write path.
type MutatorConfig struct {
	// ConflictRetries is how many times a lost CAS race is retried.
	ConflictRetries int

	// MaxClockSkew is how far ahead of the server clock a client-supplied
	// occurred_at may be. Zero uses the default.
	MaxClockSkew time.Duration
}

// DefaultMaxClockSkew admits timestamps up to one day ahead.
const DefaultMaxClockSkew = 24 * time.Hour

// DefaultMutatorConfig returns default configuration.
func DefaultMutatorConfig() MutatorConfig {
	return MutatorConfig{ConflictRetries: 5, MaxClockSkew: DefaultMaxClockSkew}
}

// Mutator loads (or lazily creates) an aggregate, applies a mutation and
// saves it with compare-and-swap, retrying on conflict.
type Mutator struct {
	store   progress.Store
	retrier *retry.Retrier
	skew    time.Duration
	log     *logger.Logger
}

// NewMutator creates a new Mutator.
func NewMutator(store progress.Store, log *logger.Logger, config MutatorConfig) *Mutator {
	def := DefaultMutatorConfig()
	if config.ConflictRetries < 0 {
		config.ConflictRetries = def.ConflictRetries
	}
	if config.MaxClockSkew <= 0 {
		config.MaxClockSkew = def.MaxClockSkew
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Mutator{
		store:   store,
		retrier: retry.ConflictRetrier(config.ConflictRetries+1, shared.IsConflict),
		skew:    config.MaxClockSkew,
		log:     log.With(logger.Component("progress_mutator")),
	}
}

// OccurredAt resolves a client-supplied timestamp: zero means now, and
// anything later than now plus MaxClockSkew is rejected.
func (m *Mutator) OccurredAt(at, now time.Time) (time.Time, error) {
	if at.IsZero() {
		return now, nil
	}
	if limit := now.Add(m.skew); at.After(limit) {
		return time.Time{}, shared.ErrInvalidActivityTime.With(
			fmt.Sprintf("occurred_at %s is later than %s", at.UTC().Format(time.RFC3339), limit.UTC().Format(time.RFC3339)), nil)
	}
	return at, nil
}

// Mutate applies fn to the user's aggregate and persists the result.
//
// fn may run several times: each attempt gets a freshly loaded aggregate.
// A domain error from fn aborts without saving. When every attempt loses the
// CAS race the result is shared.ErrStoreConflict. Events recorded by fn are
// written by the store together with the state, so a save either commits
// both or neither.
func (m *Mutator) Mutate(ctx context.Context, userID string, fn func(p *progress.UserProgress) error) (*progress.UserProgress, error) {
	ctx, span := tracer.Start(ctx, "progress.Mutate")
	defer span.End()

	var (
		saved    *progress.UserProgress
		attempts int
	)

	err := m.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++

		p, err := m.store.CreateIfAbsent(ctx, userID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}

		if p.Dirty() {
			if err := m.store.Save(ctx, p); err != nil {
				if shared.IsConflict(err) {
					m.log.Debug("progress save lost race",
						logger.UserID(userID),
						logger.Int("attempt", attempts),
					)
				}
				return err
			}
		}

		saved = p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mutation failed")
		if shared.IsConflict(err) {
			m.log.Warn("progress conflict retries exhausted",
				logger.UserID(userID),
				logger.Int("attempts", attempts),
			)
			return nil, shared.ErrStoreConflict.With(fmt.Sprintf("user %s after %d attempts", userID, attempts), err)
		}
		return nil, err
	}

	return saved, nil
}

// awardEligible awards every badge whose rule holds, repeating until no new
// badge unlocks (rules may depend on other badges). Runs inside a mutation.
func awardEligible(p *progress.UserProgress, catalog BadgeCatalog, now time.Time) ([]string, error) {
	var awarded []string
	for round := 0; round <= len(catalog.All()); round++ {
		eligible := p.EvaluateBadgeRules(catalog)
		if len(eligible) == 0 {
			break
		}
		for _, id := range eligible {
			if _, err := p.AwardBadge(id, catalog, now); err != nil {
				return nil, err
			}
			awarded = append(awarded, id)
		}
	}
	return awarded, nil
}
