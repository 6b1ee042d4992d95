// Package jobs contains the scheduled jobs of the worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/retry"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// StandingsSource computes standings from the XP ledger.
type StandingsSource interface {
	Standings(ctx context.Context, period leaderboard.Period, now time.Time) (*leaderboard.Standings, error)
}

// Flags answers global feature toggles.
type Flags interface {
	IsEnabled(feature string) bool
}

// FeatureRebuiltEvents gates LeaderboardRebuilt events.
const FeatureRebuiltEvents = "leaderboard.rebuilt_events"

// RebuildLeaderboardJob recomputes the standings of every period and
// refreshes the cache, so reads rarely fall through to the projector.
type RebuildLeaderboardJob struct {
	source    StandingsSource
	cache     leaderboard.StandingsCache
	publisher shared.EventPublisher
	flags     Flags
	clock     timeutil.Clock
	log       *logger.Logger
	retrier   *retry.Retrier

	periods   []leaderboard.Period
	lastStats atomic.Pointer[RebuildStats]
}

// RebuildStats contains statistics from a rebuild run.
type RebuildStats struct {
	StartedAt time.Time
	Duration  time.Duration
	Entries   map[leaderboard.Period]int
	Errors    []error
}

// NewRebuildLeaderboardJob creates a new rebuild job. publisher and flags may be nil.
func NewRebuildLeaderboardJob(
	source StandingsSource,
	cache leaderboard.StandingsCache,
	publisher shared.EventPublisher,
	flags Flags,
	clock timeutil.Clock,
	log *logger.Logger,
) *RebuildLeaderboardJob {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("rebuild_leaderboard"))

	return &RebuildLeaderboardJob{
		source:    source,
		cache:     cache,
		publisher: publisher,
		flags:     flags,
		clock:     clock,
		log:       log,
		retrier:   retry.DatabaseRetrier(
			retry.WithRetryIf(func(err error) bool {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}),
			retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				log.Debug("retrying standings store",
					logger.Int("attempt", attempt),
					logger.Duration("delay", delay),
					logger.Err(err),
				)
			}),
		),
		periods: leaderboard.AllPeriods(),
	}
}

// Name returns the job name.
func (j *RebuildLeaderboardJob) Name() string {
	return "rebuild_leaderboard"
}

// Description returns a human-readable description.
func (j *RebuildLeaderboardJob) Description() string {
	return "Recomputes standings of every period and stores them in the cache"
}

// Run executes the rebuild job. A failed period does not stop the others.
func (j *RebuildLeaderboardJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	stats := &RebuildStats{
		StartedAt: now,
		Entries:   make(map[leaderboard.Period]int, len(j.periods)),
	}

	for _, period := range j.periods {
		if err := ctx.Err(); err != nil {
			stats.Errors = append(stats.Errors, err)
			break
		}

		n, err := j.rebuild(ctx, period, now)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("%s: %w", period, err))
			j.log.Warn("standings rebuild failed", logger.Period(string(period)), logger.Err(err))
			continue
		}
		stats.Entries[period] = n
	}

	stats.Duration = j.clock.Now().Sub(now)
	j.lastStats.Store(stats)
	return errors.Join(stats.Errors...)
}

func (j *RebuildLeaderboardJob) rebuild(ctx context.Context, period leaderboard.Period, now time.Time) (int, error) {
	standings, err := j.source.Standings(ctx, period, now)
	if err != nil {
		return 0, fmt.Errorf("compute: %w", err)
	}
	err = j.retrier.Do(ctx, func(ctx context.Context) error {
		return j.cache.Store(ctx, standings)
	})
	if err != nil {
		return 0, fmt.Errorf("store: %w", err)
	}

	if j.publisher != nil && j.flags != nil && j.flags.IsEnabled(FeatureRebuiltEvents) {
		event := shared.NewLeaderboardRebuiltEvent(string(period), standings.Window.Start, standings.Count(), now)
		if err := j.publisher.Publish(event); err != nil {
			j.log.Warn("failed to publish rebuild event", logger.Period(string(period)), logger.Err(err))
		}
	}

	j.log.Debug("standings rebuilt",
		logger.Period(string(period)),
		logger.Int("entries", standings.Count()),
	)
	return standings.Count(), nil
}

// LastStats returns the statistics of the previous run, or nil.
func (j *RebuildLeaderboardJob) LastStats() *RebuildStats {
	return j.lastStats.Load()
}
