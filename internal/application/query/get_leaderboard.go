// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/circuitbreaker"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

var tracer = otel.Tracer("github.com/alem-hub/alem-gamification/internal/application/query")

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Cache first, projector on miss. Concurrent misses for one window share
// a single computation.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery contains leaderboard request parameters.
type GetLeaderboardQuery struct {
	// Period is daily, weekly, monthly or all_time. Empty means all_time.
	Period string

	// Limit defaults to 20, maximum 100.
	Limit int

	Offset int
}

// Validate parses the query into domain values.
func (q GetLeaderboardQuery) Validate() (leaderboard.Period, shared.Pagination, error) {
	period, err := leaderboard.ParsePeriod(q.Period)
	if err != nil {
		return "", shared.Pagination{}, err
	}
	page, err := shared.NewPagination(q.Limit, q.Offset)
	if err != nil {
		return "", shared.Pagination{}, err
	}
	return period, page, nil
}

// GetLeaderboardResult contains one page of standings.
type GetLeaderboardResult struct {
	leaderboard.Page

	// FromCache is true when the page was served from the standings cache.
	FromCache bool `json:"from_cache"`
}

// StandingsSource computes full standings. Implemented by leaderboard.Projector.
type StandingsSource interface {
	Standings(ctx context.Context, period leaderboard.Period, now time.Time) (*leaderboard.Standings, error)
}

// GetLeaderboardHandler handles leaderboard queries.
type GetLeaderboardHandler struct {
	source   StandingsSource
	cache    leaderboard.StandingsCache
	breaker  *circuitbreaker.CircuitBreaker
	calendar timeutil.Calendar
	clock    timeutil.Clock
	log      *logger.Logger

	group singleflight.Group
}

// BreakerConfig tunes the circuit breaker around cache reads.
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second}
}

// NewGetLeaderboardHandler creates a new handler. cache may be nil.
// An optional BreakerConfig overrides the defaults.
func NewGetLeaderboardHandler(
	source StandingsSource,
	cache leaderboard.StandingsCache,
	calendar timeutil.Calendar,
	clock timeutil.Clock,
	log *logger.Logger,
	breakerConfig ...BreakerConfig,
) *GetLeaderboardHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("get_leaderboard"))

	bc := DefaultBreakerConfig()
	if len(breakerConfig) > 0 {
		if breakerConfig[0].FailureThreshold > 0 {
			bc.FailureThreshold = breakerConfig[0].FailureThreshold
		}
		if breakerConfig[0].Timeout > 0 {
			bc.Timeout = breakerConfig[0].Timeout
		}
	}

	breaker := circuitbreaker.New("leaderboard_cache",
		circuitbreaker.WithFailureThreshold(bc.FailureThreshold),
		circuitbreaker.WithTimeout(bc.Timeout),
		circuitbreaker.WithIsFailure(func(err error) bool {
			return !errors.Is(err, leaderboard.ErrCacheMiss)
		}),
		circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}),
	)

	return &GetLeaderboardHandler{
		source:   source,
		cache:    cache,
		breaker:  breaker,
		calendar: calendar,
		clock:    clock,
		log:      log,
	}
}

// Handle executes the leaderboard query.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, q GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	ctx, span := tracer.Start(ctx, "query.GetLeaderboard", trace.WithAttributes(
		attribute.String("leaderboard.period", q.Period),
		attribute.Int("leaderboard.limit", q.Limit),
		attribute.Int("leaderboard.offset", q.Offset),
	))
	defer span.End()

	period, page, err := q.Validate()
	if err != nil {
		span.SetStatus(codes.Error, "invalid query")
		return nil, err
	}

	now := h.clock.Now()
	window := period.Window(now, h.calendar)

	if cached, ok := h.fromCache(ctx, period, window.Start, page); ok {
		span.SetAttributes(attribute.Bool("leaderboard.cache_hit", true))
		return &GetLeaderboardResult{Page: cached, FromCache: true}, nil
	}
	span.SetAttributes(attribute.Bool("leaderboard.cache_hit", false))

	standings, err := h.compute(ctx, period, window.Start, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute standings failed")
		return nil, err
	}

	return &GetLeaderboardResult{Page: standings.Page(page.Limit, page.Offset)}, nil
}

// fromCache reads a page through the circuit breaker. Any failure is a miss.
func (h *GetLeaderboardHandler) fromCache(ctx context.Context, period leaderboard.Period, windowStart time.Time, page shared.Pagination) (leaderboard.Page, bool) {
	if h.cache == nil {
		return leaderboard.Page{}, false
	}

	var cached leaderboard.Page
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		cached, err = h.cache.Page(ctx, period, windowStart, page.Limit, page.Offset)
		return err
	})
	switch {
	case err == nil:
		return cached, true
	case errors.Is(err, leaderboard.ErrCacheMiss):
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		h.log.Debug("leaderboard cache skipped", logger.Period(string(period)), logger.Err(err))
	default:
		h.log.Warn("leaderboard cache read failed", logger.Period(string(period)), logger.Err(err))
	}
	return leaderboard.Page{}, false
}

// compute projects standings once per window, however many readers miss.
func (h *GetLeaderboardHandler) compute(ctx context.Context, period leaderboard.Period, windowStart, now time.Time) (*leaderboard.Standings, error) {
	key := fmt.Sprintf("%s:%d", period, windowStart.Unix())

	v, err, dup := h.group.Do(key, func() (interface{}, error) {
		// Detach from the first caller's cancellation: other readers wait on this result.
		ctx := context.WithoutCancel(ctx)

		start := time.Now()
		standings, err := h.source.Standings(ctx, period, now)
		if err != nil {
			return nil, err
		}
		h.log.Debug("standings computed",
			logger.Period(string(period)),
			logger.Int("entries", standings.Count()),
			logger.Latency(time.Since(start)),
		)
		h.store(ctx, standings)
		return standings, nil
	})
	if err != nil {
		return nil, err
	}
	if dup {
		h.log.Debug("standings computation shared", logger.Period(string(period)))
	}
	return v.(*leaderboard.Standings), nil
}

// store writes standings to the cache. Best effort.
func (h *GetLeaderboardHandler) store(ctx context.Context, standings *leaderboard.Standings) {
	if h.cache == nil {
		return
	}
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		return h.cache.Store(ctx, standings)
	})
	if err != nil && !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		h.log.Warn("failed to cache standings",
			logger.Period(string(standings.Period)),
			logger.Err(err),
		)
	}
}
