package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD CACHE
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardCache implements leaderboard.StandingsCache.
//
// Layout per (period, window start):
//   - Sorted Set "leaderboard:{period}:{start}:entries" stores Entry JSON
//     scored by position in the standings
//   - String "leaderboard:{period}:{start}:meta" stores standingsMeta JSON
//
// Store writes both keys in one MULTI and Page reads both in one MULTI, so a
// page always comes from a single generation.
type LeaderboardCache struct {
	cache *Cache
	ttl   time.Duration
}

// standingsMeta describes a cached standings without its entries.
type standingsMeta struct {
	Period     leaderboard.Period `json:"period"`
	Window     shared.Window      `json:"window"`
	ComputedAt time.Time          `json:"computed_at"`
	Total      int                `json:"total"`
}

// NewLeaderboardCache creates a new LeaderboardCache. A zero ttl means
// TTLLeaderboardCache.
func NewLeaderboardCache(cache *Cache, ttl time.Duration) *LeaderboardCache {
	if ttl <= 0 {
		ttl = TTLLeaderboardCache
	}
	return &LeaderboardCache{cache: cache, ttl: ttl}
}

// standingsKeys returns the entries and meta keys of one window.
func standingsKeys(period leaderboard.Period, windowStart time.Time) (entries, meta string) {
	var start int64
	if !windowStart.IsZero() {
		start = windowStart.Unix()
	}
	base := fmt.Sprintf("%s%s:%d", PrefixLeaderboard, period, start)
	return base + ":entries", base + ":meta"
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Store replaces the cached standings of s's window.
func (l *LeaderboardCache) Store(ctx context.Context, s *leaderboard.Standings) error {
	entriesKey, metaKey := standingsKeys(s.Period, s.Window.Start)

	metaData, err := json.Marshal(standingsMeta{
		Period:     s.Period,
		Window:     s.Window,
		ComputedAt: s.ComputedAt,
		Total:      s.Count(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	// Tied users share a rank, so the score is the position.
	members := make([]redis.Z, 0, len(s.Entries))
	for i, e := range s.Entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
		}
		members = append(members, redis.Z{Score: float64(i), Member: string(data)})
	}

	pipe := l.cache.Client().TxPipeline()
	pipe.Del(ctx, entriesKey, metaKey)
	if len(members) > 0 {
		pipe.ZAdd(ctx, entriesKey, members...)
		pipe.Expire(ctx, entriesKey, l.ttl)
	}
	pipe.Set(ctx, metaKey, metaData, l.ttl)

	_, err = pipe.Exec(ctx)
	return err
}

// Invalidate drops every cached window of the given periods.
func (l *LeaderboardCache) Invalidate(ctx context.Context, periods ...leaderboard.Period) error {
	var errs []error
	for _, p := range periods {
		if err := l.cache.DeleteByPattern(ctx, PrefixLeaderboard+string(p)+":*"); err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// ══════════════════════════════════════════════════════════════════════════════
// READ OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Page returns a page of cached standings, or leaderboard.ErrCacheMiss.
// Meta and entries are read in one MULTI.
func (l *LeaderboardCache) Page(ctx context.Context, period leaderboard.Period, windowStart time.Time, limit, offset int) (leaderboard.Page, error) {
	entriesKey, metaKey := standingsKeys(period, windowStart)

	var (
		metaCmd  *redis.StringCmd
		rangeCmd *redis.StringSliceCmd
	)
	_, err := l.cache.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		metaCmd = pipe.Get(ctx, metaKey)
		if limit > 0 && offset >= 0 {
			rangeCmd = pipe.ZRange(ctx, entriesKey, int64(offset), int64(offset+limit-1))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return leaderboard.Page{}, err
	}

	metaData, err := metaCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return leaderboard.Page{}, leaderboard.ErrCacheMiss
		}
		return leaderboard.Page{}, err
	}
	var members []string
	if rangeCmd != nil {
		members = rangeCmd.Val()
	}
	return buildPage(metaData, members, limit, offset)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// buildPage assembles a page from one read of meta and entries.
func buildPage(metaData []byte, members []string, limit, offset int) (leaderboard.Page, error) {
	var meta standingsMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return leaderboard.Page{}, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	page := emptyPage(meta, limit, offset)
	if limit <= 0 || offset < 0 || offset >= meta.Total {
		return page, nil
	}
	if len(members) == 0 {
		// Entries expired ahead of meta.
		return leaderboard.Page{}, leaderboard.ErrCacheMiss
	}

	var err error
	page.Entries, err = decodeEntries(members)
	if err != nil {
		return leaderboard.Page{}, err
	}
	return page, nil
}

func emptyPage(meta standingsMeta, limit, offset int) leaderboard.Page {
	return leaderboard.Page{
		Period:     meta.Period,
		Window:     meta.Window,
		ComputedAt: meta.ComputedAt,
		Total:      meta.Total,
		Limit:      limit,
		Offset:     offset,
		Entries:    []leaderboard.Entry{},
	}
}

func decodeEntries(members []string) ([]leaderboard.Entry, error) {
	out := make([]leaderboard.Entry, 0, len(members))
	for _, m := range members {
		var e leaderboard.Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
		}
		out = append(out, e)
	}
	return out, nil
}
