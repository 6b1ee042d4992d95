package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

var now = time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)

var utc = timeutil.NewCalendar(time.UTC)

// fakeCache is a map-backed StandingsCache that can be switched off.
type fakeCache struct {
	mu     sync.Mutex
	data   map[string]*leaderboard.Standings
	down   bool
	reads  int
	stores int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]*leaderboard.Standings)}
}

func key(period leaderboard.Period, start time.Time) string {
	return string(period) + start.String()
}

func (c *fakeCache) Store(_ context.Context, s *leaderboard.Standings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores++
	if c.down {
		return errors.New("connection refused")
	}
	c.data[key(s.Period, s.Window.Start)] = s
	return nil
}

func (c *fakeCache) Page(_ context.Context, period leaderboard.Period, start time.Time, limit, offset int) (leaderboard.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.down {
		return leaderboard.Page{}, errors.New("connection refused")
	}
	s, ok := c.data[key(period, start)]
	if !ok {
		return leaderboard.Page{}, leaderboard.ErrCacheMiss
	}
	return s.Page(limit, offset), nil
}

func (c *fakeCache) Invalidate(_ context.Context, periods ...leaderboard.Period) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, s := range c.data {
		for _, p := range periods {
			if s.Period == p {
				delete(c.data, k)
			}
		}
	}
	return nil
}

// countingSource counts projector runs and can block them.
type countingSource struct {
	inner   StandingsSource
	calls   int32
	release chan struct{}
}

func (s *countingSource) Standings(ctx context.Context, period leaderboard.Period, at time.Time) (*leaderboard.Standings, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.release != nil {
		<-s.release
	}
	return s.inner.Standings(ctx, period, at)
}

func seedStore(t *testing.T) *memory.ProgressStore {
	t.Helper()
	policy := progress.DefaultPolicy()
	policy.Calendar = utc
	store := memory.NewProgressStore(policy, timeutil.FixedClock{T: now}, nil)

	grant := func(user string, amount int64, at time.Time) {
		p, err := store.CreateIfAbsent(context.Background(), user)
		require.NoError(t, err)
		_, err = p.GrantXP(progress.XPGrant{Amount: amount, Reason: "x"}, at)
		require.NoError(t, err)
		require.NoError(t, store.Save(context.Background(), p))
	}
	grant("alice", 500, now.AddDate(0, 0, -10))
	grant("bob", 120, now.Add(-time.Hour))
	grant("carol", 120, now.Add(-2*time.Hour))
	grant("dave", 40, now)
	return store
}

func newLeaderboardHandler(t *testing.T, cache leaderboard.StandingsCache) (*GetLeaderboardHandler, *countingSource) {
	store := seedStore(t)
	curve := progress.DefaultPolicy().Curve
	projector := leaderboard.NewProjector(store, utc, curve.Level)
	src := &countingSource{inner: projector}
	return NewGetLeaderboardHandler(src, cache, utc, timeutil.FixedClock{T: now}, logger.Nop()), src
}

func TestGetLeaderboard_ProjectsOnMissAndCaches(t *testing.T) {
	cache := newFakeCache()
	h, src := newLeaderboardHandler(t, cache)

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{Period: "daily", Limit: 10})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, "carol", res.Entries[0].UserID) // reached 120 first
	assert.Equal(t, "bob", res.Entries[1].UserID)
	assert.Equal(t, "dave", res.Entries[2].UserID)
	assert.Equal(t, 3, res.Total)

	res, err = h.Handle(context.Background(), GetLeaderboardQuery{Period: "daily", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, shared.Rank(2), res.Entries[0].Rank)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestGetLeaderboard_AllTimeHasLevels(t *testing.T) {
	h, _ := newLeaderboardHandler(t, nil)

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.Equal(t, leaderboard.PeriodAllTime, res.Period)
	require.Len(t, res.Entries, 4)
	assert.Equal(t, "alice", res.Entries[0].UserID)
	assert.Equal(t, 3, res.Entries[0].Level)
}

func TestGetLeaderboard_Validation(t *testing.T) {
	h, _ := newLeaderboardHandler(t, nil)

	_, err := h.Handle(context.Background(), GetLeaderboardQuery{Period: "yearly"})
	assert.ErrorIs(t, err, shared.ErrInvalidPeriod)

	_, err = h.Handle(context.Background(), GetLeaderboardQuery{Limit: 101})
	assert.ErrorIs(t, err, shared.ErrInvalidPagination)

	_, err = h.Handle(context.Background(), GetLeaderboardQuery{Offset: -1})
	assert.ErrorIs(t, err, shared.ErrInvalidPagination)
}

func TestGetLeaderboard_CacheDownFallsBack(t *testing.T) {
	cache := newFakeCache()
	cache.down = true
	h, src := newLeaderboardHandler(t, cache)

	for i := 0; i < 8; i++ {
		res, err := h.Handle(context.Background(), GetLeaderboardQuery{Period: "weekly"})
		require.NoError(t, err)
		assert.False(t, res.FromCache)
		assert.Len(t, res.Entries, 3)
	}
	assert.Equal(t, int32(8), atomic.LoadInt32(&src.calls))

	// The breaker opens after five failed calls and stops hitting the cache.
	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Less(t, cache.reads+cache.stores, 16)
}

func TestGetLeaderboard_ConcurrentMissesShareComputation(t *testing.T) {
	h, src := newLeaderboardHandler(t, nil)
	src.release = make(chan struct{})

	const readers = 10
	var wg sync.WaitGroup
	results := make(chan int, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.Handle(context.Background(), GetLeaderboardQuery{Period: "monthly"})
			if err == nil {
				results <- res.Total
			}
		}()
	}

	// Let the readers pile up on the in-flight computation.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()
	close(results)

	n := 0
	for total := range results {
		assert.Equal(t, 3, total)
		n++
	}
	assert.Equal(t, readers, n)
	assert.LessOrEqual(t, atomic.LoadInt32(&src.calls), int32(readers))
}

func TestGetProgress(t *testing.T) {
	store := seedStore(t)
	catalog, err := badge.NewCatalog([]badge.Badge{
		{ID: "first-steps", Name: "First Steps", Rarity: badge.RarityCommon, Rule: badge.Threshold(badge.StatTotalXP, badge.OpGTE, 1)},
	})
	require.NoError(t, err)

	p, err := store.Load(context.Background(), "bob")
	require.NoError(t, err)
	_, err = p.RecordActivity(now)
	require.NoError(t, err)
	_, err = p.AwardBadge("first-steps", catalog, now)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), p))

	h := NewGetProgressHandler(store, catalog, timeutil.FixedClock{T: now})
	view, err := h.Handle(context.Background(), GetProgressQuery{UserID: "bob"})
	require.NoError(t, err)

	assert.Equal(t, int64(120), view.TotalXP)
	assert.Equal(t, 2, view.Level)
	assert.Equal(t, int64(20), view.XPIntoLevel)
	assert.Equal(t, int64(180), view.XPForNextLevel)
	assert.Equal(t, 1, view.CurrentStreak)
	assert.True(t, view.StreakActive)
	require.Len(t, view.Badges, 1)
	assert.Equal(t, "First Steps", view.Badges[0].Name)
	assert.Equal(t, "common", view.Badges[0].Rarity)
	assert.Equal(t, int64(3), view.Version)

	_, err = h.Handle(context.Background(), GetProgressQuery{UserID: "ghost"})
	assert.ErrorIs(t, err, shared.ErrProgressNotFound)

	_, err = h.Handle(context.Background(), GetProgressQuery{UserID: ""})
	assert.ErrorIs(t, err, shared.ErrInvalidUserID)
}
