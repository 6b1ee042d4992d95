package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/messaging"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

var now = time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)

type mapCache struct {
	mu     sync.Mutex
	stored map[leaderboard.Period]*leaderboard.Standings
	fail   leaderboard.Period

	// blips fails that many stores before succeeding.
	blips int
	calls int
}

func (c *mapCache) Store(_ context.Context, s *leaderboard.Standings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if s.Period == c.fail {
		return errors.New("redis down")
	}
	if c.blips > 0 {
		c.blips--
		return errors.New("i/o timeout")
	}
	c.stored[s.Period] = s
	return nil
}

func (c *mapCache) Page(context.Context, leaderboard.Period, time.Time, int, int) (leaderboard.Page, error) {
	return leaderboard.Page{}, leaderboard.ErrCacheMiss
}

func (c *mapCache) Invalidate(context.Context, ...leaderboard.Period) error { return nil }

type allFlags bool

func (f allFlags) IsEnabled(string) bool { return bool(f) }

type recordingBus struct {
	events []shared.Event
}

func (b *recordingBus) Publish(e shared.Event) error {
	b.events = append(b.events, e)
	return nil
}

func newProjector(t *testing.T) *leaderboard.Projector {
	t.Helper()
	cal := timeutil.NewCalendar(time.UTC)
	policy := progress.DefaultPolicy()
	policy.Calendar = cal
	store := memory.NewProgressStore(policy, timeutil.FixedClock{T: now}, nil)

	for user, at := range map[string]time.Time{
		"alice": now.AddDate(0, 0, -40),
		"bob":   now.Add(-time.Hour),
	} {
		p, err := store.CreateIfAbsent(context.Background(), user)
		require.NoError(t, err)
		_, err = p.GrantXP(progress.XPGrant{Amount: 100, Reason: "lesson"}, at)
		require.NoError(t, err)
		require.NoError(t, store.Save(context.Background(), p))
	}
	return leaderboard.NewProjector(store, cal, policy.Curve.Level)
}

func TestRebuildLeaderboardJob(t *testing.T) {
	cache := &mapCache{stored: make(map[leaderboard.Period]*leaderboard.Standings)}
	bus := &recordingBus{}
	job := NewRebuildLeaderboardJob(newProjector(t), cache, bus, allFlags(true), timeutil.FixedClock{T: now}, logger.Nop())

	require.NoError(t, job.Run(context.Background()))
	require.Len(t, cache.stored, 4)
	assert.Equal(t, 1, cache.stored[leaderboard.PeriodDaily].Count())
	assert.Equal(t, 2, cache.stored[leaderboard.PeriodAllTime].Count())

	require.Len(t, bus.events, 4)
	assert.Equal(t, shared.EventLeaderboardRebuilt, bus.events[0].EventType())

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Entries[leaderboard.PeriodAllTime])
	assert.Empty(t, stats.Errors)
}

func TestRebuildLeaderboardJob_PartialFailure(t *testing.T) {
	cache := &mapCache{stored: make(map[leaderboard.Period]*leaderboard.Standings), fail: leaderboard.PeriodWeekly}
	bus := &recordingBus{}
	job := NewRebuildLeaderboardJob(newProjector(t), cache, bus, allFlags(false), timeutil.FixedClock{T: now}, nil)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weekly")
	assert.Len(t, cache.stored, 3)
	assert.Empty(t, bus.events)
}

func TestRebuildLeaderboardJob_RetriesCacheBlip(t *testing.T) {
	cache := &mapCache{stored: make(map[leaderboard.Period]*leaderboard.Standings), blips: 1}
	job := NewRebuildLeaderboardJob(newProjector(t), cache, nil, nil, timeutil.FixedClock{T: now}, nil)

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, cache.stored, 4)
	assert.Equal(t, 5, cache.calls)
}

type scriptedRelay struct {
	results []messaging.RelayResult
	calls   int
}

func (r *scriptedRelay) RelayOnce(context.Context) (messaging.RelayResult, error) {
	if r.calls >= len(r.results) {
		r.calls++
		return messaging.RelayResult{}, nil
	}
	res := r.results[r.calls]
	r.calls++
	return res, nil
}

func TestRelayOutboxJob_DrainsFullBatches(t *testing.T) {
	relay := &scriptedRelay{results: []messaging.RelayResult{
		{Dispatched: 10},
		{Dispatched: 8, Failed: 2},
		{Dispatched: 3},
	}}
	job := NewRelayOutboxJob(relay, 10, 5, nil)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 3, relay.calls)

	relay = &scriptedRelay{results: []messaging.RelayResult{{Dispatched: 10}, {Dispatched: 10}, {Dispatched: 10}}}
	require.NoError(t, NewRelayOutboxJob(relay, 10, 2, nil).Run(context.Background()))
	assert.Equal(t, 2, relay.calls)
}

func TestRelayOutboxJob_WithMemoryOutbox(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()
	bus := messaging.NewInMemoryEventBus(messaging.DefaultInMemoryEventBusConfig())
	var seen int
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { seen++; return nil }))
	for i := 0; i < 5; i++ {
		require.NoError(t, outbox.Append(ctx, shared.NewLevelUpEvent("u1", i+2, 100, now)))
	}

	relay := messaging.NewRelay(outbox, bus, messaging.RelayConfig{BatchSize: 2}, nil)
	require.NoError(t, NewRelayOutboxJob(relay, 2, 10, nil).Run(ctx))
	assert.Equal(t, 5, seen)
	assert.Empty(t, outbox.Pending())
}

type fakePurger struct {
	before time.Time
}

func (p *fakePurger) Purge(_ context.Context, before time.Time) (int64, error) {
	p.before = before
	return 3, nil
}

func TestPurgeOutboxJob(t *testing.T) {
	p := &fakePurger{}
	job := NewPurgeOutboxJob(p, 24*time.Hour, timeutil.FixedClock{T: now}, nil)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now.Add(-24*time.Hour), p.before)
	assert.Equal(t, "purge_outbox", job.Name())
}
