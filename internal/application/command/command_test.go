package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

var now = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.ProgressStore
	outbox  *memory.Outbox
	catalog *badge.Catalog
	clock   timeutil.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy := progress.DefaultPolicy()
	policy.Calendar = timeutil.NewCalendar(time.UTC)
	clock := timeutil.FixedClock{T: now}

	catalog, err := badge.NewCatalog([]badge.Badge{
		{ID: "first-steps", Name: "First Steps", Rarity: badge.RarityCommon, Rule: badge.Threshold(badge.StatTotalXP, badge.OpGTE, 1)},
		{ID: "level-3", Name: "Level Three", Rarity: badge.RarityRare, Rule: badge.Threshold(badge.StatLevel, badge.OpGTE, 3)},
		{ID: "collector", Name: "Collector", Rarity: badge.RarityEpic, Rule: badge.All(badge.Has("first-steps"), badge.Has("level-3"))},
		{ID: "seven-day-streak", Name: "Seven Day Streak", Rarity: badge.RarityRare, Rule: badge.Threshold(badge.StatCurrentStreak, badge.OpGTE, 7)},
	})
	require.NoError(t, err)

	outbox := memory.NewOutbox()
	return &fixture{
		store:   memory.NewProgressStore(policy, clock, outbox),
		outbox:  outbox,
		catalog: catalog,
		clock:   clock,
	}
}

func (f *fixture) mutator(store progress.Store, retries int) *Mutator {
	return NewMutator(store, logger.Nop(), MutatorConfig{ConflictRetries: retries})
}

type flags map[string]bool

func (f flags) IsEnabledForUser(feature, _ string) bool { return f[feature] }

// conflictingStore loses the CAS race a fixed number of times.
type conflictingStore struct {
	progress.Store
	failures int32
	saves    int32
}

func (s *conflictingStore) Save(ctx context.Context, p *progress.UserProgress) error {
	atomic.AddInt32(&s.saves, 1)
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return shared.ErrConcurrentModification
	}
	return s.Store.Save(ctx, p)
}

// brokenStore fails every save with a non-conflict error.
type brokenStore struct {
	progress.Store
}

func (brokenStore) Save(context.Context, *progress.UserProgress) error {
	return errors.New("connection reset")
}

func outboxTypes(o *memory.Outbox) []shared.EventType {
	var out []shared.EventType
	for _, env := range o.Pending() {
		out = append(out, env.Type)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// GrantXP
// ─────────────────────────────────────────────────────────────────────────────

func TestGrantXP_LevelUpScenario(t *testing.T) {
	f := newFixture(t)
	h := NewGrantXPHandler(f.mutator(f.store, 5), f.catalog, nil, f.clock, logger.Nop())

	res, err := h.Handle(context.Background(), GrantXPCommand{
		UserID: "u1", Amount: 150, Reason: "lesson_complete", ReferenceID: "sub-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.TotalXP)
	assert.Equal(t, 2, res.Level)
	assert.True(t, res.LeveledUp)
	assert.False(t, res.Duplicate)
	assert.Equal(t, []shared.EventType{shared.EventXPEarned, shared.EventLevelUp}, outboxTypes(f.outbox))

	res, err = h.Handle(context.Background(), GrantXPCommand{
		UserID: "u1", Amount: 150, Reason: "lesson_complete", ReferenceID: "sub-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(150), res.TotalXP)
	assert.Len(t, f.outbox.Pending(), 2)

	p, err := f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), p.TotalXP())
}

func TestGrantXP_Validation(t *testing.T) {
	f := newFixture(t)
	h := NewGrantXPHandler(f.mutator(f.store, 5), f.catalog, nil, f.clock, logger.Nop())

	_, err := h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 0})
	assert.ErrorIs(t, err, shared.ErrInvalidXPAmount)

	_, err = h.Handle(context.Background(), GrantXPCommand{UserID: "", Amount: 10})
	assert.ErrorIs(t, err, shared.ErrInvalidUserID)

	_, err = f.store.Load(context.Background(), "u1")
	assert.ErrorIs(t, err, shared.ErrProgressNotFound)
}

func TestGrantXP_RejectsFutureTimestamp(t *testing.T) {
	f := newFixture(t)
	h := NewGrantXPHandler(f.mutator(f.store, 5), f.catalog, nil, f.clock, logger.Nop())

	_, err := h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 10, Reason: "x", OccurredAt: now.AddDate(1, 0, 0)})
	assert.ErrorIs(t, err, shared.ErrInvalidActivityTime)
	assert.True(t, shared.IsValidation(err))
	assert.Empty(t, f.outbox.Pending())

	res, err := h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 10, Reason: "x", OccurredAt: now.Add(23 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.TotalXP)
}

func TestGrantXP_AutoAwardBehindFlag(t *testing.T) {
	f := newFixture(t)
	h := NewGrantXPHandler(f.mutator(f.store, 5), f.catalog, flags{FeatureAutoAwardBadges: true}, f.clock, logger.Nop())

	res, err := h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 300, Reason: "project"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first-steps", "level-3", "collector"}, res.AwardedBadges)

	p, err := f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, p.Badges(), 3)

	off := newFixture(t)
	h = NewGrantXPHandler(off.mutator(off.store, 5), off.catalog, flags{}, off.clock, logger.Nop())
	res, err = h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 300, Reason: "project"})
	require.NoError(t, err)
	assert.Empty(t, res.AwardedBadges)
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutator
// ─────────────────────────────────────────────────────────────────────────────

func TestMutator_RetriesConflicts(t *testing.T) {
	f := newFixture(t)
	store := &conflictingStore{Store: f.store, failures: 2}
	h := NewGrantXPHandler(f.mutator(store, 5), f.catalog, nil, f.clock, logger.Nop())

	res, err := h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 10, Reason: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.TotalXP)
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.saves))
	assert.Len(t, f.outbox.Pending(), 1)
}

func TestMutator_ExhaustedRetriesSurfaceStoreConflict(t *testing.T) {
	f := newFixture(t)
	store := &conflictingStore{Store: f.store, failures: 100}
	h := NewGrantXPHandler(f.mutator(store, 2), f.catalog, nil, f.clock, logger.Nop())

	_, err := h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 10, Reason: "x"})
	assert.ErrorIs(t, err, shared.ErrStoreConflict)
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.saves))
	assert.Empty(t, f.outbox.Pending())

	p, err := f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.TotalXP())
}

func TestMutator_DomainErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	store := &conflictingStore{Store: f.store}
	m := f.mutator(store, 5)

	calls := 0
	_, err := m.Mutate(context.Background(), "u1", func(p *progress.UserProgress) error {
		calls++
		_, err := p.RecordActivity(now.AddDate(0, 0, -2))
		if err != nil {
			return err
		}
		_, err = p.RecordActivity(now.AddDate(0, 0, -3))
		return err
	})
	assert.ErrorIs(t, err, shared.ErrInvalidActivityTime)
	assert.Equal(t, 1, calls)
	assert.Zero(t, atomic.LoadInt32(&store.saves))
}

func TestMutator_EventsCommitWithState(t *testing.T) {
	f := newFixture(t)

	// A failed save leaves neither state nor events behind.
	broken := NewGrantXPHandler(f.mutator(brokenStore{f.store}, 5), f.catalog, nil, f.clock, logger.Nop())
	_, err := broken.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 150, Reason: "x"})
	require.Error(t, err)
	assert.Empty(t, f.outbox.Pending())

	p, err := f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.TotalXP())

	// Attempts that lose the CAS race publish nothing; the winning one
	// publishes exactly the events of the state it wrote.
	racing := &conflictingStore{Store: f.store, failures: 2}
	h := NewGrantXPHandler(f.mutator(racing, 5), f.catalog, nil, f.clock, logger.Nop())
	_, err = h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 150, Reason: "x"})
	require.NoError(t, err)
	assert.Equal(t, []shared.EventType{shared.EventXPEarned, shared.EventLevelUp}, outboxTypes(f.outbox))

	p, err = f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), p.TotalXP())
	assert.Equal(t, int64(2), p.Version())
}

func TestMutator_OccurredAt(t *testing.T) {
	m := NewMutator(nil, nil, MutatorConfig{MaxClockSkew: time.Hour})

	at, err := m.OccurredAt(time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, now, at)

	at, err = m.OccurredAt(now.Add(time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), at)

	_, err = m.OccurredAt(now.Add(2*time.Hour), now)
	assert.ErrorIs(t, err, shared.ErrInvalidActivityTime)

	past := now.AddDate(-1, 0, 0)
	at, err = m.OccurredAt(past, now)
	require.NoError(t, err)
	assert.Equal(t, past, at)

	def := NewMutator(nil, nil, MutatorConfig{})
	_, err = def.OccurredAt(now.Add(DefaultMaxClockSkew+time.Second), now)
	assert.ErrorIs(t, err, shared.ErrInvalidActivityTime)
}

func TestMutator_ConcurrentGrantsNoLostUpdates(t *testing.T) {
	f := newFixture(t)
	h := NewGrantXPHandler(f.mutator(f.store, 200), f.catalog, nil, f.clock, logger.Nop())

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("ref-%d", i)
			// Each reference is delivered twice.
			for j := 0; j < 2; j++ {
				if _, err := h.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 10, Reason: "x", ReferenceID: ref}); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*10), p.TotalXP())
	assert.Len(t, f.outbox.Pending(), workers+1) // one level-up at 100 XP
}

// ─────────────────────────────────────────────────────────────────────────────
// RecordActivity
// ─────────────────────────────────────────────────────────────────────────────

func TestRecordActivity_StreakScenario(t *testing.T) {
	f := newFixture(t)
	h := NewRecordActivityHandler(f.mutator(f.store, 5), f.catalog, nil, f.clock, logger.Nop())

	var seq []int
	for _, d := range []int{-3, -2, 0} {
		res, err := h.Handle(context.Background(), RecordActivityCommand{UserID: "u1", OccurredAt: now.AddDate(0, 0, d)})
		require.NoError(t, err)
		seq = append(seq, res.CurrentStreak)
	}
	assert.Equal(t, []int{1, 2, 1}, seq)
}

func TestRecordActivity_FutureTimestampDoesNotLockStreak(t *testing.T) {
	f := newFixture(t)
	h := NewRecordActivityHandler(f.mutator(f.store, 5), f.catalog, nil, f.clock, logger.Nop())

	_, err := h.Handle(context.Background(), RecordActivityCommand{UserID: "u1", OccurredAt: now.AddDate(10, 0, 0)})
	assert.ErrorIs(t, err, shared.ErrInvalidActivityTime)

	res, err := h.Handle(context.Background(), RecordActivityCommand{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CurrentStreak)

	// A next-day timestamp within the skew is still accepted.
	res, err = h.Handle(context.Background(), RecordActivityCommand{UserID: "u1", OccurredAt: now.Add(20 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentStreak)
}

func TestRecordActivity_AwardsStreakBadge(t *testing.T) {
	f := newFixture(t)
	h := NewRecordActivityHandler(f.mutator(f.store, 5), f.catalog, flags{FeatureAutoAwardBadges: true}, f.clock, logger.Nop())

	var last *RecordActivityResult
	for d := -6; d <= 0; d++ {
		res, err := h.Handle(context.Background(), RecordActivityCommand{UserID: "u1", OccurredAt: now.AddDate(0, 0, d)})
		require.NoError(t, err)
		last = res
	}
	assert.Equal(t, 7, last.CurrentStreak)
	assert.Equal(t, []string{"seven-day-streak"}, last.AwardedBadges)
	assert.Equal(t, 10, last.BonusPercent)
}

// ─────────────────────────────────────────────────────────────────────────────
// AwardBadge / EvaluateBadges
// ─────────────────────────────────────────────────────────────────────────────

func TestAwardBadge_TwiceFails(t *testing.T) {
	f := newFixture(t)
	h := NewAwardBadgeHandler(f.mutator(f.store, 5), f.catalog, f.clock, logger.Nop())

	res, err := h.Handle(context.Background(), AwardBadgeCommand{UserID: "u1", BadgeID: "seven-day-streak"})
	require.NoError(t, err)
	assert.Equal(t, "Seven Day Streak", res.BadgeName)
	assert.Equal(t, "rare", res.Rarity)
	assert.Equal(t, []shared.EventType{shared.EventBadgeEarned}, outboxTypes(f.outbox))

	_, err = h.Handle(context.Background(), AwardBadgeCommand{UserID: "u1", BadgeID: "seven-day-streak"})
	assert.ErrorIs(t, err, shared.ErrBadgeAlreadyEarned)
	assert.Len(t, f.outbox.Pending(), 1)

	_, err = h.Handle(context.Background(), AwardBadgeCommand{UserID: "u1", BadgeID: "unknown"})
	assert.ErrorIs(t, err, shared.ErrBadgeNotFound)
}

func TestCommands_StampCorrelationID(t *testing.T) {
	f := newFixture(t)
	m := f.mutator(f.store, 5)
	ctx := context.Background()

	_, err := NewRecordActivityHandler(m, f.catalog, nil, f.clock, logger.Nop()).
		Handle(ctx, RecordActivityCommand{UserID: "u1", CorrelationID: "req-activity"})
	require.NoError(t, err)
	_, err = NewAwardBadgeHandler(m, f.catalog, f.clock, logger.Nop()).
		Handle(ctx, AwardBadgeCommand{UserID: "u1", BadgeID: "seven-day-streak", CorrelationID: "req-award"})
	require.NoError(t, err)
	_, err = NewGrantXPHandler(m, f.catalog, flags{FeatureAutoAwardBadges: true}, f.clock, logger.Nop()).
		Handle(ctx, GrantXPCommand{UserID: "u1", Amount: 10, Reason: "x", CorrelationID: "req-grant"})
	require.NoError(t, err)

	var got []string
	for _, env := range f.outbox.Pending() {
		got = append(got, string(env.Type)+"="+env.CorrelationID)
	}
	assert.Equal(t, []string{
		"progress.streak_updated=req-activity",
		"badge.earned=req-award",
		"progress.xp_earned=req-grant",
		"badge.earned=req-grant",
	}, got)
}

func TestEvaluateBadges(t *testing.T) {
	f := newFixture(t)
	m := f.mutator(f.store, 5)
	grant := NewGrantXPHandler(m, f.catalog, nil, f.clock, logger.Nop())
	eval := NewEvaluateBadgesHandler(m, f.catalog, f.clock, logger.Nop())

	_, err := grant.Handle(context.Background(), GrantXPCommand{UserID: "u1", Amount: 50, Reason: "x"})
	require.NoError(t, err)

	res, err := eval.Handle(context.Background(), EvaluateBadgesCommand{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first-steps"}, res.AwardedBadges)

	res, err = eval.Handle(context.Background(), EvaluateBadgesCommand{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, res.AwardedBadges)
}
