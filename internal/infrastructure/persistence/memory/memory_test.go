package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

var now = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newStore() *ProgressStore {
	return newStoreWithOutbox(nil)
}

func newStoreWithOutbox(o *Outbox) *ProgressStore {
	policy := progress.DefaultPolicy()
	policy.Calendar = timeutil.NewCalendar(time.UTC)
	return NewProgressStore(policy, timeutil.FixedClock{T: now}, o)
}

func pendingTypes(o *Outbox) []shared.EventType {
	var out []shared.EventType
	for _, env := range o.Pending() {
		out = append(out, env.Type)
	}
	return out
}

func TestProgressStore_LoadMissing(t *testing.T) {
	_, err := newStore().Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, shared.ErrProgressNotFound)
}

func TestProgressStore_CreateIfAbsentIsIdempotent(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	a, err := s.CreateIfAbsent(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version())

	_, err = a.GrantXP(progress.XPGrant{Amount: 10, Reason: "x"}, now)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, a))

	b, err := s.CreateIfAbsent(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.TotalXP())
	assert.Equal(t, int64(2), b.Version())
}

func TestProgressStore_SaveCAS(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, err := s.CreateIfAbsent(ctx, "u1")
	require.NoError(t, err)

	first, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	second, err := s.Load(ctx, "u1")
	require.NoError(t, err)

	_, err = first.GrantXP(progress.XPGrant{Amount: 10, Reason: "a"}, now)
	require.NoError(t, err)
	_, err = second.GrantXP(progress.XPGrant{Amount: 20, Reason: "b"}, now)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, first))
	err = s.Save(ctx, second)
	assert.ErrorIs(t, err, shared.ErrConcurrentModification)
	assert.True(t, shared.IsConflict(err))

	got, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.TotalXP())
}

func TestProgressStore_SaveWritesEventsWithState(t *testing.T) {
	o := NewOutbox()
	s := newStoreWithOutbox(o)
	ctx := context.Background()

	_, err := s.CreateIfAbsent(ctx, "u1")
	require.NoError(t, err)
	winner, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	loser, err := s.Load(ctx, "u1")
	require.NoError(t, err)

	_, err = winner.GrantXP(progress.XPGrant{Amount: 150, Reason: "lesson"}, now)
	require.NoError(t, err)
	_, err = loser.GrantXP(progress.XPGrant{Amount: 20, Reason: "quiz"}, now)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, winner))
	assert.Equal(t, []shared.EventType{shared.EventXPEarned, shared.EventLevelUp}, pendingTypes(o))
	assert.Empty(t, winner.ClearEvents(), "saved events leave the aggregate buffer")

	// A lost CAS race writes neither state nor events.
	require.ErrorIs(t, s.Save(ctx, loser), shared.ErrConcurrentModification)
	assert.Len(t, o.Pending(), 2)
	assert.NotEmpty(t, loser.ClearEvents())

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	again, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	_, err = again.GrantXP(progress.XPGrant{Amount: 5, Reason: "x"}, now)
	require.NoError(t, err)
	require.ErrorIs(t, s.Save(canceled, again), context.Canceled)
	assert.Len(t, o.Pending(), 2)
}

func TestProgressStore_TotalXPKeepsLatestGrantTime(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	grant := func(amount int64, at time.Time) {
		p, err := s.CreateIfAbsent(ctx, "b")
		require.NoError(t, err)
		_, err = p.GrantXP(progress.XPGrant{Amount: amount, Reason: "x"}, at)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, p))
	}
	grant(100, now)
	grant(100, now.Add(-2*time.Hour))

	total, err := s.TotalXP(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), total["b"].XP)
	assert.Equal(t, now, total["b"].AchievedAt)

	start := now.Truncate(24 * time.Hour)
	window, err := s.SumXPInWindow(ctx, "b", start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, total["b"], window["b"])
}

func TestProgressStore_SaveRejectsDuplicateReference(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, err := s.CreateIfAbsent(ctx, "u1")
	require.NoError(t, err)

	a, _ := s.Load(ctx, "u1")
	b, _ := s.Load(ctx, "u1")
	_, err = a.GrantXP(progress.XPGrant{Amount: 10, Reason: "a", ReferenceID: "sub-1"}, now)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, a))

	// b was loaded before the reference existed; force the versions to line up.
	b.MarkPersisted(a.Version())
	_, err = b.GrantXP(progress.XPGrant{Amount: 10, Reason: "a", ReferenceID: "sub-1"}, now)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Save(ctx, b), shared.ErrConcurrentModification)
}

func TestProgressStore_XPSource(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	grant := func(user string, amount int64, at time.Time) {
		p, err := s.CreateIfAbsent(ctx, user)
		require.NoError(t, err)
		_, err = p.GrantXP(progress.XPGrant{Amount: amount, Reason: "x"}, at)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, p))
	}

	grant("a", 50, now.Add(-48*time.Hour))
	grant("a", 30, now)
	grant("b", 40, now.Add(time.Hour))

	start := now.Truncate(24 * time.Hour)
	window, err := s.SumXPInWindow(ctx, "", start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(30), window["a"].XP)
	assert.Equal(t, now, window["a"].AchievedAt)
	assert.Equal(t, int64(40), window["b"].XP)

	one, err := s.SumXPInWindow(ctx, "b", start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, one, 1)

	total, err := s.TotalXP(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(80), total["a"].XP)
	assert.Equal(t, now, total["a"].AchievedAt)
}

func TestOutbox(t *testing.T) {
	o := NewOutbox()
	ctx := context.Background()

	e1 := shared.NewLevelUpEvent("u1", 2, 150, now)
	e2 := shared.NewStreakUpdatedEvent("u1", 1, 0, now)
	require.NoError(t, o.Append(ctx, e1, e2))

	batch, err := o.FetchPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, e1.EventID(), batch[0].ID)
	assert.Equal(t, shared.EventLevelUp, batch[0].Type)

	require.NoError(t, o.MarkFailed(ctx, e1.EventID(), assert.AnError))
	assert.Equal(t, 1, o.Pending()[0].Attempts)

	require.NoError(t, o.MarkDispatched(ctx, []string{e1.EventID()}))
	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, e2.EventID(), pending[0].ID)
}

func TestOutbox_Purge(t *testing.T) {
	o := NewOutbox()
	ctx := context.Background()

	e := shared.NewLevelUpEvent("u1", 2, 150, now)
	require.NoError(t, o.Append(ctx, e))
	require.NoError(t, o.MarkDispatched(ctx, []string{e.EventID()}))

	n, err := o.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = o.Purge(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = o.Purge(canceled, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
