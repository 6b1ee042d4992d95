package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

var now = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	defer bus.Close()

	var levelUps, all int
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error { levelUps++; return nil }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { all++; return nil }))

	require.NoError(t, bus.Publish(shared.NewLevelUpEvent("u1", 2, 150, now)))
	require.NoError(t, bus.Publish(shared.NewStreakUpdatedEvent("u1", 1, 0, now)))

	assert.Equal(t, 1, levelUps)
	assert.Equal(t, 2, all)
}

func TestInMemoryEventBus_SyncReturnsHandlerErrors(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	boom := errors.New("boom")
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return boom }))

	err := bus.Publish(shared.NewLevelUpEvent("u1", 2, 150, now))
	assert.ErrorIs(t, err, boom)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(shared.NewLevelUpEvent("u1", 2, 150, now)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_Async(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var mu sync.Mutex
	seen := 0
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return errors.New("ignored")
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewLevelUpEvent("u1", 2, 150, now)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 5
	}, time.Second, time.Millisecond)
	require.NoError(t, bus.Close())
}

func TestMiddleware(t *testing.T) {
	handler := Chain(
		func(shared.Event) error { panic("kaboom") },
		RecoveryMiddleware(logger.Nop()),
		LoggingMiddleware(logger.Nop(), "test"),
	)
	err := handler(shared.NewLevelUpEvent("u1", 2, 150, now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	slow := Chain(func(shared.Event) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}, TimeoutMiddleware(10*time.Millisecond))
	err = slow(shared.NewLevelUpEvent("u1", 2, 150, now))
	assert.ErrorContains(t, err, "timeout")
}

func TestRelay_DispatchesAndRetries(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())

	var received []shared.EventType
	failBadges := true
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		if e.EventType() == shared.EventBadgeEarned && failBadges {
			return errors.New("downstream unavailable")
		}
		received = append(received, e.EventType())
		return nil
	}))

	xp := shared.NewXpEarnedEvent("u1", 150, "lesson", "sub-1", 150, 2, now)
	require.NoError(t, outbox.Append(ctx, xp))
	require.NoError(t, outbox.Append(ctx, shared.NewBadgeEarnedEvent("u1", "first-steps", "First Steps", "common", now)))

	relay := NewRelay(outbox, bus, RelayConfig{BatchSize: 10, MaxAttempts: 3}, logger.Nop())

	res, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Dispatched: 1, Failed: 1}, res)
	assert.Equal(t, []shared.EventType{shared.EventXPEarned}, received)

	pending := outbox.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	failBadges = false
	res, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Empty(t, outbox.Pending())
	assert.Equal(t, []shared.EventType{shared.EventXPEarned, shared.EventBadgeEarned}, received)
}

func TestRelay_ParksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("always") }))
	require.NoError(t, outbox.Append(ctx, shared.NewLevelUpEvent("u1", 2, 150, now)))

	relay := NewRelay(outbox, bus, RelayConfig{MaxAttempts: 2}, logger.Nop())
	for i := 0; i < 2; i++ {
		res, err := relay.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	res, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parked)
	assert.Empty(t, outbox.Pending())
}

func TestEnvelopeEventCarriesPayload(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())

	var got shared.Event
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(e shared.Event) error { got = e; return nil }))
	require.NoError(t, outbox.Append(ctx, shared.NewLevelUpEvent("u1", 4, 700, now)))

	_, err := NewRelay(outbox, bus, DefaultRelayConfig(), nil).RelayOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.AggregateID())
	assert.EqualValues(t, 4, got.Payload()["new_level"])
}

func TestWrapSubscriber_RecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	defer bus.Close()

	wrapped := WrapSubscriber(bus, RecoveryMiddleware(logger.Nop()), LoggingMiddleware(logger.Nop(), "panicky"))
	require.NoError(t, wrapped.Subscribe(shared.EventLevelUp, func(shared.Event) error { panic("boom") }))

	var seen int
	require.NoError(t, wrapped.SubscribeAll(func(shared.Event) error { seen++; return nil }))

	err := bus.Publish(shared.NewLevelUpEvent("u1", 2, 150, now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
	assert.Equal(t, 1, seen)
}
