// Package eventhandler contains reactions to domain events delivered by the
// outbox relay. Delivery is at-least-once, so every handler is idempotent.
package eventhandler

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD INVALIDATOR
// Drops cached standings when XP moves so the next read recomputes.
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardInvalidator handles progress.xp_earned.
type LeaderboardInvalidator struct {
	cache   leaderboard.StandingsCache
	timeout time.Duration
	log     *logger.Logger
}

// NewLeaderboardInvalidator creates a new invalidator.
func NewLeaderboardInvalidator(cache leaderboard.StandingsCache, log *logger.Logger) *LeaderboardInvalidator {
	if log == nil {
		log = logger.Nop()
	}
	return &LeaderboardInvalidator{
		cache:   cache,
		timeout: 5 * time.Second,
		log:     log.With(logger.Component("leaderboard_invalidator")),
	}
}

// Register subscribes the handler to the bus.
func (h *LeaderboardInvalidator) Register(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventXPEarned, h.Handle)
}

// Handle implements shared.EventHandler.
func (h *LeaderboardInvalidator) Handle(event shared.Event) error {
	if event.EventType() != shared.EventXPEarned {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.cache.Invalidate(ctx, leaderboard.AllPeriods()...); err != nil {
		return fmt.Errorf("invalidate standings: %w", err)
	}
	h.log.Debug("standings invalidated",
		logger.UserID(event.AggregateID()),
		logger.String("event_id", event.EventID()),
	)
	return nil
}
