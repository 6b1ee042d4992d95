// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that
// happened to a user's progress.
const (
	// Progress events
	EventXPEarned      EventType = "progress.xp_earned"
	EventLevelUp       EventType = "progress.level_up"
	EventStreakUpdated EventType = "progress.streak_updated"

	// Badge events
	EventBadgeEarned EventType = "badge.earned"

	// Leaderboard events
	EventLeaderboardRebuilt EventType = "leaderboard.rebuilt"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventID returns the unique id of this event record.
	EventID() string

	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// Correlated is implemented by events that carry a correlation id.
type Correlated interface {
	Correlation() string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventID implements Event interface.
func (e BaseEvent) EventID() string {
	return e.ID
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// Correlation implements Correlated.
func (e BaseEvent) Correlation() string {
	return e.CorrelationID
}

// NewBaseEvent creates a new base event stamped at the given time.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   at.UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XpEarnedEvent is emitted for every XP grant that changed the total.
type XpEarnedEvent struct {
	BaseEvent
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
	NewTotalXP  int64  `json:"new_total_xp"`
	NewLevel    int    `json:"new_level"`
}

// Payload implements Event interface.
func (e XpEarnedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"amount":       e.Amount,
		"reason":       e.Reason,
		"reference_id": e.ReferenceID,
		"new_total_xp": e.NewTotalXP,
		"new_level":    e.NewLevel,
	}
}

// NewXpEarnedEvent creates a new XpEarnedEvent.
func NewXpEarnedEvent(userID string, amount int64, reason, referenceID string, newTotal int64, newLevel int, at time.Time) XpEarnedEvent {
	return XpEarnedEvent{
		BaseEvent:   NewBaseEvent(EventXPEarned, userID, at),
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		NewTotalXP:  newTotal,
		NewLevel:    newLevel,
	}
}

// LevelUpEvent is emitted when a grant moves the user to a higher level.
type LevelUpEvent struct {
	BaseEvent
	NewLevel int   `json:"new_level"`
	TotalXP  int64 `json:"total_xp"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"new_level": e.NewLevel,
		"total_xp":  e.TotalXP,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(userID string, newLevel int, totalXP int64, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, userID, at),
		NewLevel:  newLevel,
		TotalXP:   totalXP,
	}
}

// StreakUpdatedEvent is emitted whenever the current streak changes.
type StreakUpdatedEvent struct {
	BaseEvent
	CurrentStreak  int `json:"current_streak"`
	PreviousStreak int `json:"previous_streak"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"current_streak":  e.CurrentStreak,
		"previous_streak": e.PreviousStreak,
	}
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(userID string, current, previous int, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent:      NewBaseEvent(EventStreakUpdated, userID, at),
		CurrentStreak:  current,
		PreviousStreak: previous,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Badge Events
// ═══════════════════════════════════════════════════════════════════════════

// BadgeEarnedEvent is emitted the first time a user earns a badge.
type BadgeEarnedEvent struct {
	BaseEvent
	BadgeID     string `json:"badge_id"`
	BadgeName   string `json:"badge_name"`
	BadgeRarity string `json:"badge_rarity"`
}

// Payload implements Event interface.
func (e BadgeEarnedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"badge_id":     e.BadgeID,
		"badge_name":   e.BadgeName,
		"badge_rarity": e.BadgeRarity,
	}
}

// NewBadgeEarnedEvent creates a new BadgeEarnedEvent.
func NewBadgeEarnedEvent(userID, badgeID, name, rarity string, at time.Time) BadgeEarnedEvent {
	return BadgeEarnedEvent{
		BaseEvent:   NewBaseEvent(EventBadgeEarned, userID, at),
		BadgeID:     badgeID,
		BadgeName:   name,
		BadgeRarity: rarity,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Leaderboard Events
// ═══════════════════════════════════════════════════════════════════════════

// LeaderboardRebuiltEvent is published in-process after cached standings
// for a period were recomputed.
type LeaderboardRebuiltEvent struct {
	BaseEvent
	Period      string    `json:"period"`
	WindowStart time.Time `json:"window_start"`
	Entries     int       `json:"entries"`
}

// Payload implements Event interface.
func (e LeaderboardRebuiltEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"period":       e.Period,
		"window_start": e.WindowStart.Format(time.RFC3339),
		"entries":      e.Entries,
	}
}

// NewLeaderboardRebuiltEvent creates a new LeaderboardRebuiltEvent.
func NewLeaderboardRebuiltEvent(period string, windowStart time.Time, entries int, at time.Time) LeaderboardRebuiltEvent {
	return LeaderboardRebuiltEvent{
		BaseEvent:   NewBaseEvent(EventLeaderboardRebuilt, "leaderboard:"+period, at),
		Period:      period,
		WindowStart: windowStart,
		Entries:     entries,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts,omitempty"`
}

// NewEnvelope serializes an event into an envelope.
func NewEnvelope(event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}

	env := EventEnvelope{
		ID:          event.EventID(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if c, ok := event.(Correlated); ok {
		env.CorrelationID = c.Correlation()
	}
	return env, nil
}

// Event turns a stored envelope back into an Event for in-process dispatch.
func (e EventEnvelope) Event() Event {
	return envelopeEvent{env: e}
}

type envelopeEvent struct {
	env EventEnvelope
}

func (e envelopeEvent) EventID() string       { return e.env.ID }
func (e envelopeEvent) EventType() EventType  { return e.env.Type }
func (e envelopeEvent) OccurredAt() time.Time { return e.env.Timestamp }
func (e envelopeEvent) AggregateID() string   { return e.env.AggregateID }
func (e envelopeEvent) Correlation() string   { return e.env.CorrelationID }

func (e envelopeEvent) Payload() map[string]interface{} {
	out := make(map[string]interface{})
	if len(e.env.Payload) > 0 {
		_ = json.Unmarshal(e.env.Payload, &out)
	}
	return out
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
