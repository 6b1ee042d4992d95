package messaging

import (
	"context"
	"fmt"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOX RELAY
// Moves committed outbox records onto the event bus. Delivery is
// at-least-once: handlers must tolerate duplicates.
// ══════════════════════════════════════════════════════════════════════════════

// OutboxStore is the relay's view of the outbox.
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]shared.EventEnvelope, error)
	MarkDispatched(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// RelayConfig contains relay settings.
type RelayConfig struct {
	BatchSize int

	// MaxAttempts after which a record is parked as dispatched and logged.
	MaxAttempts int
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{BatchSize: 100, MaxAttempts: 10}
}

// RelayResult summarizes one relay pass.
type RelayResult struct {
	Dispatched int
	Failed     int
	Parked     int
}

// Relay publishes pending outbox records.
type Relay struct {
	store  OutboxStore
	bus    shared.EventPublisher
	config RelayConfig
	log    *logger.Logger
}

// NewRelay creates a new Relay.
func NewRelay(store OutboxStore, bus shared.EventPublisher, config RelayConfig, log *logger.Logger) *Relay {
	def := DefaultRelayConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		store:  store,
		bus:    bus,
		config: config,
		log:    log.With(logger.Component("outbox_relay")),
	}
}

// RelayOnce dispatches at most one batch.
func (r *Relay) RelayOnce(ctx context.Context) (RelayResult, error) {
	var res RelayResult

	batch, err := r.store.FetchPending(ctx, r.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch pending: %w", err)
	}
	if len(batch) == 0 {
		return res, nil
	}

	done := make([]string, 0, len(batch))
	for _, env := range batch {
		if env.Attempts >= r.config.MaxAttempts {
			r.log.Error("outbox record exceeded delivery attempts",
				logger.String("event_id", env.ID),
				logger.String("event_type", string(env.Type)),
				logger.Int("attempts", env.Attempts),
			)
			done = append(done, env.ID)
			res.Parked++
			continue
		}

		if err := r.bus.Publish(env.Event()); err != nil {
			r.log.Warn("outbox delivery failed",
				logger.String("event_id", env.ID),
				logger.String("event_type", string(env.Type)),
				logger.Err(err),
			)
			if markErr := r.store.MarkFailed(ctx, env.ID, err); markErr != nil {
				return res, fmt.Errorf("mark failed %s: %w", env.ID, markErr)
			}
			res.Failed++
			continue
		}
		done = append(done, env.ID)
		res.Dispatched++
	}

	if len(done) > 0 {
		if err := r.store.MarkDispatched(ctx, done); err != nil {
			return res, fmt.Errorf("mark dispatched: %w", err)
		}
	}

	r.log.Debug("outbox batch relayed",
		logger.Int("dispatched", res.Dispatched),
		logger.Int("failed", res.Failed),
		logger.Int("parked", res.Parked),
	)
	return res, nil
}
