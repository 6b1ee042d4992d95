package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
)

// Outbox keeps event envelopes in memory until the relay dispatches them.
type Outbox struct {
	mu         sync.Mutex
	pending    []shared.EventEnvelope
	dispatched map[string]time.Time
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{dispatched: make(map[string]time.Time)}
}

// Append enqueues events. Either every event is enqueued or none is.
func (o *Outbox) Append(ctx context.Context, events ...shared.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	envs, err := envelopes(events)
	if err != nil {
		return err
	}
	o.enqueue(envs)
	return nil
}

func (o *Outbox) enqueue(envs []shared.EventEnvelope) {
	if len(envs) == 0 {
		return
	}
	o.mu.Lock()
	o.pending = append(o.pending, envs...)
	o.mu.Unlock()
}

func envelopes(events []shared.Event) ([]shared.EventEnvelope, error) {
	out := make([]shared.EventEnvelope, 0, len(events))
	for _, e := range events {
		env, err := shared.NewEnvelope(e)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// FetchPending returns up to limit undispatched envelopes in publish order.
func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]shared.EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]shared.EventEnvelope, 0, min(limit, len(o.pending)))
	for _, env := range o.pending {
		if len(out) == limit {
			break
		}
		out = append(out, env)
	}
	return out, nil
}

// MarkDispatched removes envelopes from the pending queue.
func (o *Outbox) MarkDispatched(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
		o.dispatched[id] = now
	}
	kept := o.pending[:0]
	for _, env := range o.pending {
		if !done[env.ID] {
			kept = append(kept, env)
		}
	}
	o.pending = kept
	return nil
}

// MarkFailed bumps the attempt counter of an envelope.
func (o *Outbox) MarkFailed(ctx context.Context, id string, _ error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.pending {
		if o.pending[i].ID == id {
			o.pending[i].Attempts++
		}
	}
	return nil
}

// Pending returns a copy of the pending queue.
func (o *Outbox) Pending() []shared.EventEnvelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]shared.EventEnvelope(nil), o.pending...)
}

// Purge forgets dispatch marks older than the cutoff.
func (o *Outbox) Purge(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for id, at := range o.dispatched {
		if at.Before(before) {
			delete(o.dispatched, id)
			n++
		}
	}
	return n, nil
}
