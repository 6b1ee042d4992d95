package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOX
// ══════════════════════════════════════════════════════════════════════════════

// DefaultOutboxLease is how long a fetched batch stays hidden from other relays.
const DefaultOutboxLease = 30 * time.Second

// OutboxRepository serves the relay side of outbox_events. Rows are written
// by ProgressStore.Save in the same transaction as the state they describe.
// Several relay processes may poll concurrently: FetchPending leases rows
// with FOR UPDATE SKIP LOCKED.
type OutboxRepository struct {
	conn  *Connection
	lease time.Duration
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(conn *Connection, lease time.Duration) *OutboxRepository {
	if lease <= 0 {
		lease = DefaultOutboxLease
	}
	return &OutboxRepository{conn: conn, lease: lease}
}

// queueOutboxEvents adds the inserts of events to a batch that runs inside
// the caller's transaction.
func queueOutboxEvents(batch *pgx.Batch, events []shared.Event) error {
	for _, event := range events {
		env, err := shared.NewEnvelope(event)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO outbox_events (id, event_type, aggregate_id, payload, occurred_at, version, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`,
			env.ID,
			string(env.Type),
			env.AggregateID,
			[]byte(env.Payload),
			env.Timestamp,
			env.Version,
			nullString(env.CorrelationID),
		)
	}
	return nil
}

// FetchPending leases up to limit undispatched envelopes in insertion order.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]shared.EventEnvelope, error) {
	rows, err := r.conn.Query(ctx, `
		UPDATE outbox_events SET locked_until = NOW() + $2 * INTERVAL '1 second'
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE dispatched_at IS NULL
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, aggregate_id, payload, occurred_at, version,
		          COALESCE(correlation_id, ''), attempts, created_at
	`, limit, r.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox events: %w", err)
	}

	type leased struct {
		env       shared.EventEnvelope
		createdAt time.Time
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (leased, error) {
		var (
			l         leased
			eventType string
			payload   []byte
		)
		err := row.Scan(
			&l.env.ID,
			&eventType,
			&l.env.AggregateID,
			&payload,
			&l.env.Timestamp,
			&l.env.Version,
			&l.env.CorrelationID,
			&l.env.Attempts,
			&l.createdAt,
		)
		l.env.Type = shared.EventType(eventType)
		l.env.Payload = payload
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox events: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].createdAt.Before(batch[j].createdAt)
	})
	out := make([]shared.EventEnvelope, len(batch))
	for i, l := range batch {
		out[i] = l.env
	}
	return out, nil
}

// MarkDispatched marks envelopes as delivered.
func (r *OutboxRepository) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.conn.Exec(ctx, `
		UPDATE outbox_events SET dispatched_at = NOW(), locked_until = NULL
		WHERE id = ANY($1::uuid[])
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark outbox events dispatched: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery and releases the lease.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.conn.Exec(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = $2, locked_until = NULL
		WHERE id = $1
	`, id, msg)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	return nil
}

// Purge deletes dispatched records older than the cutoff.
func (r *OutboxRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx, `
		DELETE FROM outbox_events WHERE dispatched_at IS NOT NULL AND dispatched_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
