package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProgressStore implements progress.Store for PostgreSQL.
type ProgressStore struct {
	conn   *Connection
	policy progress.Policy
	clock  timeutil.Clock
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(conn *Connection, policy progress.Policy, clock timeutil.Clock) *ProgressStore {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &ProgressStore{conn: conn, policy: policy, clock: clock}
}

// Load implements progress.Store. The row, badges and applied references are
// read in one repeatable-read snapshot.
func (s *ProgressStore) Load(ctx context.Context, userID string) (*progress.UserProgress, error) {
	var snap progress.Snapshot
	err := s.conn.WithTx(ctx, SnapshotTxOptions(), func(tx pgx.Tx) error {
		var err error
		snap, err = loadSnapshot(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return progress.Restore(snap, s.policy)
}

// CreateIfAbsent implements progress.Store.
func (s *ProgressStore) CreateIfAbsent(ctx context.Context, userID string) (*progress.UserProgress, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO user_progress (user_id, version, created_at, updated_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress: %w", err)
	}
	return s.Load(ctx, userID)
}

// Save implements progress.Store with compare-and-swap on version. Ledger
// rows, badges and outbox events commit in the same transaction.
func (s *ProgressStore) Save(ctx context.Context, p *progress.UserProgress) error {
	snap := p.Snapshot()
	changes := p.Changes()
	next := snap.Version + 1

	err := s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE user_progress SET
				total_xp = $2,
				current_streak = $3,
				longest_streak = $4,
				last_activity_date = $5,
				last_xp_at = $6,
				version = $7,
				updated_at = $8
			WHERE user_id = $1 AND version = $9
		`,
			snap.UserID,
			snap.TotalXP,
			snap.Streak.Current,
			snap.Streak.Longest,
			nullTime(snap.Streak.LastActivityDate),
			nullTime(snap.LastXPAt),
			next,
			snap.UpdatedAt,
			snap.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrConcurrentModification
		}

		batch := &pgx.Batch{}
		for _, g := range changes.Grants {
			batch.Queue(`
				INSERT INTO xp_grants (id, user_id, amount, reason, reference_id, total_after, granted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, g.ID, snap.UserID, g.Amount, g.Reason, nullString(g.ReferenceID), g.TotalAfter, g.GrantedAt)
		}
		for _, b := range changes.Badges {
			batch.Queue(`
				INSERT INTO user_badges (user_id, badge_id, earned_at) VALUES ($1, $2, $3)
			`, snap.UserID, b.BadgeID, b.EarnedAt)
		}
		if err := queueOutboxEvents(batch, changes.Events); err != nil {
			return fmt.Errorf("failed to encode events: %w", err)
		}
		if batch.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				// A reference or badge row written by a concurrent winner.
				if IsUniqueViolation(err) {
					return shared.ErrConcurrentModification
				}
				return fmt.Errorf("failed to append progress rows: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		if IsSerializationFailure(err) {
			return shared.ErrConcurrentModification
		}
		return err
	}

	p.MarkPersisted(next)
	return nil
}

// Ping implements the readiness check.
func (s *ProgressStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func loadSnapshot(ctx context.Context, q Querier, userID string) (progress.Snapshot, error) {
	snap := progress.Snapshot{UserID: userID}

	var lastActivity, lastXP *time.Time
	err := q.QueryRow(ctx, `
		SELECT total_xp, current_streak, longest_streak, last_activity_date, last_xp_at,
		       version, created_at, updated_at
		FROM user_progress
		WHERE user_id = $1
	`, userID).Scan(
		&snap.TotalXP,
		&snap.Streak.Current,
		&snap.Streak.Longest,
		&lastActivity,
		&lastXP,
		&snap.Version,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return snap, shared.ErrProgressNotFound.With(userID, nil)
		}
		return snap, fmt.Errorf("failed to load progress: %w", err)
	}
	if lastActivity != nil {
		d := lastActivity.UTC()
		snap.Streak.LastActivityDate = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}
	if lastXP != nil {
		snap.LastXPAt = lastXP.UTC()
	}

	rows, err := q.Query(ctx, `SELECT badge_id, earned_at FROM user_badges WHERE user_id = $1`, userID)
	if err != nil {
		return snap, fmt.Errorf("failed to load badges: %w", err)
	}
	snap.Badges, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (progress.EarnedBadge, error) {
		var b progress.EarnedBadge
		err := row.Scan(&b.BadgeID, &b.EarnedAt)
		return b, err
	})
	if err != nil {
		return snap, fmt.Errorf("failed to scan badges: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT reference_id FROM xp_grants WHERE user_id = $1 AND reference_id IS NOT NULL
	`, userID)
	if err != nil {
		return snap, fmt.Errorf("failed to load references: %w", err)
	}
	snap.AppliedReferences, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return snap, fmt.Errorf("failed to scan references: %w", err)
	}

	return snap, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
