package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/alem-gamification/internal/domain/badge"
)

// BadgeRepository keeps a copy of the badge catalog for reporting.
type BadgeRepository struct {
	conn *Connection
}

// NewBadgeRepository creates a new BadgeRepository.
func NewBadgeRepository(conn *Connection) *BadgeRepository {
	return &BadgeRepository{conn: conn}
}

// UpsertBadges writes every catalog badge in one transaction.
func (r *BadgeRepository) UpsertBadges(ctx context.Context, badges []badge.Badge) error {
	if len(badges) == 0 {
		return nil
	}

	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range badges {
			rule, err := json.Marshal(b.Rule)
			if err != nil {
				return fmt.Errorf("failed to marshal rule of %s: %w", b.ID, err)
			}
			batch.Queue(`
				INSERT INTO badges (id, name, description, rarity, rule)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					description = EXCLUDED.description,
					rarity = EXCLUDED.rarity,
					rule = EXCLUDED.rule,
					updated_at = NOW()
			`, b.ID, b.Name, b.Description, string(b.Rarity), rule)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range badges {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to upsert badge: %w", err)
			}
		}
		return br.Close()
	})
}

// ListBadges implements badge.Source, so a deployment can treat the table
// as the catalog of record.
func (r *BadgeRepository) ListBadges(ctx context.Context) ([]badge.Badge, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, name, description, rarity, rule FROM badges ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}
	defer rows.Close()

	var out []badge.Badge
	for rows.Next() {
		var (
			b      badge.Badge
			rarity string
			rule   []byte
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &rarity, &rule); err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		b.Rarity = badge.Rarity(rarity)
		if err := json.Unmarshal(rule, &b.Rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule of %s: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
