package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD XP SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardRepository implements leaderboard.XPSource over the XP ledger.
type LeaderboardRepository struct {
	conn *Connection
}

// NewLeaderboardRepository creates a new LeaderboardRepository.
func NewLeaderboardRepository(conn *Connection) *LeaderboardRepository {
	return &LeaderboardRepository{conn: conn}
}

// SumXPInWindow implements leaderboard.XPSource.
func (r *LeaderboardRepository) SumXPInWindow(ctx context.Context, userID string, start, end time.Time) (map[string]leaderboard.Score, error) {
	query := `
		SELECT user_id, SUM(amount), MAX(granted_at)
		FROM xp_grants
		WHERE granted_at >= $1 AND granted_at < $2
		  AND ($3 = '' OR user_id = $3)
		GROUP BY user_id
		HAVING SUM(amount) > 0
	`
	rows, err := r.conn.Query(ctx, query, start, end, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum window xp: %w", err)
	}
	return collectScores(rows)
}

// TotalXP implements leaderboard.XPSource.
func (r *LeaderboardRepository) TotalXP(ctx context.Context) (map[string]leaderboard.Score, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT user_id, total_xp, COALESCE(last_xp_at, created_at)
		FROM user_progress
		WHERE total_xp > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load total xp: %w", err)
	}
	return collectScores(rows)
}

func collectScores(rows pgx.Rows) (map[string]leaderboard.Score, error) {
	defer rows.Close()

	out := make(map[string]leaderboard.Score)
	for rows.Next() {
		var (
			userID string
			score  leaderboard.Score
		)
		if err := rows.Scan(&userID, &score.XP, &score.AchievedAt); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		score.AchievedAt = score.AchievedAt.UTC()
		out[userID] = score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scores: %w", err)
	}
	return out, nil
}
