package leaderboard

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss - рейтинг окна отсутствует в кэше.
var ErrCacheMiss = errors.New("leaderboard: standings not cached")

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// XPSource - агрегирование XP по журналу начислений.
type XPSource interface {
	// SumXPInWindow суммирует XP, начисленный в [start, end).
	// Пустой userID - по всем пользователям. Пользователи без XP в окне не возвращаются.
	SumXPInWindow(ctx context.Context, userID string, start, end time.Time) (map[string]Score, error)

	// TotalXP возвращает накопленный XP всех пользователей с ненулевым XP.
	TotalXP(ctx context.Context) (map[string]Score, error)
}

// StandingsCache хранит вычисленные рейтинги. Реализация в infrastructure/persistence/redis.
type StandingsCache interface {
	// Store сохраняет рейтинг целиком.
	Store(ctx context.Context, s *Standings) error

	// Page возвращает страницу рейтинга окна, начинающегося в windowStart.
	// Возвращает ErrCacheMiss, если рейтинга нет.
	Page(ctx context.Context, period Period, windowStart time.Time, limit, offset int) (Page, error)

	// Invalidate удаляет кэшированные рейтинги указанных периодов.
	Invalidate(ctx context.Context, periods ...Period) error
}
