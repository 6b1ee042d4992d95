package progress

import (
	"fmt"
	"time"

	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STREAK
// ══════════════════════════════════════════════════════════════════════════════

// Streak представляет серию активных календарных дней.
// Значение неизменяемое: Record возвращает новое состояние.
type Streak struct {
	// Current - текущая серия дней.
	Current int

	// Longest - лучшая серия за всё время.
	Longest int

	// LastActivityDate - дата последней активности (полночь UTC), zero - активности не было.
	LastActivityDate time.Time
}

// HasActivity возвращает true, если активность уже записывалась.
func (s Streak) HasActivity() bool {
	return !s.LastActivityDate.IsZero()
}

// Record применяет активность за календарный день day (полночь UTC, см. timeutil.Calendar.Date).
func (s Streak) Record(day time.Time) (Streak, error) {
	if !s.HasActivity() {
		return Streak{Current: 1, Longest: max(s.Longest, 1), LastActivityDate: day}, nil
	}

	diff := timeutil.DateDiff(s.LastActivityDate, day)
	next := s
	switch {
	case diff < 0:
		return s, fmt.Errorf("activity on %s is before last activity on %s",
			timeutil.FormatDate(day), timeutil.FormatDate(s.LastActivityDate))
	case diff == 0:
		// Уже засчитано сегодня.
		return s, nil
	case diff == 1:
		next.Current++
	default:
		// Пропущены дни - серия начинается заново.
		next.Current = 1
	}

	next.Longest = max(next.Longest, next.Current)
	next.LastActivityDate = day
	return next, nil
}

// IsActive возвращает true, если с последней активности до today прошло не больше одного дня.
func (s Streak) IsActive(today time.Time) bool {
	if !s.HasActivity() {
		return false
	}
	diff := timeutil.DateDiff(s.LastActivityDate, today)
	return diff >= 0 && diff <= 1
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAK BONUS
// ══════════════════════════════════════════════════════════════════════════════

// StreakBonus - ступенчатый бонус за серию: +StepPercent за каждые StepDays дней, не более CapPercent.
type StreakBonus struct {
	StepDays    int
	StepPercent int
	CapPercent  int
}

// DefaultStreakBonus: +5% за каждые 3 дня, максимум 50%.
func DefaultStreakBonus() StreakBonus {
	return StreakBonus{StepDays: 3, StepPercent: 5, CapPercent: 50}
}

// Validate проверяет параметры бонуса.
func (b StreakBonus) Validate() error {
	if b.StepDays <= 0 {
		return fmt.Errorf("streak bonus step days must be positive, got %d", b.StepDays)
	}
	if b.StepPercent < 0 || b.CapPercent < 0 {
		return fmt.Errorf("streak bonus percentages must not be negative")
	}
	return nil
}

// Percent возвращает бонус в процентах для текущей серии.
func (b StreakBonus) Percent(current int) int {
	if current <= 0 || b.StepDays <= 0 {
		return 0
	}
	return min((current/b.StepDays)*b.StepPercent, b.CapPercent)
}
