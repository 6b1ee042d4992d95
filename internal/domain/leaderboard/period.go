package leaderboard

import (
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// Period определяет окно накопления XP для рейтинга.
type Period string

const (
	// PeriodDaily - текущий календарный день.
	PeriodDaily Period = "daily"
	// PeriodWeekly - текущая неделя с понедельника.
	PeriodWeekly Period = "weekly"
	// PeriodMonthly - текущий календарный месяц.
	PeriodMonthly Period = "monthly"
	// PeriodAllTime - весь накопленный XP.
	PeriodAllTime Period = "all_time"
)

// AllPeriods возвращает все периоды в порядке от короткого к длинному.
func AllPeriods() []Period {
	return []Period{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime}
}

// ParsePeriod разбирает строку; пустая строка - all_time.
func ParsePeriod(s string) (Period, error) {
	if s == "" {
		return PeriodAllTime, nil
	}
	p := Period(s)
	if !p.IsValid() {
		return "", shared.ErrInvalidPeriod.With(s, nil)
	}
	return p, nil
}

// IsValid проверяет, что период известен.
func (p Period) IsValid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime:
		return true
	default:
		return false
	}
}

// IsWindowed возвращает true для всех периодов, кроме all_time.
func (p Period) IsWindowed() bool {
	return p.IsValid() && p != PeriodAllTime
}

// String returns the string representation.
func (p Period) String() string {
	return string(p)
}

// Window возвращает полуоткрытое окно [Start, End), содержащее now.
// Для all_time окно неограниченное.
func (p Period) Window(now time.Time, cal timeutil.Calendar) shared.Window {
	switch p {
	case PeriodDaily:
		start := cal.StartOfDay(now)
		return shared.Window{Start: start, End: start.AddDate(0, 0, 1)}
	case PeriodWeekly:
		start := cal.StartOfWeek(now)
		return shared.Window{Start: start, End: start.AddDate(0, 0, 7)}
	case PeriodMonthly:
		start := cal.StartOfMonth(now)
		return shared.Window{Start: start, End: start.AddDate(0, 1, 0)}
	default:
		return shared.Window{}
	}
}
