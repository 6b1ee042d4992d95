package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROJECTOR
// ══════════════════════════════════════════════════════════════════════════════

// Projector вычисляет рейтинги по источнику XP. Не хранит состояние.
type Projector struct {
	source   XPSource
	calendar timeutil.Calendar
	levelOf  func(totalXP int64) int
}

// NewProjector создаёт проектор. levelOf может быть nil - тогда уровень не заполняется.
func NewProjector(source XPSource, calendar timeutil.Calendar, levelOf func(int64) int) *Projector {
	return &Projector{source: source, calendar: calendar, levelOf: levelOf}
}

// Calendar возвращает календарь, по которому режутся окна.
func (p *Projector) Calendar() timeutil.Calendar {
	return p.calendar
}

// Standings вычисляет полный рейтинг периода, содержащего now.
func (p *Projector) Standings(ctx context.Context, period Period, now time.Time) (*Standings, error) {
	if !period.IsValid() {
		return nil, shared.ErrInvalidPeriod.With(string(period), nil)
	}

	window := period.Window(now, p.calendar)

	var (
		scores map[string]Score
		err    error
	)
	if period.IsWindowed() {
		scores, err = p.source.SumXPInWindow(ctx, "", window.Start, window.End)
	} else {
		scores, err = p.source.TotalXP(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate %s xp: %w", period, err)
	}

	for userID, s := range scores {
		if s.XP <= 0 {
			delete(scores, userID)
		}
	}

	entries := Rank(scores)
	if !period.IsWindowed() && p.levelOf != nil {
		for i := range entries {
			entries[i].Level = p.levelOf(entries[i].XP)
		}
	}
	return NewStandings(period, window, now, entries), nil
}

// Page вычисляет рейтинг и возвращает страницу с абсолютными рангами.
func (p *Projector) Page(ctx context.Context, period Period, limit, offset int, now time.Time) (Page, error) {
	s, err := p.Standings(ctx, period, now)
	if err != nil {
		return Page{}, err
	}
	return s.Page(limit, offset), nil
}
