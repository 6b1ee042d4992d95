package leaderboard

import (
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STANDINGS
// ══════════════════════════════════════════════════════════════════════════════

// Standings - полный рейтинг периода на момент вычисления.
// Используется и для ответа, и как единица кэширования.
type Standings struct {
	Period     Period
	Window     shared.Window
	ComputedAt time.Time

	// Entries отсортированы по рангу.
	Entries []Entry

	byID map[string]int
}

// NewStandings создаёт рейтинг из уже ранжированных записей.
func NewStandings(period Period, window shared.Window, computedAt time.Time, entries []Entry) *Standings {
	s := &Standings{
		Period:     period,
		Window:     window,
		ComputedAt: computedAt.UTC(),
		Entries:    entries,
	}
	s.RebuildIndex()
	return s
}

// RebuildIndex восстанавливает индекс после десериализации.
func (s *Standings) RebuildIndex() {
	s.byID = make(map[string]int, len(s.Entries))
	for i, e := range s.Entries {
		s.byID[e.UserID] = i
	}
}

// Count возвращает количество участников.
func (s *Standings) Count() int {
	return len(s.Entries)
}

// Get возвращает запись пользователя.
func (s *Standings) Get(userID string) (Entry, bool) {
	if s.byID == nil {
		s.RebuildIndex()
	}
	i, ok := s.byID[userID]
	if !ok {
		return Entry{}, false
	}
	return s.Entries[i], true
}

// Page возвращает не более limit записей начиная с offset. Ранги абсолютные.
func (s *Standings) Page(limit, offset int) Page {
	page := Page{
		Period:     s.Period,
		Window:     s.Window,
		ComputedAt: s.ComputedAt,
		Total:      len(s.Entries),
		Limit:      limit,
		Offset:     offset,
		Entries:    []Entry{},
	}
	if limit <= 0 || offset < 0 || offset >= len(s.Entries) {
		return page
	}
	end := min(offset+limit, len(s.Entries))
	page.Entries = append(page.Entries, s.Entries[offset:end]...)
	return page
}

// Page - страница рейтинга.
type Page struct {
	Period     Period        `json:"period"`
	Window     shared.Window `json:"window"`
	ComputedAt time.Time     `json:"computed_at"`
	Total      int           `json:"total"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	Entries    []Entry       `json:"entries"`
}
