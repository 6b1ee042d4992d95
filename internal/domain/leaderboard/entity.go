// Package leaderboard содержит доменную модель лидерборда: периоды,
// детерминированное ранжирование и проектор, читающий XP из журнала.
//
// Лидерборд - read-модель. Он согласован с записью в конечном счёте и
// никогда не меняет агрегаты прогресса.
package leaderboard

import (
	"fmt"
	"sort"
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Score - XP пользователя в окне и момент, когда он набрал эту сумму
// (время последнего учтённого начисления).
type Score struct {
	XP         int64
	AchievedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Entry представляет одну запись в лидерборде.
type Entry struct {
	// Rank - абсолютная позиция во всём рейтинге, начиная с 1.
	Rank shared.Rank `json:"rank"`

	UserID string `json:"user_id"`

	// XP - XP за окно периода (для all_time - накопленный).
	XP int64 `json:"xp"`

	// Level - уровень по накопленному XP; заполняется только для all_time.
	Level int `json:"level,omitempty"`

	AchievedAt time.Time `json:"achieved_at"`
}

// String возвращает строковое представление для логирования.
func (e Entry) String() string {
	return fmt.Sprintf("Entry{Rank: %d, UserID: %s, XP: %d}", e.Rank, e.UserID, e.XP)
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

// Rank упорядочивает очки и присваивает абсолютные ранги:
// XP по убыванию, при равенстве - кто раньше набрал эту сумму,
// затем user id. Порядок полностью детерминирован, общих рангов нет.
func Rank(scores map[string]Score) []Entry {
	entries := make([]Entry, 0, len(scores))
	for userID, s := range scores {
		entries = append(entries, Entry{
			UserID:     userID,
			XP:         s.XP,
			AchievedAt: s.AchievedAt.UTC(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return less(entries[i], entries[j])
	})

	for i := range entries {
		entries[i].Rank = shared.Rank(i + 1)
	}
	return entries
}

func less(a, b Entry) bool {
	if a.XP != b.XP {
		return a.XP > b.XP
	}
	if !a.AchievedAt.Equal(b.AchievedAt) {
		return a.AchievedAt.Before(b.AchievedAt)
	}
	return a.UserID < b.UserID
}
