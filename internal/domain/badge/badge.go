// Package badge содержит каталог значков и интерпретатор правил их выдачи.
//
// Правила - закрытый набор вариантов (порог по статистике, AND, OR, наличие
// другого значка), поэтому вычисление чистое и не исполняет внешний код.
package badge

import (
	"fmt"
	"strings"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
)

// Rarity - редкость значка.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// IsValid проверяет, что редкость из известного набора.
func (r Rarity) IsValid() bool {
	switch r {
	case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (r Rarity) String() string {
	return string(r)
}

// Badge - запись каталога. Неизменяема во время работы сервиса.
type Badge struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Rarity      Rarity `json:"rarity" yaml:"rarity"`
	Rule        Rule   `json:"rule" yaml:"rule"`
}

// Validate проверяет значок целиком, включая правило.
func (b Badge) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return shared.ErrInvalidBadgeRule.With("badge id is required", nil)
	}
	if strings.TrimSpace(b.Name) == "" {
		return shared.ErrInvalidBadgeRule.With(fmt.Sprintf("badge %q: name is required", b.ID), nil)
	}
	if !b.Rarity.IsValid() {
		return shared.ErrInvalidBadgeRule.With(fmt.Sprintf("badge %q: unknown rarity %q", b.ID, b.Rarity), nil)
	}
	if err := b.Rule.Validate(); err != nil {
		return shared.ErrInvalidBadgeRule.With(fmt.Sprintf("badge %q", b.ID), err)
	}
	return nil
}
