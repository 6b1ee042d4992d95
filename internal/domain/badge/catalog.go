package badge

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
)

// Source - внешний источник каталога (YAML-файл, таблица badges и т.п.).
type Source interface {
	// ListBadges возвращает все значки в порядке источника.
	ListBadges(ctx context.Context) ([]Badge, error)
}

// Lookup находит значок по id.
type Lookup interface {
	Get(id string) (Badge, bool)
}

// Catalog - неизменяемый индекс значков. Безопасен для конкурентного чтения.
type Catalog struct {
	ordered []Badge
	byID    map[string]int
}

// NewCatalog проверяет значки и строит индекс. Дубликаты id и ссылки
// на неизвестные значки в правилах отклоняются.
func NewCatalog(badges []Badge) (*Catalog, error) {
	c := &Catalog{
		ordered: make([]Badge, 0, len(badges)),
		byID:    make(map[string]int, len(badges)),
	}

	var errs []error
	for _, b := range badges {
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byID[b.ID]; dup {
			errs = append(errs, shared.ErrDuplicateBadgeID.With(b.ID, nil))
			continue
		}
		c.byID[b.ID] = len(c.ordered)
		c.ordered = append(c.ordered, b)
	}

	for _, b := range c.ordered {
		for _, ref := range b.Rule.badgeRefs() {
			if _, ok := c.byID[ref]; !ok {
				errs = append(errs, shared.ErrInvalidBadgeRule.With(
					fmt.Sprintf("badge %q references unknown badge %q", b.ID, ref), nil))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog читает источник и строит каталог.
func LoadCatalog(ctx context.Context, src Source) (*Catalog, error) {
	badges, err := src.ListBadges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	return NewCatalog(badges)
}

// Get implements Lookup.
func (c *Catalog) Get(id string) (Badge, bool) {
	if c == nil {
		return Badge{}, false
	}
	i, ok := c.byID[id]
	if !ok {
		return Badge{}, false
	}
	return c.ordered[i], true
}

// All implements Lister. Возвращает копию.
func (c *Catalog) All() []Badge {
	if c == nil {
		return nil
	}
	out := make([]Badge, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len возвращает количество значков.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ordered)
}

func (r Rule) badgeRefs() []string {
	switch r.Kind {
	case KindBadge:
		return []string{r.BadgeID}
	case KindAll, KindAny:
		var refs []string
		for _, sub := range r.Rules {
			refs = append(refs, sub.badgeRefs()...)
		}
		return refs
	default:
		return nil
	}
}
