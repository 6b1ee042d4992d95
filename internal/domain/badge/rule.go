package badge

import (
	"errors"
	"fmt"
)

// RuleKind - вариант правила.
type RuleKind string

const (
	// KindThreshold - сравнение статистики с числом.
	KindThreshold RuleKind = "threshold"
	// KindAll - все вложенные правила истинны.
	KindAll RuleKind = "all"
	// KindAny - хотя бы одно вложенное правило истинно.
	KindAny RuleKind = "any"
	// KindBadge - у пользователя уже есть указанный значок.
	KindBadge RuleKind = "badge"
)

// Stat - имя статистики, доступной правилам.
type Stat string

const (
	StatTotalXP       Stat = "total_xp"
	StatLevel         Stat = "level"
	StatCurrentStreak Stat = "current_streak"
	StatLongestStreak Stat = "longest_streak"
	StatBadgeCount    Stat = "badge_count"
)

// Op - оператор сравнения.
type Op string

const (
	OpGTE Op = "gte"
	OpGT  Op = "gt"
	OpEQ  Op = "eq"
	OpLTE Op = "lte"
	OpLT  Op = "lt"
)

// maxRuleDepth ограничивает вложенность составных правил.
const maxRuleDepth = 8

// Rule - предикат над статистикой пользователя.
type Rule struct {
	Kind    RuleKind `json:"kind" yaml:"kind"`
	Stat    Stat     `json:"stat,omitempty" yaml:"stat,omitempty"`
	Op      Op       `json:"op,omitempty" yaml:"op,omitempty"`
	Value   int64    `json:"value,omitempty" yaml:"value,omitempty"`
	Rules   []Rule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	BadgeID string   `json:"badge,omitempty" yaml:"badge,omitempty"`
}

// Threshold создаёт правило сравнения.
func Threshold(stat Stat, op Op, value int64) Rule {
	return Rule{Kind: KindThreshold, Stat: stat, Op: op, Value: value}
}

// All создаёт правило AND.
func All(rules ...Rule) Rule {
	return Rule{Kind: KindAll, Rules: rules}
}

// Any создаёт правило OR.
func Any(rules ...Rule) Rule {
	return Rule{Kind: KindAny, Rules: rules}
}

// Has создаёт правило "уже есть значок".
func Has(badgeID string) Rule {
	return Rule{Kind: KindBadge, BadgeID: badgeID}
}

// Validate отклоняет неизвестные статистики, операторы и пустые составные правила.
func (r Rule) Validate() error {
	return r.validate(0)
}

func (r Rule) validate(depth int) error {
	if depth > maxRuleDepth {
		return fmt.Errorf("rule nesting deeper than %d", maxRuleDepth)
	}

	switch r.Kind {
	case KindThreshold:
		if !r.Stat.isValid() {
			return fmt.Errorf("unknown stat %q", r.Stat)
		}
		if !r.Op.isValid() {
			return fmt.Errorf("unknown operator %q", r.Op)
		}
		return nil
	case KindAll, KindAny:
		if len(r.Rules) == 0 {
			return fmt.Errorf("%s rule has no sub-rules", r.Kind)
		}
		var errs []error
		for i, sub := range r.Rules {
			if err := sub.validate(depth + 1); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", r.Kind, i, err))
			}
		}
		return errors.Join(errs...)
	case KindBadge:
		if r.BadgeID == "" {
			return errors.New("badge rule requires a badge id")
		}
		return nil
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
}

// Holds вычисляет правило на снимке статистики.
func (r Rule) Holds(s Stats) bool {
	switch r.Kind {
	case KindThreshold:
		return r.Op.compare(s.value(r.Stat), r.Value)
	case KindAll:
		if len(r.Rules) == 0 {
			return false
		}
		for _, sub := range r.Rules {
			if !sub.Holds(s) {
				return false
			}
		}
		return true
	case KindAny:
		for _, sub := range r.Rules {
			if sub.Holds(s) {
				return true
			}
		}
		return false
	case KindBadge:
		return s.Has(r.BadgeID)
	default:
		return false
	}
}

func (s Stat) isValid() bool {
	switch s {
	case StatTotalXP, StatLevel, StatCurrentStreak, StatLongestStreak, StatBadgeCount:
		return true
	default:
		return false
	}
}

func (o Op) isValid() bool {
	switch o {
	case OpGTE, OpGT, OpEQ, OpLTE, OpLT:
		return true
	default:
		return false
	}
}

func (o Op) compare(actual, expected int64) bool {
	switch o {
	case OpGTE:
		return actual >= expected
	case OpGT:
		return actual > expected
	case OpEQ:
		return actual == expected
	case OpLTE:
		return actual <= expected
	case OpLT:
		return actual < expected
	default:
		return false
	}
}
