package badge

// Stats - снимок статистики пользователя, на котором вычисляются правила.
type Stats struct {
	TotalXP       int64
	Level         int
	CurrentStreak int
	LongestStreak int

	// Earned - уже полученные значки.
	Earned map[string]bool
}

// Has возвращает true, если значок уже получен.
func (s Stats) Has(badgeID string) bool {
	return s.Earned[badgeID]
}

func (s Stats) value(stat Stat) int64 {
	switch stat {
	case StatTotalXP:
		return s.TotalXP
	case StatLevel:
		return int64(s.Level)
	case StatCurrentStreak:
		return int64(s.CurrentStreak)
	case StatLongestStreak:
		return int64(s.LongestStreak)
	case StatBadgeCount:
		return int64(len(s.Earned))
	default:
		return 0
	}
}

// Lister перечисляет значки каталога в стабильном порядке.
type Lister interface {
	All() []Badge
}

// Evaluate возвращает id ещё не полученных значков, чьё правило выполняется,
// в порядке каталога. Функция чистая: состояние не меняется.
//
// Правила вида "уже есть значок X" смотрят только на Earned, поэтому
// значок, открываемый другим значком из этого же прохода, появится при
// следующей оценке.
func Evaluate(stats Stats, catalog Lister) []string {
	var eligible []string
	for _, b := range catalog.All() {
		if stats.Has(b.ID) {
			continue
		}
		if b.Rule.Holds(stats) {
			eligible = append(eligible, b.ID)
		}
	}
	return eligible
}
