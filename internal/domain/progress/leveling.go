package progress

import (
	"fmt"
	"math"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVELING CURVE
// ══════════════════════════════════════════════════════════════════════════════

// Curve отображает накопленный XP в номер уровня.
// Контракт: Level(0) == 1, функция монотонно не убывает.
type Curve interface {
	// Level возвращает уровень для накопленного XP.
	Level(totalXP int64) int

	// Threshold возвращает накопленный XP, с которого начинается уровень.
	Threshold(level int) int64

	// MaxLevel возвращает последний достижимый уровень (0 - без ограничения).
	MaxLevel() int
}

// StepCurve - арифметическая прогрессия: переход с уровня L на L+1 стоит Base*L XP.
// При Base=100: уровень 2 с 100 XP, уровень 3 с 300 XP, уровень 4 с 600 XP.
type StepCurve struct {
	Base int64
}

// DefaultStepBase - стоимость первого уровня по умолчанию.
const DefaultStepBase = 100

// NewStepCurve создаёт кривую, проверяя базу.
func NewStepCurve(base int64) (StepCurve, error) {
	if base <= 0 {
		return StepCurve{}, fmt.Errorf("step curve base must be positive, got %d", base)
	}
	return StepCurve{Base: base}, nil
}

// Threshold возвращает Base * (L-1) * L / 2.
func (c StepCurve) Threshold(level int) int64 {
	if level <= 1 {
		return 0
	}
	l := int64(level)
	return c.Base * (l - 1) * l / 2
}

// Level решает Threshold(L) <= totalXP в замкнутой форме и уточняет результат.
func (c StepCurve) Level(totalXP int64) int {
	if totalXP <= 0 || c.Base <= 0 {
		return 1
	}
	approx := int((1 + math.Sqrt(1+8*float64(totalXP)/float64(c.Base))) / 2)
	if approx < 1 {
		approx = 1
	}
	for approx > 1 && c.Threshold(approx) > totalXP {
		approx--
	}
	for c.Threshold(approx+1) <= totalXP {
		approx++
	}
	return approx
}

// MaxLevel implements Curve.
func (c StepCurve) MaxLevel() int { return 0 }

// TableCurve задаёт пороги уровней явно: Thresholds[i] - XP начала уровня i+1.
type TableCurve struct {
	Thresholds []int64
}

// NewTableCurve проверяет, что таблица начинается с 0 и строго возрастает.
func NewTableCurve(thresholds []int64) (TableCurve, error) {
	if len(thresholds) == 0 || thresholds[0] != 0 {
		return TableCurve{}, fmt.Errorf("table curve must start at 0 XP")
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return TableCurve{}, fmt.Errorf("table curve thresholds must be strictly ascending at index %d", i)
		}
	}
	cp := make([]int64, len(thresholds))
	copy(cp, thresholds)
	return TableCurve{Thresholds: cp}, nil
}

// Threshold implements Curve. Уровни за пределами таблицы недостижимы.
func (c TableCurve) Threshold(level int) int64 {
	if level <= 1 || len(c.Thresholds) == 0 {
		return 0
	}
	if level > len(c.Thresholds) {
		return math.MaxInt64
	}
	return c.Thresholds[level-1]
}

// Level implements Curve.
func (c TableCurve) Level(totalXP int64) int {
	level := 1
	for i := 1; i < len(c.Thresholds); i++ {
		if totalXP < c.Thresholds[i] {
			break
		}
		level = i + 1
	}
	return level
}

// MaxLevel implements Curve.
func (c TableCurve) MaxLevel() int { return len(c.Thresholds) }

// LevelProgress - положение внутри текущего уровня.
type LevelProgress struct {
	Level int

	// IntoLevel - XP, набранный сверх порога текущего уровня.
	IntoLevel int64

	// ForNextLevel - XP, которого не хватает до следующего уровня (0 на максимальном).
	ForNextLevel int64
}

// ProgressOf вычисляет прогресс внутри уровня для накопленного XP.
func ProgressOf(c Curve, totalXP int64) LevelProgress {
	level := c.Level(totalXP)
	p := LevelProgress{
		Level:     level,
		IntoLevel: totalXP - c.Threshold(level),
	}
	if max := c.MaxLevel(); max == 0 || level < max {
		p.ForNextLevel = c.Threshold(level+1) - totalXP
	}
	return p
}
