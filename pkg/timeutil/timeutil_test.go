package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendar_DateUsesLocation(t *testing.T) {
	cal := NewCalendar(AlmatyTZ)

	// 20:30 UTC is already the next day in Almaty.
	instant := time.Date(2024, 3, 10, 20, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), cal.Date(instant))
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), NewCalendar(time.UTC).Date(instant))
}

func TestCalendar_DaysBetween(t *testing.T) {
	cal := NewCalendar(time.UTC)
	a := time.Date(2024, 2, 28, 23, 59, 0, 0, time.UTC)

	tests := []struct {
		name string
		b    time.Time
		want int
	}{
		{"same day", time.Date(2024, 2, 28, 0, 1, 0, 0, time.UTC), 0},
		{"next day across leap day", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), 1},
		{"two days", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), 2},
		{"earlier", time.Date(2024, 2, 27, 12, 0, 0, 0, time.UTC), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.DaysBetween(a, tt.b))
		})
	}
}

func TestCalendar_Windows(t *testing.T) {
	cal := NewCalendar(AlmatyTZ)
	// Sunday 2024-03-17 10:00 Almaty.
	instant := time.Date(2024, 3, 17, 10, 0, 0, 0, AlmatyTZ)

	assert.Equal(t, time.Date(2024, 3, 17, 0, 0, 0, 0, AlmatyTZ), cal.StartOfDay(instant))
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, AlmatyTZ), cal.StartOfWeek(instant))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, AlmatyTZ), cal.StartOfMonth(instant))
}

func TestLoadCalendar(t *testing.T) {
	cal, err := LoadCalendar("Asia/Almaty")
	require.NoError(t, err)
	assert.Equal(t, AlmatyTZ, cal.Location())

	cal, err = LoadCalendar("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cal.Location())

	_, err = LoadCalendar("Mars/Olympus")
	assert.Error(t, err)
}
