package calendar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestIsWeekend(t *testing.T) {
	cal := NewFrenchCalendar()
	assert.True(t, cal.IsWeekend(day(2026, time.August, 29)), "Saturday")
	assert.True(t, cal.IsWeekend(day(2026, time.August, 30)), "Sunday")
	assert.False(t, cal.IsWeekend(day(2026, time.August, 31)), "Monday")
}

func TestFixedHolidays(t *testing.T) {
	cal := NewFrenchCalendar()
	assert.True(t, cal.IsHoliday(day(2026, time.January, 1)))
	assert.True(t, cal.IsHoliday(day(2026, time.July, 14)))
	assert.True(t, cal.IsHoliday(day(2026, time.December, 25)))
	assert.False(t, cal.IsHoliday(day(2026, time.December, 24)))
}

func TestEasterDerivedHolidays(t *testing.T) {
	cal := NewFrenchCalendar()
	// Easter 2026 falls on April 5.
	assert.Equal(t, day(2026, time.April, 5).Format("2006-01-02"), easterSunday(2026).Format("2006-01-02"))
	assert.True(t, cal.IsHoliday(day(2026, time.April, 6)), "Easter Monday")
	assert.True(t, cal.IsHoliday(day(2026, time.May, 14)), "Ascension")
	assert.True(t, cal.IsHoliday(day(2026, time.May, 25)), "Whit Monday")
}

func TestLoadExtraHolidays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extras.yaml")
	require.NoError(t, os.WriteFile(path, []byte("holidays:\n  - 2026-12-26\n"), 0o644))

	cal := NewFrenchCalendar()
	require.NoError(t, cal.LoadExtraHolidays(path))
	assert.True(t, cal.IsHoliday(day(2026, time.December, 26)))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("holidays:\n  - 26/12/2026\n"), 0o644))
	assert.Error(t, cal.LoadExtraHolidays(bad))
}
