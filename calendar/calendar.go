// Package calendar decides whether a date falls on a weekend or a
// public holiday. The engine never computes locale rules inline: it is
// handed a Calendar and asks.
package calendar

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Calendar answers the two date questions time scoping needs.
type Calendar interface {
	IsHoliday(d time.Time) bool
	IsWeekend(d time.Time) bool
}

// FrenchCalendar implements the French public-holiday calendar: the
// fixed national holidays plus the Easter-derived ones (Easter Monday,
// Ascension, Whit Monday). Extra site-specific closure dates can be
// merged in from a YAML file.
type FrenchCalendar struct {
	mu     sync.Mutex
	years  map[int]map[string]struct{} // year -> "MM-DD"-style date keys
	extras map[string]struct{}         // "2006-01-02" keys from the extras file
}

// NewFrenchCalendar creates a calendar with no extra dates.
func NewFrenchCalendar() *FrenchCalendar {
	return &FrenchCalendar{
		years:  make(map[int]map[string]struct{}),
		extras: make(map[string]struct{}),
	}
}

// extrasFile is the on-disk shape of the extra-holidays file.
type extrasFile struct {
	Holidays []string `yaml:"holidays"` // YYYY-MM-DD
}

// LoadExtraHolidays merges additional closure dates from a YAML file:
//
//	holidays:
//	  - 2026-12-26
//	  - 2027-01-02
func (c *FrenchCalendar) LoadExtraHolidays(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read extra holidays file: %w", err)
	}
	var parsed extrasFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse extra holidays file: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range parsed.Holidays {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fmt.Errorf("invalid holiday date %q: %w", raw, err)
		}
		c.extras[d.Format("2006-01-02")] = struct{}{}
	}
	return nil
}

// IsWeekend reports Saturday or Sunday.
func (c *FrenchCalendar) IsWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsHoliday reports whether the date is a French public holiday or an
// injected extra date. Only the calendar date matters, in the location
// the caller already converted to.
func (c *FrenchCalendar) IsHoliday(d time.Time) bool {
	key := d.Format("2006-01-02")
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.extras[key]; ok {
		return true
	}
	year := d.Year()
	days, ok := c.years[year]
	if !ok {
		days = holidaysForYear(year)
		c.years[year] = days
	}
	_, ok = days[key]
	return ok
}

// holidaysForYear computes the French public holidays of a year.
func holidaysForYear(year int) map[string]struct{} {
	days := make(map[string]struct{}, 11)
	add := func(t time.Time) {
		days[t.Format("2006-01-02")] = struct{}{}
	}
	date := func(month time.Month, day int) time.Time {
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	}

	add(date(time.January, 1))    // Jour de l'an
	add(date(time.May, 1))        // Fete du travail
	add(date(time.May, 8))        // Victoire 1945
	add(date(time.July, 14))      // Fete nationale
	add(date(time.August, 15))    // Assomption
	add(date(time.November, 1))   // Toussaint
	add(date(time.November, 11))  // Armistice
	add(date(time.December, 25))  // Noel

	easter := easterSunday(year)
	add(easter.AddDate(0, 0, 1))  // Lundi de Paques
	add(easter.AddDate(0, 0, 39)) // Ascension
	add(easter.AddDate(0, 0, 50)) // Lundi de Pentecote

	return days
}

// easterSunday computes Gregorian Easter via the Meeus/Jones/Butcher
// algorithm.
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
