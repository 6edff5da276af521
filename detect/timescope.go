package detect

import (
	"fmt"
	"time"

	"sitewatch/calendar"
	"sitewatch/core"
	"go.uber.org/zap"
)

// ClockWindows holds the default schedule windows, all "HH:MM" in the
// display timezone.
type ClockWindows struct {
	BusinessStart string
	BusinessEnd   string
	NightStart    string
	NightEnd      string
}

// DefaultClockWindows is the business/night schedule used when config
// does not override it.
var DefaultClockWindows = ClockWindows{
	BusinessStart: "08:00",
	BusinessEnd:   "18:00",
	NightStart:    "22:00",
	NightEnd:      "06:00",
}

// TimeScopeFilter decides whether an event timestamp satisfies a
// rule's temporal scope. Events are stored in UTC; schedule matching
// happens in the configured display timezone.
type TimeScopeFilter struct {
	loc     *time.Location
	cal     calendar.Calendar
	windows ClockWindows
	logger  *zap.SugaredLogger
}

// NewTimeScopeFilter creates a filter evaluating in loc against cal.
func NewTimeScopeFilter(loc *time.Location, cal calendar.Calendar, windows ClockWindows, logger *zap.SugaredLogger) *TimeScopeFilter {
	if windows == (ClockWindows{}) {
		windows = DefaultClockWindows
	}
	return &TimeScopeFilter{loc: loc, cal: cal, windows: windows, logger: logger}
}

// InScope reports whether ts satisfies scope, with an explanation for
// the verdict trail. startOvr/endOvr are the rule's optional explicit
// HH:MM window. A malformed override fails closed: the event is
// treated as out of scope and a validation warning is logged; the
// caller never sees a panic or error.
func (f *TimeScopeFilter) InScope(ts time.Time, scope core.TimeScope, startOvr, endOvr string) (bool, string) {
	local := ts.In(f.loc)
	isWeekend := f.cal.IsWeekend(local)
	isHoliday := f.cal.IsHoliday(local)

	switch scope {
	case core.ScopeNone, "":
		return true, "Time scope OK (NONE)"

	case core.ScopeWeekend:
		if !isWeekend {
			return false, "Not a weekend"
		}
		return true, "Time scope OK (WEEKEND)"

	case core.ScopeHolidays:
		if !isHoliday {
			return false, "Not a holiday"
		}
		return true, "Time scope OK (HOLIDAYS)"

	case core.ScopeNight:
		inWindow, ok := f.inWindow(local, startOvr, endOvr, f.windows.NightStart, f.windows.NightEnd)
		if !ok {
			return false, "Malformed schedule override"
		}
		if !inWindow {
			return false, "Outside night hours (schedule)"
		}
		return true, "Time scope OK (NIGHT)"

	case core.ScopeBusiness:
		inWindow, ok := f.inWindow(local, startOvr, endOvr, f.windows.BusinessStart, f.windows.BusinessEnd)
		if !ok {
			return false, "Malformed schedule override"
		}
		if isWeekend || isHoliday || !inWindow {
			return false, "Outside business hours"
		}
		return true, "Time scope OK (BUSINESS_HOURS)"

	case core.ScopeOffBusiness:
		inWindow, ok := f.inWindow(local, startOvr, endOvr, f.windows.BusinessStart, f.windows.BusinessEnd)
		if !ok {
			return false, "Malformed schedule override"
		}
		isBusiness := !isWeekend && !isHoliday && inWindow
		if isBusiness {
			return false, "Inside business hours"
		}
		return true, "Time scope OK (OFF_BUSINESS_HOURS)"

	default:
		f.logger.Warnw("Unknown time scope treated as out of scope", "time_scope", scope)
		return false, fmt.Sprintf("Unknown time scope %q", scope)
	}
}

// inWindow checks the local time against the override window when one
// is present, else against the default window. The second return value
// is false only when an override is present but malformed.
func (f *TimeScopeFilter) inWindow(local time.Time, startOvr, endOvr, defStart, defEnd string) (bool, bool) {
	start, end := defStart, defEnd
	if startOvr != "" || endOvr != "" {
		if startOvr == "" || endOvr == "" {
			f.logger.Warnw("Schedule override requires both start and end, failing closed",
				"schedule_start", startOvr, "schedule_end", endOvr)
			return false, false
		}
		start, end = startOvr, endOvr
	}

	startMin, err := clockMinutes(start)
	if err != nil {
		f.logger.Warnw("Malformed schedule start, failing closed", "schedule_start", start, "error", err)
		return false, false
	}
	endMin, err := clockMinutes(end)
	if err != nil {
		f.logger.Warnw("Malformed schedule end, failing closed", "schedule_end", end, "error", err)
		return false, false
	}

	now := local.Hour()*60 + local.Minute()
	if startMin <= endMin {
		return startMin <= now && now <= endMin, true
	}
	// Cross-midnight window, e.g. 22:00 -> 06:00.
	return now >= startMin || now <= endMin, true
}

func clockMinutes(value string) (int, error) {
	h, m, err := core.ParseClock(value)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}
