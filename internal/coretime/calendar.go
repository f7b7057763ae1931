package coretime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"presence/internal/ledger"
)

// DefaultPeriodStarts are the lecture period start times of the lab's
// timetable; period N starts at DefaultPeriodStarts[N-1].
var DefaultPeriodStarts = []string{"09:20", "11:05", "13:35", "15:20", "17:00", "18:40", "20:15"}

// ErrInvalidCalendar rejects malformed or unordered period tables.
var ErrInvalidCalendar = errors.New("invalid period calendar")

type clockTime struct{ hour, minute int }

// Calendar maps instants to weekday numbers (Monday = 1 … Sunday = 7), calendar
// dates and period slots (1..N) in a fixed location.
type Calendar struct {
	loc    *time.Location
	starts []clockTime
}

// NewCalendar parses HH:MM period start times, which must be strictly
// increasing within one day.
func NewCalendar(loc *time.Location, starts []string) (*Calendar, error) {
	if loc == nil {
		loc = time.Local
	}
	if len(starts) == 0 {
		return nil, fmt.Errorf("%w: no periods", ErrInvalidCalendar)
	}
	c := &Calendar{loc: loc}
	prev := -1
	for _, s := range starts {
		ct, err := parseClock(s)
		if err != nil {
			return nil, err
		}
		mins := ct.hour*60 + ct.minute
		if mins <= prev {
			return nil, fmt.Errorf("%w: %q is not after the previous period", ErrInvalidCalendar, s)
		}
		prev = mins
		c.starts = append(c.starts, ct)
	}
	return c, nil
}

func parseClock(s string) (clockTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return clockTime{}, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidCalendar, s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return clockTime{}, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidCalendar, s)
	}
	return clockTime{hour: h, minute: m}, nil
}

// Location returns the calendar's time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Slots returns the number of periods per day.
func (c *Calendar) Slots() int { return len(c.starts) }

// Weekday returns 1 for Monday through 7 for Sunday, in the calendar's zone.
func (c *Calendar) Weekday(t time.Time) int {
	return WeekdayNumber(t.In(c.loc).Weekday())
}

// WeekdayNumber converts time.Weekday (Sunday = 0) to Monday = 1 … Sunday = 7.
func WeekdayNumber(wd time.Weekday) int {
	if wd == time.Sunday {
		return 7
	}
	return int(wd)
}

// Date returns the local calendar date of t.
func (c *Calendar) Date(t time.Time) time.Time {
	return ledger.DateOf(t.In(c.loc))
}

// Start returns the local wall-clock start of slot.
func (c *Calendar) Start(slot int) (hour, minute int, ok bool) {
	if slot < 1 || slot > len(c.starts) {
		return 0, 0, false
	}
	ct := c.starts[slot-1]
	return ct.hour, ct.minute, true
}
