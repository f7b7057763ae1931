// Package scheduler runs the core-time sweep at each period start.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"presence/internal/clock"
	"presence/internal/coretime"
)

// Sweeper is satisfied by *coretime.Monitor.
type Sweeper interface {
	Sweep(ctx context.Context, slot, day int, date time.Time) ([]coretime.Violation, error)
}

// Entry is one cron schedule: a period start on the sweep days.
type Entry struct {
	Slot int
	Spec string
}

// Scheduler sweeps each period when it starts, on the configured weekdays,
// in the calendar's time zone.
type Scheduler struct {
	calendar *coretime.Calendar
	entries  []Entry
	sweeper  Sweeper
	clock    clock.Clock
	log      *slog.Logger
}

// New creates a scheduler sweeping on days (1 = Monday … 7 = Sunday).
func New(cal *coretime.Calendar, days []int, sweeper Sweeper, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	dow, err := cronWeekdays(days)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{calendar: cal, sweeper: sweeper, clock: clk, log: logger}
	for slot := 1; slot <= cal.Slots(); slot++ {
		h, m, _ := cal.Start(slot)
		s.entries = append(s.entries, Entry{Slot: slot, Spec: fmt.Sprintf("%d %d * * %s", m, h, dow)})
	}
	return s, nil
}

// cronWeekdays renders days as a cron day-of-week list (Sunday = 0).
func cronWeekdays(days []int) (string, error) {
	if len(days) == 0 {
		return "", fmt.Errorf("scheduler: no sweep days")
	}
	set := make(map[int]bool, len(days))
	for _, d := range days {
		if d < 1 || d > 7 {
			return "", fmt.Errorf("scheduler: invalid weekday %d", d)
		}
		set[d%7] = true
	}
	out := make([]int, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Ints(out)
	parts := make([]string, len(out))
	for i, d := range out {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ","), nil
}

// Entries returns the cron schedules, one per period.
func (s *Scheduler) Entries() []Entry { return s.entries }

// Run starts the cron and blocks until ctx is cancelled, then waits for a
// running sweep to finish. A sweep still running when the next period
// starts makes that run skip.
func (s *Scheduler) Run(ctx context.Context) error {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithLocation(s.calendar.Location()),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)
	for _, e := range s.entries {
		slot := e.Slot
		if _, err := c.AddFunc(e.Spec, func() { s.sweep(ctx, slot) }); err != nil {
			return fmt.Errorf("scheduler: slot %d %q: %w", slot, e.Spec, err)
		}
		s.log.Debug("sweep scheduled", "slot", slot, "spec", e.Spec)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// sweep runs one scheduled sweep for slot on the current local day.
// Failures are logged; the next period is still honoured.
func (s *Scheduler) sweep(ctx context.Context, slot int) {
	if ctx.Err() != nil {
		return
	}
	now := s.clock.Now()
	day := s.calendar.Weekday(now)
	violations, err := s.sweeper.Sweep(ctx, slot, day, s.calendar.Date(now))
	if err != nil {
		s.log.Error("scheduled sweep failed", "day", day, "slot", slot, "recorded", len(violations), "error", err)
		return
	}
	s.log.Info("scheduled sweep done", "day", day, "slot", slot, "violations", len(violations))
}
