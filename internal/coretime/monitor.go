// Package coretime evaluates mandatory presence windows ("core time") and
// records deduplicated violation alerts.
package coretime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"presence/internal/clock"
	"presence/internal/ledger"
	"presence/internal/metrics"
	"presence/internal/notify"
)

// ErrInvalidSlot rejects a sweep for a day outside 1..7 or a slot below 1.
var ErrInvalidSlot = errors.New("invalid core-time slot")

// Violation is a newly recorded absence during a member's core time.
type Violation struct {
	AlertID  string    `json:"alert_id"`
	MemberID string    `json:"member_id"`
	Name     string    `json:"name"`
	Date     time.Time `json:"date"`
	Day      int       `json:"day"`
	Slot     int       `json:"slot"`
}

// Monitor sweeps one (day, slot) at a time.
type Monitor struct {
	store    ledger.Store
	deduper  *Deduper
	calendar *Calendar
	clock    clock.Clock
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewMonitor wires a monitor. calendar is only needed by SweepNow.
func NewMonitor(store ledger.Store, calendar *Calendar, clk clock.Clock,
	n notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    store,
		deduper:  NewDeduper(clk),
		calendar: calendar,
		clock:    clk,
		notifier: n,
		metrics:  m,
		log:      logger,
	}
}

// Sweep checks every member whose core time includes (day, slot) and records
// an alert for each absent one. Only newly created alerts are returned and
// notified, so repeating a sweep with the same inputs emits nothing new.
//
// Each member is checked in one transaction holding its lock: the presence
// read, the alert insert and the recount of the violation counter commit
// together, so a concurrent toggle lands either before or after the check.
//
// A storage failure stops the sweep; the violations recorded before it are
// returned along with the error and stay committed.
func (mo *Monitor) Sweep(ctx context.Context, slot, day int, date time.Time) ([]Violation, error) {
	if !(ledger.Window{Day: day, Slot: slot}).Valid() {
		return nil, fmt.Errorf("%w: day %d slot %d", ErrInvalidSlot, day, slot)
	}
	date = ledger.DateOf(date)

	ids, err := mo.store.ListMembersWithWindow(ctx, day, slot)
	if err != nil {
		mo.metrics.IncSweep("failed")
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var emitted []Violation
	for _, id := range ids {
		v, ok, err := mo.check(ctx, id, date, day, slot)
		if errors.Is(err, ledger.ErrMemberNotFound) {
			mo.log.Warn("member left roster during sweep", "member_id", id)
			continue
		}
		if err != nil {
			mo.metrics.IncSweep("failed")
			mo.metrics.AddViolations(len(emitted))
			return emitted, fmt.Errorf("sweep day %d slot %d: %w", day, slot, err)
		}
		if ok {
			mo.notify(ctx, v)
			emitted = append(emitted, v)
		}
	}
	mo.metrics.AddViolations(len(emitted))
	mo.metrics.IncSweep("ok")
	mo.log.Info("core-time sweep finished",
		"day", day, "slot", slot, "date", date.Format(time.DateOnly),
		"checked", len(ids), "violations", len(emitted))
	return emitted, nil
}

// SweepNow sweeps slot for the current weekday and date.
func (mo *Monitor) SweepNow(ctx context.Context, slot int) ([]Violation, error) {
	if mo.calendar == nil {
		return nil, errors.New("sweep now: no calendar configured")
	}
	now := mo.clock.Now()
	return mo.Sweep(ctx, slot, mo.calendar.Weekday(now), mo.calendar.Date(now))
}

// check runs one member's presence read, alert insert and counter recount
// in a single member transaction.
func (mo *Monitor) check(ctx context.Context, memberID string, date time.Time, day, slot int) (Violation, bool, error) {
	var (
		v       Violation
		created bool
	)
	err := mo.store.InMemberTx(ctx, memberID, func(tx ledger.MemberTx) error {
		m, err := tx.Member(ctx)
		if err != nil {
			return err
		}
		sess, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		if sess == nil {
			out, err := mo.deduper.Record(ctx, tx, date, slot)
			if err != nil {
				return err
			}
			if out.Created {
				created = true
				v = Violation{
					AlertID:  out.Alert.ID,
					MemberID: memberID,
					Name:     m.Name,
					Date:     date,
					Day:      day,
					Slot:     slot,
				}
			}
		}
		n, err := tx.CountAlerts(ctx)
		if err != nil {
			return err
		}
		return tx.SetViolations(ctx, n)
	})
	if err != nil {
		return Violation{}, false, fmt.Errorf("check %s: %w", memberID, err)
	}
	return v, created, nil
}

// notify publishes a committed violation. Failures are logged and counted.
func (mo *Monitor) notify(ctx context.Context, v Violation) {
	mo.log.Info("core-time violation recorded", "member_id", v.MemberID, "date", v.Date.Format(time.DateOnly), "slot", v.Slot)
	if err := mo.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindViolation,
		MemberID: v.MemberID,
		Name:     v.Name,
		At:       mo.clock.Now(),
		Date:     v.Date.Format(time.DateOnly),
		Day:      v.Day,
		Slot:     v.Slot,
	}); err != nil {
		mo.metrics.IncNotifyFailure("publish")
		mo.log.Warn("violation notification not published", "member_id", v.MemberID, "error", err)
	}
}
