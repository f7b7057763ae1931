package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"presence/internal/clock"
	"presence/internal/ledger"
	"presence/internal/metrics"
	"presence/internal/notify"
)

// ErrInvalidMemberID rejects blank scans before any storage work.
var ErrInvalidMemberID = errors.New("member id required")

// State is a member's presence after a toggle.
type State string

const (
	StateIn  State = "IN"
	StateOut State = "OUT"
)

// Result describes a completed toggle. Stay is set only on exit.
type Result struct {
	MemberID string    `json:"member_id"`
	Name     string    `json:"name"`
	State    State     `json:"state"`
	At       time.Time `json:"at"`
	Stay     *Stay     `json:"stay,omitempty"`
}

// Engine flips members between present and absent. It keeps no state between
// calls; every read goes to the store inside a member transaction.
type Engine struct {
	store    ledger.Store
	clock    clock.Clock
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewEngine creates an engine backed by store. Nil collaborators fall back to
// the wall clock, a no-op notifier and slog.Default().
func NewEngine(store ledger.Store, clk clock.Clock, n notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, clock: clk, notifier: n, metrics: m, log: logger}
}

// Toggle records a scan for memberID. With no open session it opens one and
// appends an open log entry; otherwise it closes the open log entry, deletes
// the session and reports the stay. Both mutations commit together or not at
// all.
func (e *Engine) Toggle(ctx context.Context, memberID string) (Result, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return Result{}, ErrInvalidMemberID
	}

	start := time.Now()
	var res Result
	err := e.store.InMemberTx(ctx, memberID, func(tx ledger.MemberTx) error {
		m, err := tx.Member(ctx)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		res = Result{MemberID: m.ID, Name: m.Name, At: now}

		sess, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		if sess == nil {
			if err := tx.PutSession(ctx, now); err != nil {
				return err
			}
			if err := tx.AppendLogEntry(ctx, ledger.LogEntry{MemberID: m.ID, EnteredAt: now}); err != nil {
				return err
			}
			res.State = StateIn
			return nil
		}

		stay := StayBetween(sess.EnteredAt, now)
		closed, err := tx.CloseOpenLogEntry(ctx, now)
		if err != nil {
			return err
		}
		if !closed {
			// Session without a log row: write the closed stay so the log
			// still records it.
			e.log.Warn("session had no open log entry", "member_id", m.ID, "entered_at", sess.EnteredAt)
			exit := now
			if err := tx.AppendLogEntry(ctx, ledger.LogEntry{MemberID: m.ID, EnteredAt: sess.EnteredAt, ExitedAt: &exit}); err != nil {
				return err
			}
		}
		if err := tx.DeleteSession(ctx); err != nil {
			return err
		}
		res.State = StateOut
		res.Stay = &stay
		return nil
	})
	if err != nil {
		e.metrics.IncToggleFailure(failureReason(err))
		return Result{}, fmt.Errorf("toggle %s: %w", memberID, err)
	}

	e.metrics.ObserveToggle(strings.ToLower(string(res.State)), time.Since(start))
	e.log.Info("presence toggled", "member_id", res.MemberID, "state", res.State, "stay", stayAttr(res.Stay))
	e.emit(ctx, toggleEvent(res))
	return res, nil
}

// IsPresent reports whether memberID has an open session. The read is taken
// under the member's transaction, so it never observes half of a toggle.
func (e *Engine) IsPresent(ctx context.Context, memberID string) (bool, error) {
	var present bool
	err := e.store.InMemberTx(ctx, memberID, func(tx ledger.MemberTx) error {
		if _, err := tx.Member(ctx); err != nil {
			return err
		}
		sess, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		present = sess != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence of %s: %w", memberID, err)
	}
	return present, nil
}

// Present lists open sessions, oldest first.
func (e *Engine) Present(ctx context.Context) ([]ledger.Session, error) {
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list present: %w", err)
	}
	e.metrics.SetPresent(len(sessions))
	return sessions, nil
}

// ResetAll checks out every present member at the current time, closing their
// open log entries. Each member is reset in its own transaction; a failure
// stops the reset and returns the members already checked out.
func (e *Engine) ResetAll(ctx context.Context) ([]Result, error) {
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	var reset []Result
	for _, s := range sessions {
		var res Result
		var done bool
		err := e.store.InMemberTx(ctx, s.MemberID, func(tx ledger.MemberTx) error {
			sess, err := tx.Session(ctx)
			if err != nil || sess == nil {
				return err
			}
			m, err := tx.Member(ctx)
			if err != nil {
				return err
			}
			now := e.clock.Now()
			if _, err := tx.CloseOpenLogEntry(ctx, now); err != nil {
				return err
			}
			if err := tx.DeleteSession(ctx); err != nil {
				return err
			}
			stay := StayBetween(sess.EnteredAt, now)
			res = Result{MemberID: s.MemberID, Name: m.Name, State: StateOut, At: now, Stay: &stay}
			done = true
			return nil
		})
		if err != nil {
			return reset, fmt.Errorf("reset %s: %w", s.MemberID, err)
		}
		if done {
			reset = append(reset, res)
		}
	}

	names := make([]string, 0, len(reset))
	for _, r := range reset {
		names = append(names, fmt.Sprintf("%s (%s)", r.Name, r.MemberID))
	}
	e.log.Info("presence reset", "members", len(reset))
	e.emit(ctx, notify.Event{Kind: notify.KindReset, At: e.clock.Now(), Members: names})
	return reset, nil
}

func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.metrics.IncNotifyFailure("publish")
		e.log.Warn("notification not published", "kind", ev.Kind, "member_id", ev.MemberID, "error", err)
	}
}

func toggleEvent(res Result) notify.Event {
	ev := notify.Event{Kind: notify.KindEntry, MemberID: res.MemberID, Name: res.Name, At: res.At}
	if res.State == StateOut {
		ev.Kind = notify.KindExit
		if res.Stay != nil {
			ev.StayHours, ev.StayMinutes = res.Stay.Hours, res.Stay.Minutes
		}
	}
	return ev
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrMemberNotFound):
		return "member_not_found"
	case ledger.IsStorage(err):
		return "storage"
	default:
		return "other"
	}
}

func stayAttr(s *Stay) string {
	if s == nil {
		return ""
	}
	return s.String()
}
