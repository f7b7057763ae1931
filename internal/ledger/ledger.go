// Package ledger is the transactional store behind presence tracking and
// core-time compliance: the roster, one current-session row per present
// member, the append-only attendance log and the violation alert table.
//
// All single-member reads and writes go through InMemberTx. A member
// transaction serialises with every other transaction on the same member and
// never waits on transactions of other members.
package ledger

import (
	"context"
	"time"
)

// Window is a mandatory presence slot: weekday 1..7 (Monday = 1) and period
// slot 1..N. The zero Window means "not configured".
type Window struct {
	Day  int `json:"day"`
	Slot int `json:"slot"`
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool { return w.Day == 0 && w.Slot == 0 }

// Valid reports whether the window names a real weekday and slot.
func (w Window) Valid() bool { return w.Day >= 1 && w.Day <= 7 && w.Slot >= 1 }

// Member is a roster entry. Violations is derived from the alert table.
type Member struct {
	ID         string    `json:"member_id"`
	Name       string    `json:"name"`
	Windows    [2]Window `json:"core_time"`
	Violations int       `json:"core_time_violations"`
}

// HasWindow reports whether either configured window matches day and slot.
func (m Member) HasWindow(day, slot int) bool {
	for _, w := range m.Windows {
		if w.Valid() && w.Day == day && w.Slot == slot {
			return true
		}
	}
	return false
}

// Session marks a member as currently present.
type Session struct {
	MemberID  string    `json:"member_id"`
	EnteredAt time.Time `json:"entry_time"`
}

// LogEntry is one stay in the attendance log. ExitedAt is nil while the stay
// is open.
type LogEntry struct {
	ID        string     `json:"id"`
	MemberID  string     `json:"member_id"`
	EnteredAt time.Time  `json:"entry_time"`
	ExitedAt  *time.Time `json:"exit_time,omitempty"`
}

// Open reports whether the stay has no exit yet.
func (e LogEntry) Open() bool { return e.ExitedAt == nil }

// Alert records one core-time absence, unique per (member, date, slot).
type Alert struct {
	ID        string    `json:"id"`
	MemberID  string    `json:"member_id"`
	Date      time.Time `json:"alert_date"`
	Slot      int       `json:"alert_period"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the narrow storage contract the presence engine and the core-time
// monitor depend on.
type Store interface {
	// InMemberTx runs fn in one transaction scoped to memberID. The
	// transaction commits iff fn returns nil.
	InMemberTx(ctx context.Context, memberID string, fn func(tx MemberTx) error) error
	// ListMembersWithWindow returns the IDs of members with a window on day/slot.
	ListMembersWithWindow(ctx context.Context, day, slot int) ([]string, error)
	// ListSessions returns every open session, oldest first.
	ListSessions(ctx context.Context) ([]Session, error)
	Ping(ctx context.Context) error
}

// MemberTx is a transaction handle bound to a single member.
type MemberTx interface {
	MemberID() string
	// Member returns the roster entry, or ErrMemberNotFound.
	Member(ctx context.Context) (Member, error)
	Session(ctx context.Context) (*Session, error)
	PutSession(ctx context.Context, enteredAt time.Time) error
	DeleteSession(ctx context.Context) error
	AppendLogEntry(ctx context.Context, entry LogEntry) error
	// CloseOpenLogEntry sets the exit of the most recently entered open stay.
	// It reports false when the member has no open stay.
	CloseOpenLogEntry(ctx context.Context, exitedAt time.Time) (bool, error)
	// InsertAlertIfAbsent reports created=false when the key already exists.
	// createdAt stamps a new alert.
	InsertAlertIfAbsent(ctx context.Context, date time.Time, slot int, createdAt time.Time) (Alert, bool, error)
	CountAlerts(ctx context.Context) (int, error)
	SetViolations(ctx context.Context, n int) error
}

// DateOf returns the calendar date of t (in t's location) as 00:00 UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
