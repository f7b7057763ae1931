package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLockTimeout = 5 * time.Second

type alertKey struct {
	memberID string
	date     time.Time
	slot     int
}

// MemoryStore is an in-process Store for development and tests. Writes made
// inside a member transaction are staged and applied together on commit.
type MemoryStore struct {
	lockTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	mu       sync.RWMutex
	members  map[string]Member
	sessions map[string]Session
	logs     map[string][]LogEntry
	alerts   map[alertKey]Alert
}

// NewMemoryStore creates an empty store. lockTimeout bounds how long a
// transaction waits for a member lock; zero uses 5s.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &MemoryStore{
		lockTimeout: lockTimeout,
		locks:       make(map[string]chan struct{}),
		members:     make(map[string]Member),
		sessions:    make(map[string]Session),
		logs:        make(map[string][]LogEntry),
		alerts:      make(map[alertKey]Alert),
	}
}

// PutMember inserts or replaces a roster entry.
func (s *MemoryStore) PutMember(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
}

// GetMember returns the committed roster entry.
func (s *MemoryStore) GetMember(id string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	return m, ok
}

// LogEntries returns a copy of the member's attendance log in insertion order.
func (s *MemoryStore) LogEntries(memberID string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.logs[memberID]...)
}

// Alerts returns the member's alerts ordered by date then slot.
func (s *MemoryStore) Alerts(memberID string) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for k, a := range s.alerts {
		if k.memberID == memberID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) ListMembersWithWindow(_ context.Context, day, slot int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, m := range s.members {
		if m.HasWindow(day, slot) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListSessions(context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].MemberID < out[j].MemberID
		}
		return out[i].EnteredAt.Before(out[j].EnteredAt)
	})
	return out, nil
}

func (s *MemoryStore) InMemberTx(ctx context.Context, memberID string, fn func(tx MemberTx) error) error {
	release, err := s.lock(ctx, memberID)
	if err != nil {
		return err
	}
	defer release()

	tx := &memTx{store: s, memberID: memberID}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageErr("commit", err)
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) lock(ctx context.Context, memberID string) (func(), error) {
	s.locksMu.Lock()
	ch, ok := s.locks[memberID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[memberID] = ch
	}
	s.locksMu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, storageErr("lock member", ctx.Err())
	case <-timer.C:
		return nil, storageErr("lock member", ErrLockTimeout)
	}
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.memberID
	if tx.sessionDirty {
		if tx.session == nil {
			delete(s.sessions, id)
		} else {
			s.sessions[id] = *tx.session
		}
	}
	if tx.closeAt != nil {
		if i := latestOpen(s.logs[id]); i >= 0 {
			exit := *tx.closeAt
			s.logs[id][i].ExitedAt = &exit
		}
	}
	s.logs[id] = append(s.logs[id], tx.appended...)
	for _, a := range tx.alerts {
		s.alerts[alertKey{memberID: id, date: a.Date, slot: a.Slot}] = a
	}
	if tx.violations != nil {
		if m, ok := s.members[id]; ok {
			m.Violations = *tx.violations
			s.members[id] = m
		}
	}
}

func latestOpen(entries []LogEntry) int {
	idx := -1
	for i, e := range entries {
		if !e.Open() {
			continue
		}
		if idx < 0 || !e.EnteredAt.Before(entries[idx].EnteredAt) {
			idx = i
		}
	}
	return idx
}

type memTx struct {
	store    *MemoryStore
	memberID string

	sessionDirty bool
	session      *Session
	appended     []LogEntry
	closeAt      *time.Time
	alerts       []Alert
	violations   *int
}

func (t *memTx) MemberID() string { return t.memberID }

func (t *memTx) Member(context.Context) (Member, error) {
	m, ok := t.store.GetMember(t.memberID)
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	if t.violations != nil {
		m.Violations = *t.violations
	}
	return m, nil
}

func (t *memTx) Session(context.Context) (*Session, error) {
	if t.sessionDirty {
		if t.session == nil {
			return nil, nil
		}
		cp := *t.session
		return &cp, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	sess, ok := t.store.sessions[t.memberID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (t *memTx) PutSession(_ context.Context, enteredAt time.Time) error {
	t.sessionDirty = true
	t.session = &Session{MemberID: t.memberID, EnteredAt: enteredAt}
	return nil
}

func (t *memTx) DeleteSession(context.Context) error {
	t.sessionDirty = true
	t.session = nil
	return nil
}

func (t *memTx) AppendLogEntry(_ context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.MemberID = t.memberID
	t.appended = append(t.appended, entry)
	return nil
}

func (t *memTx) CloseOpenLogEntry(_ context.Context, exitedAt time.Time) (bool, error) {
	if i := latestOpen(t.appended); i >= 0 {
		exit := exitedAt
		t.appended[i].ExitedAt = &exit
		return true, nil
	}
	if t.closeAt != nil {
		return false, nil
	}
	t.store.mu.RLock()
	found := latestOpen(t.store.logs[t.memberID]) >= 0
	t.store.mu.RUnlock()
	if found {
		exit := exitedAt
		t.closeAt = &exit
	}
	return found, nil
}

func (t *memTx) InsertAlertIfAbsent(_ context.Context, date time.Time, slot int, createdAt time.Time) (Alert, bool, error) {
	date = DateOf(date)
	for _, a := range t.alerts {
		if a.Date.Equal(date) && a.Slot == slot {
			return Alert{}, false, nil
		}
	}
	t.store.mu.RLock()
	_, exists := t.store.alerts[alertKey{memberID: t.memberID, date: date, slot: slot}]
	t.store.mu.RUnlock()
	if exists {
		return Alert{}, false, nil
	}
	a := Alert{
		ID:        uuid.NewString(),
		MemberID:  t.memberID,
		Date:      date,
		Slot:      slot,
		CreatedAt: createdAt.UTC(),
	}
	t.alerts = append(t.alerts, a)
	return a, true, nil
}

func (t *memTx) CountAlerts(context.Context) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	n := len(t.alerts)
	for k := range t.store.alerts {
		if k.memberID == t.memberID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SetViolations(_ context.Context, n int) error {
	t.violations = &n
	return nil
}
