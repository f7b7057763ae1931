package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"presence/internal/clock"
	"presence/internal/ledger"
	"presence/internal/notify"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type EngineSuite struct {
	suite.Suite
	ctx      context.Context
	store    *ledger.MemoryStore
	clock    *clock.Fake
	notifier *recordingNotifier
	engine   *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = ledger.NewMemoryStore(200 * time.Millisecond)
	s.store.PutMember(ledger.Member{ID: "S001", Name: "Ito"})
	s.store.PutMember(ledger.Member{ID: "S002", Name: "Sato"})
	s.clock = clock.NewFake(time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC))
	s.notifier = &recordingNotifier{}
	s.engine = NewEngine(s.store, s.clock, s.notifier, nil, nil)
}

func (s *EngineSuite) openEntries(memberID string) int {
	n := 0
	for _, e := range s.store.LogEntries(memberID) {
		if e.Open() {
			n++
		}
	}
	return n
}

func (s *EngineSuite) TestToggleInThenOut() {
	in, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().NoError(err)
	s.Equal(StateIn, in.State)
	s.Equal("Ito", in.Name)
	s.Nil(in.Stay)

	present, err := s.engine.IsPresent(s.ctx, "S001")
	s.Require().NoError(err)
	s.True(present)

	s.clock.Advance(65 * time.Minute)
	out, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().NoError(err)
	s.Equal(StateOut, out.State)
	s.Require().NotNil(out.Stay)
	s.Equal(Stay{Hours: 1, Minutes: 5}, *out.Stay)

	present, err = s.engine.IsPresent(s.ctx, "S001")
	s.Require().NoError(err)
	s.False(present)

	entries := s.store.LogEntries("S001")
	s.Require().Len(entries, 1)
	s.Require().NotNil(entries[0].ExitedAt)
	s.Equal(65*time.Minute, entries[0].ExitedAt.Sub(entries[0].EnteredAt))
	s.Equal([]notify.Kind{notify.KindEntry, notify.KindExit}, s.notifier.kinds())
}

func (s *EngineSuite) TestToggleSequenceKeepsOneOpenEntry() {
	for i := 0; i < 7; i++ {
		_, err := s.engine.Toggle(s.ctx, "S001")
		s.Require().NoError(err)
		s.clock.Advance(time.Minute)
		s.LessOrEqual(s.openEntries("S001"), 1)
	}
	s.Len(s.store.LogEntries("S001"), 4)
	s.Equal(1, s.openEntries("S001"))
}

func (s *EngineSuite) TestToggleUnknownMember() {
	_, err := s.engine.Toggle(s.ctx, "unknown")
	s.Require().ErrorIs(err, ledger.ErrMemberNotFound)

	sessions, err := s.store.ListSessions(s.ctx)
	s.Require().NoError(err)
	s.Empty(sessions)
	s.Empty(s.store.LogEntries("unknown"))
	s.Empty(s.notifier.kinds())
}

func (s *EngineSuite) TestToggleBlankMember() {
	_, err := s.engine.Toggle(s.ctx, "  ")
	s.Require().ErrorIs(err, ErrInvalidMemberID)
}

func (s *EngineSuite) TestIsPresentUnknownMember() {
	_, err := s.engine.IsPresent(s.ctx, "unknown")
	s.Require().ErrorIs(err, ledger.ErrMemberNotFound)
}

func (s *EngineSuite) TestNotifierFailureDoesNotFailToggle() {
	s.notifier.err = errors.New("queue down")
	res, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().NoError(err)
	s.Equal(StateIn, res.State)

	present, err := s.engine.IsPresent(s.ctx, "S001")
	s.Require().NoError(err)
	s.True(present)
}

func (s *EngineSuite) TestExitWithoutOpenLogEntryWritesClosedStay() {
	entered := s.clock.Now()
	s.Require().NoError(s.store.InMemberTx(s.ctx, "S001", func(tx ledger.MemberTx) error {
		return tx.PutSession(s.ctx, entered)
	}))
	s.clock.Advance(30 * time.Minute)

	res, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().NoError(err)
	s.Equal(StateOut, res.State)

	entries := s.store.LogEntries("S001")
	s.Require().Len(entries, 1)
	s.True(entries[0].EnteredAt.Equal(entered))
	s.Require().NotNil(entries[0].ExitedAt)
}

func (s *EngineSuite) TestLockTimeoutSurfacesStorageError() {
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.store.InMemberTx(s.ctx, "S001", func(ledger.MemberTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().Error(err)
	s.True(ledger.IsStorage(err))
	s.ErrorIs(err, ledger.ErrLockTimeout)
	s.Empty(s.store.LogEntries("S001"))
}

func (s *EngineSuite) TestDistinctMembersDoNotBlockEachOther() {
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.store.InMemberTx(s.ctx, "S001", func(ledger.MemberTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	res, err := s.engine.Toggle(s.ctx, "S002")
	s.Require().NoError(err)
	s.Equal(StateIn, res.State)
}

func (s *EngineSuite) TestConcurrentTogglesSameMember() {
	store := ledger.NewMemoryStore(5 * time.Second)
	store.PutMember(ledger.Member{ID: "S001", Name: "Ito"})
	engine := NewEngine(store, s.clock, nil, nil, nil)

	g, ctx := errgroup.WithContext(s.ctx)
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			_, err := engine.Toggle(ctx, "S001")
			return err
		})
	}
	s.Require().NoError(g.Wait())

	entries := store.LogEntries("S001")
	s.Len(entries, 20)
	for _, e := range entries {
		s.False(e.Open())
	}
	present, err := engine.IsPresent(s.ctx, "S001")
	s.Require().NoError(err)
	s.False(present)
}

func (s *EngineSuite) TestConcurrentTogglesDistinctMembers() {
	for _, id := range []string{"A", "B", "C", "D"} {
		s.store.PutMember(ledger.Member{ID: id, Name: id})
	}
	g, ctx := errgroup.WithContext(s.ctx)
	for _, id := range []string{"A", "B", "C", "D"} {
		id := id
		g.Go(func() error {
			_, err := s.engine.Toggle(ctx, id)
			return err
		})
	}
	s.Require().NoError(g.Wait())

	present, err := s.engine.Present(s.ctx)
	s.Require().NoError(err)
	s.Len(present, 4)
}

func (s *EngineSuite) TestResetAll() {
	_, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().NoError(err)
	s.clock.Advance(10 * time.Minute)
	_, err = s.engine.Toggle(s.ctx, "S002")
	s.Require().NoError(err)
	s.clock.Advance(50 * time.Minute)

	reset, err := s.engine.ResetAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reset, 2)
	s.Equal("S001", reset[0].MemberID)
	s.Equal(Stay{Hours: 1}, *reset[0].Stay)
	s.Equal(Stay{Minutes: 50}, *reset[1].Stay)

	present, err := s.engine.Present(s.ctx)
	s.Require().NoError(err)
	s.Empty(present)
	s.Equal(0, s.openEntries("S001"))
	s.Equal(0, s.openEntries("S002"))

	kinds := s.notifier.kinds()
	s.Equal(notify.KindReset, kinds[len(kinds)-1])

	res, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().NoError(err)
	s.Equal(StateIn, res.State)
	s.Equal(1, s.openEntries("S001"))
}

func (s *EngineSuite) TestResetAllWithNobodyPresent() {
	reset, err := s.engine.ResetAll(s.ctx)
	s.Require().NoError(err)
	s.Empty(reset)
	s.Equal([]notify.Kind{notify.KindReset}, s.notifier.kinds())
}

// brokenLookupStore fails the member lookup inside every transaction.
type brokenLookupStore struct {
	ledger.Store
}

type brokenLookupTx struct {
	ledger.MemberTx
}

func (b *brokenLookupStore) InMemberTx(ctx context.Context, memberID string, fn func(ledger.MemberTx) error) error {
	return b.Store.InMemberTx(ctx, memberID, func(tx ledger.MemberTx) error {
		return fn(&brokenLookupTx{MemberTx: tx})
	})
}

func (b *brokenLookupTx) Member(context.Context) (ledger.Member, error) {
	return ledger.Member{}, &ledger.StorageError{Op: "get member", Err: errors.New("connection reset")}
}

func (s *EngineSuite) TestResetAllSurfacesMemberLookupFailure() {
	_, err := s.engine.Toggle(s.ctx, "S001")
	s.Require().NoError(err)

	engine := NewEngine(&brokenLookupStore{Store: s.store}, s.clock, s.notifier, nil, nil)
	reset, err := engine.ResetAll(s.ctx)
	s.Require().Error(err)
	s.True(ledger.IsStorage(err))
	s.Empty(reset)

	// The failed transaction leaves the member checked in.
	present, err := s.engine.IsPresent(s.ctx, "S001")
	s.Require().NoError(err)
	s.True(present)
	s.Equal(1, s.openEntries("S001"))
}
