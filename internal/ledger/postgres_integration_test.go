//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"presence/internal/ledger"
	"presence/internal/store"
)

// PostgresStoreSuite runs against the database named by DATABASE_URL:
//
//	DATABASE_URL=postgres://... go test -tags integration ./internal/ledger/
type PostgresStoreSuite struct {
	suite.Suite
	ctx     context.Context
	db      *store.DB
	store   *ledger.PostgresStore
	members []string
	t0      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	dsn := os.Getenv("DATABASE_URL")
	s.ctx = context.Background()
	s.Require().NoError(store.Migrate(dsn, "up"))
	db, err := store.NewDB(s.ctx, dsn)
	s.Require().NoError(err)
	s.db = db
	s.store = ledger.NewPostgresStore(db.Client, 200*time.Millisecond)
	s.t0 = time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *PostgresStoreSuite) TearDownTest() {
	for _, id := range s.members {
		_, err := s.db.Client.ExecContext(s.ctx, `DELETE FROM members WHERE member_id = $1`, id)
		s.NoError(err)
	}
	s.members = nil
}

// newMember inserts a roster row with one core-time window and returns its id.
func (s *PostgresStoreSuite) newMember(day, slot int) string {
	id := "it-" + uuid.NewString()
	_, err := s.db.Client.ExecContext(s.ctx, `
		INSERT INTO members (member_id, name, core_time_1_day, core_time_1_period)
		VALUES ($1, $2, $3, $4)
	`, id, "Member "+id[:11], day, slot)
	s.Require().NoError(err)
	s.members = append(s.members, id)
	return id
}

func (s *PostgresStoreSuite) TestCheckInAndOut() {
	id := s.newMember(2, 3)

	s.Require().NoError(s.store.InMemberTx(s.ctx, id, func(tx ledger.MemberTx) error {
		m, err := tx.Member(s.ctx)
		s.Require().NoError(err)
		s.Equal(ledger.Window{Day: 2, Slot: 3}, m.Windows[0])
		if err := tx.PutSession(s.ctx, s.t0); err != nil {
			return err
		}
		return tx.AppendLogEntry(s.ctx, ledger.LogEntry{MemberID: id, EnteredAt: s.t0})
	}))

	sessions, err := s.store.ListSessions(s.ctx)
	s.Require().NoError(err)
	s.Contains(sessionIDs(sessions), id)

	s.Require().NoError(s.store.InMemberTx(s.ctx, id, func(tx ledger.MemberTx) error {
		sess, err := tx.Session(s.ctx)
		s.Require().NoError(err)
		s.Require().NotNil(sess)
		s.True(sess.EnteredAt.Equal(s.t0))
		closed, err := tx.CloseOpenLogEntry(s.ctx, s.t0.Add(time.Hour))
		s.Require().NoError(err)
		s.True(closed)
		closed, err = tx.CloseOpenLogEntry(s.ctx, s.t0.Add(2*time.Hour))
		s.Require().NoError(err)
		s.False(closed, "nothing left open")
		return tx.DeleteSession(s.ctx)
	}))

	s.Require().NoError(s.store.InMemberTx(s.ctx, id, func(tx ledger.MemberTx) error {
		sess, err := tx.Session(s.ctx)
		s.Nil(sess)
		return err
	}))
}

func (s *PostgresStoreSuite) TestSecondOpenLogEntryRejected() {
	id := s.newMember(1, 1)

	err := s.store.InMemberTx(s.ctx, id, func(tx ledger.MemberTx) error {
		if err := tx.AppendLogEntry(s.ctx, ledger.LogEntry{MemberID: id, EnteredAt: s.t0}); err != nil {
			return err
		}
		return tx.AppendLogEntry(s.ctx, ledger.LogEntry{MemberID: id, EnteredAt: s.t0.Add(time.Minute)})
	})
	s.Require().Error(err)
	s.True(ledger.IsStorage(err))

	var open int
	s.Require().NoError(s.db.Client.QueryRowContext(s.ctx,
		`SELECT COUNT(*) FROM attendance_logs WHERE member_id = $1`, id).Scan(&open))
	s.Equal(0, open, "failed transaction rolled back")
}

func (s *PostgresStoreSuite) TestAlertDedupAndCount() {
	id := s.newMember(2, 3)
	stamped := s.t0.Add(4*time.Hour + 35*time.Minute)

	insert := func(at time.Time, slot int) (ledger.Alert, bool) {
		var (
			a       ledger.Alert
			created bool
		)
		s.Require().NoError(s.store.InMemberTx(s.ctx, id, func(tx ledger.MemberTx) error {
			var err error
			a, created, err = tx.InsertAlertIfAbsent(s.ctx, at, slot, stamped)
			return err
		}))
		return a, created
	}

	a, created := insert(s.t0, 3)
	s.Require().True(created)
	s.True(a.CreatedAt.Equal(stamped))
	s.Equal(time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), a.Date)

	_, created = insert(s.t0.Add(10*time.Hour), 3)
	s.False(created, "same date and period")
	_, created = insert(s.t0.AddDate(0, 0, 7), 3)
	s.True(created)

	s.Require().NoError(s.store.InMemberTx(s.ctx, id, func(tx ledger.MemberTx) error {
		n, err := tx.CountAlerts(s.ctx)
		s.Require().NoError(err)
		s.Equal(2, n)
		if err := tx.SetViolations(s.ctx, n); err != nil {
			return err
		}
		m, err := tx.Member(s.ctx)
		s.Require().NoError(err)
		s.Equal(2, m.Violations)
		return nil
	}))

	ids, err := s.store.ListMembersWithWindow(s.ctx, 2, 3)
	s.Require().NoError(err)
	s.Contains(ids, id)
}

func (s *PostgresStoreSuite) TestUnknownMember() {
	err := s.store.InMemberTx(s.ctx, "it-nobody-"+uuid.NewString(), func(tx ledger.MemberTx) error {
		_, err := tx.Member(s.ctx)
		return err
	})
	s.ErrorIs(err, ledger.ErrMemberNotFound)
}

func (s *PostgresStoreSuite) TestLockTimeout() {
	id := s.newMember(1, 1)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.store.InMemberTx(s.ctx, id, func(ledger.MemberTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.store.InMemberTx(s.ctx, id, func(ledger.MemberTx) error { return nil })
	close(release)
	s.Require().Error(err)
	s.True(errors.Is(err, ledger.ErrLockTimeout), "got %v", err)
	s.True(ledger.IsStorage(err))
	s.NoError(<-done)
}

func sessionIDs(sessions []ledger.Session) []string {
	out := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.MemberID)
	}
	return out
}
