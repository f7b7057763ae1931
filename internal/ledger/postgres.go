package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// lock_not_available
const pgLockNotAvailable = "55P03"

// PostgresStore persists the ledger in Postgres. Member transactions take a
// row lock on the member's roster row, so toggles and sweeps for the same
// member serialise while different members proceed in parallel.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a store over an open pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

func (s *PostgresStore) InMemberTx(ctx context.Context, memberID string, fn func(tx MemberTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return storageErr("set lock timeout", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT member_id, name, core_time_1_day, core_time_1_period,
		       core_time_2_day, core_time_2_period, core_time_violations
		FROM members
		WHERE member_id = $1
		FOR UPDATE
	`, memberID)
	var m Member
	found := true
	if err := row.Scan(&m.ID, &m.Name, &m.Windows[0].Day, &m.Windows[0].Slot,
		&m.Windows[1].Day, &m.Windows[1].Slot, &m.Violations); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return pgErr("lock member", err)
		}
		found = false
	}

	ptx := &pgMemberTx{tx: tx, memberID: memberID}
	if found {
		ptx.member = &m
	}
	if err := fn(ptx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return pgErr("commit", err)
	}
	return nil
}

func (s *PostgresStore) ListMembersWithWindow(ctx context.Context, day, slot int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id FROM members
		WHERE (core_time_1_day = $1 AND core_time_1_period = $2)
		   OR (core_time_2_day = $1 AND core_time_2_period = $2)
		ORDER BY member_id
	`, day, slot)
	if err != nil {
		return nil, pgErr("list members with window", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pgErr("list members with window", err)
		}
		ids = append(ids, id)
	}
	return ids, pgErr("list members with window", rows.Err())
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, entry_time FROM current_status
		ORDER BY entry_time, member_id
	`)
	if err != nil {
		return nil, pgErr("list sessions", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.MemberID, &sess.EnteredAt); err != nil {
			return nil, pgErr("list sessions", err)
		}
		out = append(out, sess)
	}
	return out, pgErr("list sessions", rows.Err())
}

type pgMemberTx struct {
	tx       *sql.Tx
	memberID string
	member   *Member
}

func (t *pgMemberTx) MemberID() string { return t.memberID }

func (t *pgMemberTx) Member(context.Context) (Member, error) {
	if t.member == nil {
		return Member{}, ErrMemberNotFound
	}
	return *t.member, nil
}

func (t *pgMemberTx) Session(ctx context.Context) (*Session, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT member_id, entry_time FROM current_status WHERE member_id = $1`, t.memberID)
	var sess Session
	if err := row.Scan(&sess.MemberID, &sess.EnteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, pgErr("get session", err)
	}
	return &sess, nil
}

func (t *pgMemberTx) PutSession(ctx context.Context, enteredAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO current_status (member_id, entry_time)
		VALUES ($1, $2)
		ON CONFLICT (member_id) DO UPDATE SET entry_time = EXCLUDED.entry_time
	`, t.memberID, enteredAt)
	return pgErr("put session", err)
}

func (t *pgMemberTx) DeleteSession(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM current_status WHERE member_id = $1`, t.memberID)
	return pgErr("delete session", err)
}

func (t *pgMemberTx) AppendLogEntry(ctx context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO attendance_logs (id, member_id, entry_time, exit_time)
		VALUES ($1, $2, $3, $4)
	`, entry.ID, t.memberID, entry.EnteredAt, entry.ExitedAt)
	return pgErr("append log entry", err)
}

func (t *pgMemberTx) CloseOpenLogEntry(ctx context.Context, exitedAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE attendance_logs SET exit_time = $2
		WHERE id = (
			SELECT id FROM attendance_logs
			WHERE member_id = $1 AND exit_time IS NULL
			ORDER BY entry_time DESC
			LIMIT 1
		)
	`, t.memberID, exitedAt)
	if err != nil {
		return false, pgErr("close log entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, pgErr("close log entry", err)
	}
	return n > 0, nil
}

func (t *pgMemberTx) InsertAlertIfAbsent(ctx context.Context, date time.Time, slot int, createdAt time.Time) (Alert, bool, error) {
	a := Alert{
		ID:       uuid.NewString(),
		MemberID: t.memberID,
		Date:     DateOf(date),
		Slot:     slot,
	}
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO alerts (id, member_id, alert_date, period, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (member_id, alert_date, period) DO NOTHING
		RETURNING created_at
	`, a.ID, a.MemberID, a.Date.Format(time.DateOnly), a.Slot, createdAt.UTC())
	if err := row.Scan(&a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Alert{}, false, nil
		}
		return Alert{}, false, pgErr("insert alert", err)
	}
	return a, true, nil
}

func (t *pgMemberTx) CountAlerts(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE member_id = $1`, t.memberID).Scan(&n); err != nil {
		return 0, pgErr("count alerts", err)
	}
	return n, nil
}

func (t *pgMemberTx) SetViolations(ctx context.Context, n int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE members SET core_time_violations = $2, updated_at = NOW()
		WHERE member_id = $1
	`, t.memberID, n)
	if err == nil && t.member != nil {
		t.member.Violations = n
	}
	return pgErr("set violations", err)
}

// pgErr maps driver errors to StorageError, tagging lock timeouts.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == pgLockNotAvailable {
		return &StorageError{Op: op, Err: errors.Join(ErrLockTimeout, err)}
	}
	return storageErr(op, err)
}
