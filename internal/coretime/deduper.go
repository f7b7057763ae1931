package coretime

import (
	"context"
	"time"

	"presence/internal/clock"
	"presence/internal/ledger"
)

// Outcome is the result of Record. Alert is set only when Created is true.
type Outcome struct {
	Created bool
	Alert   ledger.Alert
}

// Deduper guarantees at most one alert per (member, date, slot).
type Deduper struct {
	clock clock.Clock
}

// NewDeduper creates a deduper that stamps new alerts with clk.
func NewDeduper(clk clock.Clock) *Deduper {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Deduper{clock: clk}
}

// Record inserts the alert inside the caller's member transaction. An
// existing alert for the key is reported as Created=false, not as an error.
func (d *Deduper) Record(ctx context.Context, tx ledger.MemberTx, date time.Time, slot int) (Outcome, error) {
	alert, created, err := tx.InsertAlertIfAbsent(ctx, date, slot, d.clock.Now())
	if err != nil {
		return Outcome{}, err
	}
	if !created {
		return Outcome{}, nil
	}
	return Outcome{Created: true, Alert: alert}, nil
}
