package notify

import (
	"context"
	"log/slog"

	"presence/internal/metrics"
	"presence/internal/queue"
)

// Dispatcher drains the notification queue into a delivery sink.
type Dispatcher struct {
	q       queue.Queue
	sink    Notifier
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewDispatcher wires a queue to a sink.
func NewDispatcher(q queue.Queue, sink Notifier, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = Nop{}
	}
	return &Dispatcher{q: q, sink: sink, metrics: m, log: logger}
}

// Run delivers messages until ctx ends. Delivery failures are logged and the
// message is dropped; chat delivery is best effort.
func (d *Dispatcher) Run(ctx context.Context) error {
	msgs, err := d.q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		ev, err := Decode(msg)
		if err != nil {
			d.log.Warn("dropping notification", "type", msg.Type, "error", err)
			continue
		}
		if err := d.sink.Notify(ctx, ev); err != nil {
			d.metrics.IncNotifyFailure("deliver")
			d.log.Error("notification delivery failed", "kind", ev.Kind, "member_id", ev.MemberID, "error", err)
			continue
		}
		d.metrics.IncDelivered()
	}
	return ctx.Err()
}
