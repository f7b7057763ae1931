package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveToggle("in", time.Millisecond)
	m.IncToggleFailure("storage")
	m.IncSweep("ok")
	m.AddViolations(3)
	m.IncDebounced()
	m.IncNotifyFailure("telegram")
	m.IncDelivered()
	m.SetPresent(2)
}

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveToggle("in", time.Millisecond)
	m.ObserveToggle("in", time.Millisecond)
	m.ObserveToggle("out", time.Millisecond)
	m.AddViolations(2)
	m.AddViolations(0)
	m.SetPresent(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Toggles.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Toggles.WithLabelValues("out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Violations))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PresentMembers))
}
