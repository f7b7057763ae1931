package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for presence and core-time
// tracking. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Toggles         *prometheus.CounterVec
	ToggleFailures  *prometheus.CounterVec
	ToggleLatency   prometheus.Histogram
	Sweeps          *prometheus.CounterVec
	Violations      prometheus.Counter
	DebouncedScans  prometheus.Counter
	NotifyFailures  *prometheus.CounterVec
	NotifyDelivered prometheus.Counter
	PresentMembers  prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Toggles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_toggles_total",
			Help: "Completed presence toggles by resulting state",
		}, []string{"state"}),
		ToggleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_toggle_failures_total",
			Help: "Failed presence toggles by reason",
		}, []string{"reason"}),
		ToggleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_toggle_duration_seconds",
			Help:    "Time spent in the toggle transaction",
			Buckets: prometheus.DefBuckets,
		}),
		Sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coretime_sweeps_total",
			Help: "Core-time sweeps by result",
		}, []string{"result"}),
		Violations: f.NewCounter(prometheus.CounterOpts{
			Name: "coretime_violations_total",
			Help: "Newly recorded core-time violation alerts",
		}),
		DebouncedScans: f.NewCounter(prometheus.CounterOpts{
			Name: "presence_scans_debounced_total",
			Help: "Repeat scans suppressed before reaching the toggle",
		}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_notify_failures_total",
			Help: "Notification publish or delivery failures by sink",
		}, []string{"sink"}),
		NotifyDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "presence_notify_delivered_total",
			Help: "Notifications delivered to the chat channel",
		}),
		PresentMembers: f.NewGauge(prometheus.GaugeOpts{
			Name: "presence_present_members",
			Help: "Members with an open session as of the last board read",
		}),
	}
}

func (m *Metrics) ObserveToggle(state string, took time.Duration) {
	if m == nil {
		return
	}
	m.Toggles.WithLabelValues(state).Inc()
	m.ToggleLatency.Observe(took.Seconds())
}

func (m *Metrics) IncToggleFailure(reason string) {
	if m == nil {
		return
	}
	m.ToggleFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSweep(result string) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) AddViolations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Violations.Add(float64(n))
}

func (m *Metrics) IncDebounced() {
	if m == nil {
		return
	}
	m.DebouncedScans.Inc()
}

func (m *Metrics) IncNotifyFailure(sink string) {
	if m == nil {
		return
	}
	m.NotifyFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.NotifyDelivered.Inc()
}

func (m *Metrics) SetPresent(n int) {
	if m == nil {
		return
	}
	m.PresentMembers.Set(float64(n))
}
