package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "QUEUE_BACKEND", "SWEEP_DAYS", "PERIOD_STARTS", "LOCK_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, cfg.SweepDays)
	assert.Len(t, cfg.PeriodStarts, 7)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SWEEP_DAYS", "1, 3,5")
	t.Setenv("PERIOD_STARTS", "08:00,10:00")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOCK_TIMEOUT", "750ms")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")

	cfg := Load()
	assert.Equal(t, []int{1, 3, 5}, cfg.SweepDays)
	assert.Equal(t, []string{"08:00", "10:00"}, cfg.PeriodStarts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 30, cfg.RateLimitPerMin)
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("SWEEP_DAYS", "mon,tue")
	t.Setenv("LOCK_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, cfg.SweepDays)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, App{Timezone: "Mars/Olympus"}.Location())
}
