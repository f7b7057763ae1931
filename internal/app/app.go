// Package app assembles the storage, queue and service graph shared by the
// api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"presence/internal/clock"
	"presence/internal/config"
	"presence/internal/coretime"
	"presence/internal/ledger"
	"presence/internal/metrics"
	"presence/internal/notify"
	"presence/internal/presence"
	"presence/internal/queue"
	"presence/internal/store"
)

// Runtime holds the long-lived dependencies of a process.
type Runtime struct {
	Config   config.App
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Store    ledger.Store
	DB       *store.DB
	Redis    *store.Redis
	Queue    queue.Queue
	Calendar *coretime.Calendar
	Engine   *presence.Engine
	Monitor  *coretime.Monitor

	closers []func()
}

// NewLogger returns a JSON logger in production and a text logger otherwise.
func NewLogger(env string) *slog.Logger {
	if env == "production" || env == "prod" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Open connects the configured backends. consumerGroup is passed to the Kafka
// queue; the api leaves it empty because it only publishes.
func Open(ctx context.Context, cfg config.App, reg prometheus.Registerer, consumerGroup string) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Logger:  NewLogger(cfg.Env),
		Metrics: metrics.New(reg),
	}
	slog.SetDefault(rt.Logger)

	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openQueue(consumerGroup); err != nil {
		rt.Close()
		return nil, err
	}

	cal, err := coretime.NewCalendar(cfg.Location(), cfg.PeriodStarts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Calendar = cal

	notifier := notify.NewQueueNotifier(rt.Queue)
	rt.Engine = presence.NewEngine(rt.Store, clock.Real{}, notifier, rt.Metrics, rt.Logger.With("component", "presence"))
	rt.Monitor = coretime.NewMonitor(rt.Store, cal, clock.Real{}, notifier, rt.Metrics, rt.Logger.With("component", "coretime"))
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	switch rt.Config.StoreBackend {
	case "memory":
		log.Println("using in-memory store; data is lost on exit")
		rt.Store = ledger.NewMemoryStore(rt.Config.LockTimeout)
	case "postgres", "":
		db, err := store.NewDB(ctx, rt.Config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		rt.DB = db
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		rt.Store = ledger.NewPostgresStore(db.Client, rt.Config.LockTimeout)
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", rt.Config.StoreBackend)
	}
	return nil
}

func (rt *Runtime) openQueue(consumerGroup string) error {
	switch rt.Config.QueueBackend {
	case "memory":
		rt.Queue = queue.NewInMemory(256)
	case "kafka":
		kq, err := queue.NewKafkaQueue(rt.Config.KafkaBrokers, rt.Config.KafkaTopic, consumerGroup)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		rt.closers = append(rt.closers, kq.Close)
		rt.Queue = kq
	case "redis", "":
		rt.Queue = queue.NewRedisQueue(rt.RedisClient().Client, queue.DefaultKey)
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", rt.Config.QueueBackend)
	}
	return nil
}

// RedisClient returns the shared Redis connection, creating it on first use.
func (rt *Runtime) RedisClient() *store.Redis {
	if rt.Redis == nil {
		rt.Redis = store.NewRedis(rt.Config.RedisAddr)
		r := rt.Redis
		rt.closers = append(rt.closers, func() { _ = r.Close() })
	}
	return rt.Redis
}

// Close releases connections in reverse order of creation.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
