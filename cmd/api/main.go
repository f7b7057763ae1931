package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"presence/internal/app"
	"presence/internal/config"
	"presence/internal/httpapi"
	"presence/internal/notify"
	"presence/internal/scan"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, prometheus.DefaultRegisterer, "")
	if err != nil {
		return err
	}
	defer rt.Close()

	// Redis-backed debounce spans replicas; the in-memory store is a single
	// process anyway.
	var debouncer scan.Debouncer = scan.NewMemoryDebouncer(nil, cfg.ScanDebounce)
	if cfg.StoreBackend != "memory" {
		debouncer = scan.NewRedisDebouncer(rt.RedisClient().Client, cfg.ScanDebounce)
	}
	if cfg.ScanDebounce < 0 {
		debouncer = scan.Off{}
	}

	health := []httpapi.HealthCheck{{Name: "db", Check: rt.Store.Ping}}
	if r := rt.Redis; r != nil {
		health = append(health, httpapi.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			if !r.Healthy(ctx) {
				return errors.New("redis unreachable")
			}
			return nil
		}})
	}

	// An in-memory queue has no external consumer; deliver from this process.
	if cfg.QueueBackend == "memory" {
		var sink notify.Notifier = notify.Nop{}
		if tg := notify.NewTelegram(cfg.TelegramAPIURL, cfg.TelegramToken, cfg.TelegramChatID); tg != nil {
			sink = tg
		}
		go func() {
			_ = notify.NewDispatcher(rt.Queue, sink, rt.Metrics, rt.Logger.With("component", "notify")).Run(ctx)
		}()
	}

	srv := httpapi.New(httpapi.Config{
		SigningKey:      cfg.JWTSigningKey,
		Issuer:          cfg.JWTIssuer,
		EnrollmentKey:   cfg.EnrollmentKey,
		AccessTTL:       cfg.AccessTTL,
		RateLimitPerMin: cfg.RateLimitPerMin,
	}, httpapi.Deps{
		Presence:  rt.Engine,
		CoreTime:  rt.Monitor,
		Debouncer: debouncer,
		Health:    health,
		Metrics:   rt.Metrics,
		Logger:    rt.Logger.With("component", "http"),
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
