package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"presence/internal/app"
	"presence/internal/clock"
	"presence/internal/config"
	"presence/internal/notify"
	"presence/internal/scheduler"
)

// Worker sweeps core time at every period boundary and delivers queued
// notifications to the chat channel.
func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, prometheus.DefaultRegisterer, cfg.KafkaGroupID)
	if err != nil {
		log.Fatalf("worker init failed: %v", err)
	}
	defer rt.Close()

	var sink notify.Notifier = notify.Nop{}
	if tg := notify.NewTelegram(cfg.TelegramAPIURL, cfg.TelegramToken, cfg.TelegramChatID); tg != nil {
		sink = tg
		log.Println("Telegram delivery enabled")
	} else {
		log.Println("Telegram not configured (TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID not set); notifications are dropped")
	}

	sched, err := scheduler.New(rt.Calendar, cfg.SweepDays, rt.Monitor, clock.Real{}, rt.Logger.With("component", "scheduler"))
	if err != nil {
		log.Fatalf("scheduler init failed: %v", err)
	}
	dispatcher := notify.NewDispatcher(rt.Queue, sink, rt.Metrics, rt.Logger.With("component", "notify"))

	metricsSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: promhttp.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsSrv.Shutdown(context.Background())
	})

	log.Printf("worker started, sweeping %d periods on days %v", rt.Calendar.Slots(), cfg.SweepDays)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker stopped: %v", err)
	}
	log.Println("worker stopped")
}
