package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/geocoder89/taskbus/internal/app"
	"github.com/geocoder89/taskbus/internal/bus"
	"github.com/geocoder89/taskbus/internal/config"
	"github.com/geocoder89/taskbus/internal/db"
	"github.com/geocoder89/taskbus/internal/notifications"
	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/queue/notify"
	"github.com/geocoder89/taskbus/internal/worker"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load the dotenv if exists
	_ = godotenv.Load()

	cfg, err := config.LoadWorker()

	if err != nil {
		log.Fatalf("cannot load env: %v", err)
	}

	logger := observability.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, terr := observability.InitTracer(ctx, "taskbus-worker", cfg.OTLPEndpoint)

		if terr != nil {
			logger.Error("tracer init failed", "err", terr)
		} else {
			defer func() {
				_ = shutdownTracer(context.Background())
			}()
		}
	}

	pool, err := db.NewPool(cfg.DatabaseURL, int32(cfg.PoolMaxConns))

	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}

	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewProm(reg)

	var notifier notify.Notifier

	if cfg.RedisAddr != "" {
		r := notify.NewRedis(notify.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)

		if perr := r.Ping(ctx); perr != nil {
			logger.Warn("redis unreachable, polling only", "err", perr)
		} else {
			notifier = r
			defer r.Close()
		}
	}

	b, err := bus.New(bus.Options{
		Queue:  cfg.Queue,
		Schema: cfg.Schema,
		Pool:   pool,

		Logger:   logger,
		Metrics:  metrics,
		Notifier: notifier,

		RetentionDays: cfg.RetentionDays,
		KeepInSeconds: cfg.KeepInSeconds,

		Concurrency:     cfg.Concurrency,
		PollInterval:    cfg.PollInterval(),
		RefillThreshold: cfg.RefillFactor,
		EventsFetchSize: cfg.EventsFetchSize,
		ExpireInterval:  cfg.ExpireInterval(),
		CleanupInterval: cfg.CleanupInterval(),
	})

	if err != nil {
		log.Fatalf("bus setup failed: %v", err)
	}

	deliverer := notifications.NewProtectedNotifier(
		notifications.NewLogNotifier(),
		notifications.ProtectedNotifierConfig{},
	)

	if err := app.Register(b, deliverer); err != nil {
		log.Fatalf("task registration failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		log.Fatalf("bus start failed: %v", err)
	}

	var shuttingDown atomic.Bool

	health := worker.NewHealthServer(
		fmt.Sprintf(":%d", cfg.HealthPort),
		pool,
		shuttingDown.Load,
		b.WorkerStats(),
		reg,
		logger,
	)

	go func() {
		err := health.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "err", err)
		}
	}()

	logger.Info("worker has started", "queue", cfg.Queue, "health_port", cfg.HealthPort)

	<-ctx.Done()

	logger.Info("worker shutting down")
	shuttingDown.Store(true)

	if err := b.Stop(); err != nil {
		logger.Error("bus stop failed", "err", err)
	}

	shutdownCtx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	_ = health.Shutdown(shutdownCtx)

	logger.Info("worker shutdown complete")
}
