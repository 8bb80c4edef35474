package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geocoder89/taskbus/internal/app"
	"github.com/geocoder89/taskbus/internal/auth"
	"github.com/geocoder89/taskbus/internal/bus"
	"github.com/geocoder89/taskbus/internal/config"
	"github.com/geocoder89/taskbus/internal/db"
	httpx "github.com/geocoder89/taskbus/internal/http"
	"github.com/geocoder89/taskbus/internal/notifications"
	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load the dotenv if exists
	_ = godotenv.Load()

	cfg, err := config.LoadAPI()

	if err != nil {
		log.Fatalf("cannot load env: %v", err)
	}

	// start up the observability logger
	logger := observability.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, terr := observability.InitTracer(context.Background(), "taskbus-api", cfg.OTLPEndpoint)

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

	// converge the schema here too, so the admin API works before the
	// first worker has ever started
	migrateCtx, cancelMigrate := config.WithTimeout(30 * time.Second)
	if err := db.Migrate(migrateCtx, pool, cfg.Schema, db.Migrations(cfg.Schema), logger); err != nil {
		cancelMigrate()
		log.Fatalf("migrations failed: %v", err)
	}
	cancelMigrate()

	reg := prometheus.NewRegistry()
	metrics := observability.NewProm(reg)

	// the api shares the queue's registry but never starts the workers;
	// it only sends, projects webhook events and inspects
	b, err := bus.New(bus.Options{
		Queue:  cfg.Queue,
		Schema: cfg.Schema,
		Pool:   pool,

		Logger:  logger,
		Metrics: metrics,

		RetentionDays: cfg.RetentionDays,
		KeepInSeconds: cfg.KeepInSeconds,
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

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, admin tokens are signed with an empty key")
	}

	deps := httpx.Deps{
		Log:  logger,
		Pool: pool,
		Bus:  b,

		Env:    cfg.Env,
		Schema: cfg.Schema,

		JWT:      auth.NewManager(cfg.JWTSecret, cfg.JWTTTL()),
		AdminKey: cfg.AdminKey,

		WebhookSecret: cfg.SigningSecret,
		KeepInSeconds: cfg.KeepInSeconds,

		AllowedOrigins: cfg.AllowedOrigins,

		Metrics: metrics,
		Reg:     reg,
	}

	if cfg.DispatcherURL != "" {
		deps.Dispatcher = webhook.NewService(cfg.DispatcherURL, cfg.SigningSecret, logger)
	}

	// set up routers with the deps
	router := httpx.NewRouter(deps)

	// server set up
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// start server using a concurrent go-routine driven anonymous function.

	go func() {
		logger.Info("Server starting", "port", cfg.Port, "env", cfg.Env, "queue", cfg.Queue)
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("server shutting down")

	shutdownCh := make(chan struct{})

	go func() {
		defer close(shutdownCh)

		ctxTimeOut := 10 * time.Second

		ctx, cancel := config.WithTimeout(ctxTimeOut)

		defer cancel()

		err := srv.Shutdown(ctx)

		if err != nil {
			logger.Error("graceful shutdown failed", "err", err)

			return
		}
	}()

	select {
	case <-shutdownCh:
		logger.Info("shutdown complete")

	case <-time.After(12 * time.Second):
		logger.Error("shutdown timed out")
	}
}
