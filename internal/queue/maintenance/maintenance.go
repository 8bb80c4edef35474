package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/taskbus/internal/queue/baseworker"
)

const expireBatchSize = 300

// Store is the slice of the storage layer maintenance needs.
type Store interface {
	ExpireStuck(ctx context.Context, limit int) (int, error)
	ReleaseStaleCursorLocks(ctx context.Context) (int64, error)
	DeleteExpiredEvents(ctx context.Context) (int64, error)
	PurgeArchive(ctx context.Context) (int64, error)
}

type Config struct {
	ExpireInterval  time.Duration
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

// Worker runs the two background chores every deployment needs: expiring
// tasks whose worker died mid-run, and clearing out events and archive rows
// past retention. Every process runs one, SKIP LOCKED keeps them from
// stepping on each other.
type Worker struct {
	cfg   Config
	store Store
	log   *slog.Logger

	expireLoop  *baseworker.Worker
	cleanupLoop *baseworker.Worker
}

func New(log *slog.Logger, cfg Config, store Store) *Worker {
	w := &Worker{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log,
	}

	w.expireLoop = baseworker.New(log, "maintenance:expire", w.cfg.ExpireInterval, w.expireStep)
	w.cleanupLoop = baseworker.New(log, "maintenance:cleanup", w.cfg.CleanupInterval, w.cleanupStep)
	return w
}

func (w *Worker) Start(ctx context.Context) {
	w.expireLoop.Start(ctx)
	w.cleanupLoop.Start(ctx)
}

func (w *Worker) Stop() {
	w.expireLoop.Stop()
	w.cleanupLoop.Stop()
}

func (w *Worker) expireStep(ctx context.Context) (bool, error) {
	n, err := w.store.ExpireStuck(ctx, expireBatchSize)

	if err != nil {
		return false, err
	}

	if n > 0 {
		w.log.Info("expired stuck tasks", "count", n)
	}

	released, err := w.store.ReleaseStaleCursorLocks(ctx)

	if err != nil {
		return false, err
	}

	if released > 0 {
		w.log.Warn("released stale cursor locks", "count", released)
	}

	// a full batch means more stuck rows are probably waiting
	return n == expireBatchSize, nil
}

func (w *Worker) cleanupStep(ctx context.Context) (bool, error) {
	events, err := w.store.DeleteExpiredEvents(ctx)

	if err != nil {
		return false, err
	}

	archived, err := w.store.PurgeArchive(ctx)

	if err != nil {
		return false, err
	}

	if events > 0 || archived > 0 {
		w.log.Info("cleanup pass", "events_removed", events, "archive_removed", archived)
	}

	return false, nil
}
