package fanout

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/geocoder89/taskbus/internal/queue/baseworker"
)

// CursorStore guards the queue's read position on the event log.
type CursorStore interface {
	Lock(ctx context.Context, queue string, ttl time.Duration) (lastPos int64, ok bool, err error)
	Unlock(ctx context.Context, queue string) error
	AdvanceAndCreate(ctx context.Context, queue string, pos int64, tasks []plans.TaskEnvelope) error
}

type EventStore interface {
	FetchAfter(ctx context.Context, pos int64, limit int) ([]plans.StoredEvent, error)
}

// Project turns a batch of committed events into the task rows for this
// queue. Events without subscriptions simply produce nothing.
type Project func(events []plans.StoredEvent) []plans.TaskEnvelope

type Config struct {
	Queue        string
	FetchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchSize <= 0 {
		c.FetchSize = 200
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1500 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	return c
}

// Worker drains the event log for one queue: lock the cursor, fetch a batch
// past it, project to tasks, advance. Any number of instances can run, the
// cursor lock picks a winner per pass.
type Worker struct {
	cfg     Config
	cursors CursorStore
	events  EventStore
	project Project
	log     *slog.Logger
	prom    *observability.Prom

	loop *baseworker.Worker
}

func New(log *slog.Logger, cfg Config, cursors CursorStore, events EventStore, project Project, prom *observability.Prom) *Worker {
	w := &Worker{
		cfg:     cfg.withDefaults(),
		cursors: cursors,
		events:  events,
		project: project,
		log:     log,
		prom:    prom,
	}

	w.loop = baseworker.New(log, "fanout:"+cfg.Queue, w.cfg.PollInterval, w.step)
	return w
}

func (w *Worker) Start(ctx context.Context) {
	w.loop.Start(ctx)
}

func (w *Worker) Notify() {
	w.loop.Notify()
}

func (w *Worker) Stop() {
	w.loop.Stop()
}

func (w *Worker) step(ctx context.Context) (bool, error) {
	pos, ok, err := w.cursors.Lock(ctx, w.cfg.Queue, w.cfg.LockTTL)

	if err != nil {
		return false, err
	}

	// someone else holds the cursor, their pass covers this work
	if !ok {
		return false, nil
	}

	events, err := w.events.FetchAfter(ctx, pos, w.cfg.FetchSize)

	if err != nil {
		if uerr := w.cursors.Unlock(ctx, w.cfg.Queue); uerr != nil {
			w.log.Error("cursor unlock failed", "queue", w.cfg.Queue, "err", uerr)
		}
		return false, err
	}

	if len(events) == 0 {
		return false, w.cursors.Unlock(ctx, w.cfg.Queue)
	}

	tasks := w.project(events)
	last := events[len(events)-1].Pos

	if err := w.cursors.AdvanceAndCreate(ctx, w.cfg.Queue, last, tasks); err != nil {
		// lock TTL reclaims the cursor if this left it held
		return false, err
	}

	if w.prom != nil {
		w.prom.FanoutBatches.Inc()
		w.prom.FanoutTasksTotal.Add(float64(len(tasks)))
	}

	// a full fetch means the log likely has more behind it
	return len(events) == w.cfg.FetchSize, nil
}
