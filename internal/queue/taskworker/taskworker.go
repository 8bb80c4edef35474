package taskworker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/geocoder89/taskbus/internal/queue/baseworker"
	"github.com/geocoder89/taskbus/internal/queue/batcher"
)

const (
	resolveBatchSize = 75
	resolveBatchWait = 30 * time.Millisecond
	flushTimeout     = 10 * time.Second
)

// Store pops startable tasks, flipping them to active.
type Store interface {
	Pop(ctx context.Context, queue string, amount int) ([]plans.StoredTask, error)
}

// Execute runs one task to settlement and returns the resolution to record.
// It must not panic, the handler runtime above this package absorbs those.
type Execute func(ctx context.Context, task plans.StoredTask) plans.ResolutionEnvelope

// Flush persists a batch of resolutions.
type Flush func(ctx context.Context, resolutions []plans.ResolutionEnvelope) error

type Config struct {
	Queue           string
	MaxConcurrency  int
	PollInterval    time.Duration
	RefillThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 25
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1500 * time.Millisecond
	}
	if c.RefillThreshold <= 0 || c.RefillThreshold > 1 {
		c.RefillThreshold = 0.33
	}
	return c
}

// Worker pops tasks for one queue and runs them concurrently, bounded by
// MaxConcurrency. Resolutions funnel through a batcher so storms of small
// tasks settle in few storage round trips.
type Worker struct {
	cfg     Config
	store   Store
	execute Execute
	flush   Flush
	log     *slog.Logger
	stats   *observability.WorkerStats
	prom    *observability.Prom

	loop *baseworker.Worker

	mu      sync.Mutex
	active  map[int64]struct{}
	hasMore bool
	batch   *batcher.Batcher[plans.ResolutionEnvelope]

	wg sync.WaitGroup
}

func New(log *slog.Logger, cfg Config, store Store, execute Execute, flush Flush, stats *observability.WorkerStats, prom *observability.Prom) *Worker {
	w := &Worker{
		cfg:     cfg.withDefaults(),
		store:   store,
		execute: execute,
		flush:   flush,
		log:     log,
		stats:   stats,
		prom:    prom,
		active:  make(map[int64]struct{}),
	}

	w.loop = baseworker.New(log, "tasks:"+cfg.Queue, w.cfg.PollInterval, w.step)
	return w
}

// Start begins polling. Idempotent while running, and valid again after a
// Stop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.batch == nil {
		w.batch = batcher.New(resolveBatchSize, resolveBatchWait, w.flushBatch)
	}
	w.mu.Unlock()

	w.loop.Start(ctx)
}

// Notify hints that new tasks were just inserted, waking the poll loop.
func (w *Worker) Notify() {
	w.loop.Notify()
}

// Stop halts popping, waits for every in-flight task to settle, then flushes
// the remaining resolutions.
func (w *Worker) Stop() {
	w.loop.Stop()
	w.wg.Wait()

	w.mu.Lock()
	batch := w.batch
	w.batch = nil
	w.mu.Unlock()

	if batch != nil {
		batch.Stop()
	}
}

func (w *Worker) step(ctx context.Context) (bool, error) {
	w.mu.Lock()
	capacity := w.cfg.MaxConcurrency - len(w.active)
	w.mu.Unlock()

	if capacity <= 0 {
		return false, nil
	}

	tasks, err := w.store.Pop(ctx, w.cfg.Queue, capacity)

	if err != nil {
		return false, err
	}

	w.mu.Lock()
	// a full pop suggests the table has more rows ready right now
	w.hasMore = len(tasks) == capacity
	for _, t := range tasks {
		w.active[t.ID] = struct{}{}
	}
	batch := w.batch
	w.mu.Unlock()

	for _, t := range tasks {
		if w.stats != nil {
			w.stats.IncPopped()
		}
		if w.prom != nil {
			w.prom.TasksInFlight.Inc()
		}

		w.wg.Add(1)
		go w.dispatch(ctx, batch, t)
	}

	return false, nil
}

func (w *Worker) dispatch(ctx context.Context, batch *batcher.Batcher[plans.ResolutionEnvelope], t plans.StoredTask) {
	defer w.wg.Done()

	start := time.Now()
	res := w.execute(ctx, t)
	elapsed := time.Since(start)

	w.record(t, res, elapsed)
	batch.Add(res)

	w.mu.Lock()
	delete(w.active, t.ID)
	activeNow := len(w.active)
	hasMore := w.hasMore
	w.mu.Unlock()

	if w.prom != nil {
		w.prom.TasksInFlight.Dec()
	}

	// refill before the pool drains completely

	if hasMore && float64(activeNow) < w.cfg.RefillThreshold*float64(w.cfg.MaxConcurrency) {
		w.loop.Notify()
	}
}

func (w *Worker) record(t plans.StoredTask, res plans.ResolutionEnvelope, elapsed time.Duration) {
	result := "completed"

	switch res.State {
	case 1:
		result = "retry"
		if w.stats != nil {
			w.stats.IncRetried()
		}
	case 3:
		if w.stats != nil {
			w.stats.IncCompleted()
		}
	case 4:
		result = "expired"
		if w.stats != nil {
			w.stats.IncExpired()
		}
	default:
		result = "failed"
		if w.stats != nil {
			w.stats.IncFailed()
		}
	}

	if w.stats != nil {
		w.stats.ObserveDuration(elapsed)
	}
	if w.prom != nil {
		w.prom.TaskDuration.WithLabelValues(t.Meta.TaskName, result).Observe(elapsed.Seconds())
		w.prom.TaskResults.WithLabelValues(t.Meta.TaskName, result).Inc()
	}
}

func (w *Worker) flushBatch(resolutions []plans.ResolutionEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if w.prom != nil {
		w.prom.ResolveBatchSize.Observe(float64(len(resolutions)))
	}

	if err := w.flush(ctx, resolutions); err != nil {
		// the rows stay active and maintenance will expire them later
		w.log.Error("resolve flush failed", "queue", w.cfg.Queue, "count", len(resolutions), "err", err)
	}
}
