package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geocoder89/taskbus/internal/db"
	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/geocoder89/taskbus/internal/queue/fanout"
	"github.com/geocoder89/taskbus/internal/queue/maintenance"
	"github.com/geocoder89/taskbus/internal/queue/notify"
	"github.com/geocoder89/taskbus/internal/queue/taskworker"
	"github.com/geocoder89/taskbus/internal/repo/postgres"
	"github.com/geocoder89/taskbus/internal/utils"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReservedQueue is used internally and rejected for user buses.
const ReservedQueue = "__maintenance__"

const (
	defaultSchema        = "taskbus"
	defaultRetentionDays = 30
	defaultKeepInSeconds = 7 * 24 * 60 * 60

	taskWakeWait     = 75 * time.Millisecond
	taskWakeMaxWait  = 150 * time.Millisecond
	eventWakeWait    = 75 * time.Millisecond
	eventWakeMaxWait = 300 * time.Millisecond
)

// Options configures a Bus. Pool and DSN are alternatives: a provided pool
// is shared and never closed by the bus, a DSN makes the bus own its pool.
type Options struct {
	Queue  string
	Schema string

	Pool *pgxpool.Pool
	DSN  string

	Logger   *slog.Logger
	Metrics  *observability.Prom
	Notifier notify.Notifier

	RetentionDays int
	KeepInSeconds int

	Concurrency     int
	PollInterval    time.Duration
	RefillThreshold float64
	EventsFetchSize int
	ExpireInterval  time.Duration
	CleanupInterval time.Duration
	CursorLockTTL   time.Duration
}

// Bus owns one queue: sending and publishing, the workers draining it, and
// the schema migrations underneath. Several buses may share a database and
// schema, each with its own queue name.
type Bus struct {
	opts     Options
	log      *slog.Logger
	registry *Registry
	stats    *observability.WorkerStats

	mu       sync.Mutex
	pool     *pgxpool.Pool
	ownsPool bool
	started  bool

	tasks   *postgres.TasksRepo
	events  *postgres.EventsRepo
	cursors *postgres.CursorsRepo

	taskWorker   *taskworker.Worker
	fanoutWorker *fanout.Worker
	maint        *maintenance.Worker

	taskWake   *utils.Debouncer
	fanoutWake *utils.Debouncer
}

func New(opts Options) (*Bus, error) {
	if opts.Queue == "" {
		return nil, ErrInvalidQueue
	}
	if opts.Queue == ReservedQueue {
		return nil, fmt.Errorf("%w: %s", ErrReservedQueue, opts.Queue)
	}
	if opts.Schema == "" {
		opts.Schema = defaultSchema
	}
	if !plans.ValidSchemaName(opts.Schema) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchema, opts.Schema)
	}
	if opts.Pool == nil && opts.DSN == "" {
		return nil, fmt.Errorf("bus needs a pool or a dsn")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = defaultRetentionDays
	}
	if opts.KeepInSeconds <= 0 {
		opts.KeepInSeconds = defaultKeepInSeconds
	}

	b := &Bus{
		opts:     opts,
		log:      opts.Logger,
		registry: NewRegistry(opts.Queue),
		stats:    observability.NewWorkerStats(),
	}

	if opts.Pool != nil {
		b.pool = opts.Pool
		b.buildRepos()
	}

	return b, nil
}

func (b *Bus) buildRepos() {
	p := plans.New(b.opts.Schema)

	b.tasks = postgres.NewTasksRepo(b.pool, p, b.opts.Metrics)
	b.events = postgres.NewEventsRepo(b.pool, p, b.opts.Metrics)
	b.cursors = postgres.NewCursorsRepo(b.pool, p, b.opts.Metrics)
}

func (b *Bus) Registry() *Registry {
	return b.registry
}

func (b *Bus) Queue() string {
	return b.opts.Queue
}

func (b *Bus) Stats() observability.WorkerStatsSnapshot {
	return b.stats.Snapshot()
}

// WorkerStats exposes the live counters, for readiness endpoints that want
// to snapshot on every scrape.
func (b *Bus) WorkerStats() *observability.WorkerStats {
	return b.stats
}

// RegisterTask binds a handler on this bus's queue. See Registry.RegisterTask.
func (b *Bus) RegisterTask(def TaskDefinition, handler Handler, opts ...TaskOption) error {
	return b.registry.RegisterTask(def, handler, opts...)
}

// On subscribes a task to an event. See Registry.On.
func (b *Bus) On(event EventDefinition, sub Subscription) error {
	return b.registry.On(event, sub)
}

// Send stores tasks durably. Tasks without a queue go to this bus's queue,
// tasks addressed elsewhere are stored all the same and picked up by that
// queue's workers. Visible to workers as soon as the call returns.
func (b *Bus) Send(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}

	b.mu.Lock()
	repo := b.tasks
	b.mu.Unlock()

	if repo == nil {
		return ErrNotReady
	}

	queues := map[string]struct{}{}
	envs := make([]plans.TaskEnvelope, 0, len(tasks))

	for _, t := range tasks {
		env := TaskEnvelope(t, b.opts.Queue, b.opts.KeepInSeconds)
		if env.Queue == ReservedQueue {
			return fmt.Errorf("%w: %s", ErrReservedQueue, env.Queue)
		}
		envs = append(envs, env)
		queues[env.Queue] = struct{}{}
	}

	if err := repo.Create(ctx, envs); err != nil {
		return err
	}

	if _, ok := queues[b.opts.Queue]; ok && b.taskWake != nil {
		b.taskWake.Trigger()
	}

	if b.opts.Notifier != nil {
		for q := range queues {
			b.opts.Notifier.TaskCreated(ctx, q)
		}
	}

	return nil
}

// Publish appends events to the shared log. Position assignment happens at
// commit, so subscribers see them strictly in commit order.
func (b *Bus) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	repo := b.events
	b.mu.Unlock()

	if repo == nil {
		return ErrNotReady
	}

	if err := repo.Create(ctx, EventEnvelopes(events, b.opts.RetentionDays)); err != nil {
		return err
	}

	if b.fanoutWake != nil {
		b.fanoutWake.Trigger()
	}
	if b.opts.Notifier != nil {
		b.opts.Notifier.EventPublished(ctx)
	}

	return nil
}

// Start migrates the schema, plants the queue's cursor at the head of the
// event log if missing, and launches the workers. Idempotent while running,
// and valid again after Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	if b.pool == nil {
		pool, err := db.NewPool(b.opts.DSN, 0)
		if err != nil {
			return fmt.Errorf("bus pool: %w", err)
		}
		b.pool = pool
		b.ownsPool = true
		b.buildRepos()
	}

	if err := db.Migrate(ctx, b.pool, b.opts.Schema, db.Migrations(b.opts.Schema), b.log); err != nil {
		return err
	}

	lastPos, err := b.events.LastPos(ctx)
	if err != nil {
		return err
	}

	// a queue joining for the first time starts at the current head of the
	// log, history is not replayed
	if err := b.cursors.Ensure(ctx, b.opts.Queue, lastPos); err != nil {
		return err
	}

	b.buildWorkers()

	b.maint.Start(ctx)
	b.taskWorker.Start(ctx)
	b.fanoutWorker.Start(ctx)

	b.taskWake = utils.NewDebouncer(taskWakeWait, taskWakeMaxWait, b.taskWorker.Notify)
	b.fanoutWake = utils.NewDebouncer(eventWakeWait, eventWakeMaxWait, b.fanoutWorker.Notify)

	if b.opts.Notifier != nil {
		if err := b.opts.Notifier.Listen(ctx, b.opts.Queue, b.taskWorker.Notify, b.fanoutWorker.Notify); err != nil {
			b.log.Warn("wakeup listener unavailable, polling only", "err", err)
		}
	}

	b.started = true
	b.log.Info("bus started", "queue", b.opts.Queue, "schema", b.opts.Schema)
	return nil
}

func (b *Bus) buildWorkers() {
	if b.taskWorker != nil {
		return
	}

	b.taskWorker = taskworker.New(
		b.log,
		taskworker.Config{
			Queue:           b.opts.Queue,
			MaxConcurrency:  b.opts.Concurrency,
			PollInterval:    b.opts.PollInterval,
			RefillThreshold: b.opts.RefillThreshold,
		},
		b.tasks,
		b.executeTask,
		b.tasks.Resolve,
		b.stats,
		b.opts.Metrics,
	)

	b.fanoutWorker = fanout.New(
		b.log,
		fanout.Config{
			Queue:        b.opts.Queue,
			FetchSize:    b.opts.EventsFetchSize,
			PollInterval: b.opts.PollInterval,
			LockTTL:      b.opts.CursorLockTTL,
		},
		b.cursors,
		b.events,
		b.projectEvents,
		b.opts.Metrics,
	)

	b.maint = maintenance.New(
		b.log,
		maintenance.Config{
			ExpireInterval:  b.opts.ExpireInterval,
			CleanupInterval: b.opts.CleanupInterval,
		},
		maintenanceStore{tasks: b.tasks, events: b.events, cursors: b.cursors},
	)
}

// Stop halts the workers, waiting for in-flight tasks to settle and the
// final resolution batch to flush. Pending sends are unaffected, stored
// tasks simply wait for the next start.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false

	taskWake, fanoutWake := b.taskWake, b.fanoutWake
	b.taskWake, b.fanoutWake = nil, nil

	tw, fw, mw := b.taskWorker, b.fanoutWorker, b.maint
	b.mu.Unlock()

	taskWake.Stop()
	fanoutWake.Stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); fw.Stop() }()
	go func() { defer wg.Done(); mw.Stop() }()
	go func() { defer wg.Done(); tw.Stop() }()
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ownsPool && b.pool != nil {
		b.pool.Close()
		b.pool = nil
		b.ownsPool = false
		b.tasks, b.events, b.cursors = nil, nil, nil
		b.taskWorker, b.fanoutWorker, b.maint = nil, nil, nil
	}

	b.log.Info("bus stopped", "queue", b.opts.Queue)
	return nil
}

// executeTask adapts one stored task to the registry's handler runtime and
// shapes the resolution the storage layer will apply.
func (b *Bus) executeTask(ctx context.Context, st plans.StoredTask) plans.ResolutionEnvelope {
	tc := &TaskContext{
		ID:              st.ID,
		TaskName:        st.Meta.TaskName,
		Trigger:         DecodeTrigger(st.Meta.Trace),
		Retried:         st.RetryCount,
		ExpireInSeconds: st.ExpireInSeconds,
	}

	result, err := b.registry.HandleTask(ctx, st.Data, tc)

	if err != nil {
		b.log.Warn("task errored",
			"task", st.Meta.TaskName, "id", st.ID, "retrycount", st.RetryCount, "err", err)
	}

	return CompletionFor(st.ID, st.RetryCount, st.Config, result, err)
}

func (b *Bus) projectEvents(events []plans.StoredEvent) []plans.TaskEnvelope {
	stored := make([]StoredEvent, len(events))
	for i, ev := range events {
		stored[i] = StoredEvent{ID: ev.ID, EventName: ev.EventName, Data: ev.Data, Pos: ev.Pos}
	}

	return TaskEnvelopes(b.registry.EventsToTasks(stored), b.opts.Queue, b.opts.KeepInSeconds)
}

// maintenanceStore narrows the three repos to what maintenance needs.
type maintenanceStore struct {
	tasks   *postgres.TasksRepo
	events  *postgres.EventsRepo
	cursors *postgres.CursorsRepo
}

func (s maintenanceStore) ExpireStuck(ctx context.Context, limit int) (int, error) {
	return s.tasks.ExpireStuck(ctx, limit)
}

func (s maintenanceStore) ReleaseStaleCursorLocks(ctx context.Context) (int64, error) {
	return s.cursors.ReleaseStale(ctx)
}

func (s maintenanceStore) DeleteExpiredEvents(ctx context.Context) (int64, error) {
	return s.events.DeleteExpired(ctx)
}

func (s maintenanceStore) PurgeArchive(ctx context.Context) (int64, error) {
	return s.tasks.PurgeArchive(ctx)
}
