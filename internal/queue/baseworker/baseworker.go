package baseworker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Step does one unit of a worker's work. It reports whether more work is
// immediately available, in which case the loop runs again without sleeping.
type Step func(ctx context.Context) (bool, error)

// Worker is the shared poll loop under the task, fanout and maintenance
// workers. One step is in flight at a time. Steps that error are logged and
// swallowed, a broken dependency must not kill the loop.
type Worker struct {
	name     string
	interval time.Duration
	step     Step
	log      *slog.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

func New(log *slog.Logger, name string, interval time.Duration, step Step) *Worker {
	if interval <= 0 {
		interval = time.Second
	}

	return &Worker{
		name:     name,
		interval: interval,
		step:     step,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the loop and runs the first step immediately. Starting a
// running worker is a no-op. The context bounds all steps, cancelling it
// behaves like Stop except in-flight work is interrupted too.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	w.running = true
	w.quit = make(chan struct{})
	w.done = make(chan struct{})

	go w.run(ctx, w.quit, w.done)
}

// Notify wakes a sleeping worker early. Notifies coalesce: any number of
// calls during one step trigger at most one extra run.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop prevents further steps and waits for the in-flight one to return,
// without cancelling it. The worker can be started again afterwards.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	quit, done := w.quit, w.done
	w.mu.Unlock()

	close(quit)
	<-done
}

func (w *Worker) run(ctx context.Context, quit, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		more, err := w.step(ctx)

		if err != nil {
			w.log.Error("worker step failed", "worker", w.name, "err", err)
		}

		if more {
			continue
		}

		timer := time.NewTimer(w.interval)

		select {
		case <-quit:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
