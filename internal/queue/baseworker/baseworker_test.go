package baseworker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorker_RunsFirstStepImmediately(t *testing.T) {
	var steps atomic.Int64
	w := New(testLogger(), "test", time.Hour, func(ctx context.Context) (bool, error) {
		steps.Add(1)
		return false, nil
	})

	w.Start(context.Background())
	defer w.Stop()

	// with an hour interval the only way this fires is the immediate first run
	waitFor(t, func() bool { return steps.Load() == 1 }, "first step did not run")
}

func TestWorker_MoreSkipsTheSleep(t *testing.T) {
	var steps atomic.Int64
	w := New(testLogger(), "test", time.Hour, func(ctx context.Context) (bool, error) {
		return steps.Add(1) < 4, nil
	})

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool { return steps.Load() == 4 }, "more=true did not keep the loop running")
}

func TestWorker_NotifyWakesEarly(t *testing.T) {
	var steps atomic.Int64
	w := New(testLogger(), "test", time.Hour, func(ctx context.Context) (bool, error) {
		steps.Add(1)
		return false, nil
	})

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool { return steps.Load() == 1 }, "first step did not run")

	w.Notify()
	waitFor(t, func() bool { return steps.Load() == 2 }, "Notify did not wake the worker")
}

func TestWorker_NotifiesCoalesce(t *testing.T) {
	var steps atomic.Int64
	started := make(chan struct{}, 8)
	release := make(chan struct{})

	w := New(testLogger(), "test", time.Hour, func(ctx context.Context) (bool, error) {
		steps.Add(1)
		started <- struct{}{}
		<-release
		return false, nil
	})

	w.Start(context.Background())
	<-started

	// a storm of notifies during one step buys at most one extra run
	for i := 0; i < 5; i++ {
		w.Notify()
	}
	release <- struct{}{}

	<-started
	release <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	if got := steps.Load(); got != 2 {
		t.Errorf("steps = %d, want 2", got)
	}

	go func() {
		for range started {
			release <- struct{}{}
		}
	}()
	w.Stop()
	close(started)
}

func TestWorker_StepErrorKeepsLoopAlive(t *testing.T) {
	var steps atomic.Int64
	w := New(testLogger(), "test", time.Hour, func(ctx context.Context) (bool, error) {
		if steps.Add(1) == 1 {
			return true, errors.New("transient")
		}
		return false, nil
	})

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool { return steps.Load() == 2 }, "loop died after a step error")
}

func TestWorker_StopWaitsForInflightStep(t *testing.T) {
	entered := make(chan struct{})
	finished := make(chan struct{})

	w := New(testLogger(), "test", time.Hour, func(ctx context.Context) (bool, error) {
		close(entered)
		time.Sleep(80 * time.Millisecond)
		close(finished)
		return false, nil
	})

	w.Start(context.Background())
	<-entered

	w.Stop()

	select {
	case <-finished:
	default:
		t.Error("Stop returned while a step was still running")
	}
}

func TestWorker_RestartsAfterStop(t *testing.T) {
	var steps atomic.Int64
	w := New(testLogger(), "test", time.Hour, func(ctx context.Context) (bool, error) {
		steps.Add(1)
		return false, nil
	})

	w.Start(context.Background())
	waitFor(t, func() bool { return steps.Load() == 1 }, "first run did not step")
	w.Stop()

	w.Start(context.Background())
	defer w.Stop()
	waitFor(t, func() bool { return steps.Load() == 2 }, "worker did not restart")

	// double Stop stays safe
	w.Stop()
	w.Stop()
}

func TestWorker_ContextCancelStopsLoop(t *testing.T) {
	var steps atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	w := New(testLogger(), "test", 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		steps.Add(1)
		return false, nil
	})

	w.Start(ctx)
	waitFor(t, func() bool { return steps.Load() >= 1 }, "worker never stepped")

	cancel()
	time.Sleep(30 * time.Millisecond)
	after := steps.Load()
	time.Sleep(50 * time.Millisecond)
	if got := steps.Load(); got != after {
		t.Errorf("worker kept stepping after cancel: %d -> %d", after, got)
	}

	// Stop after a context exit must not hang
	w.Stop()
}
