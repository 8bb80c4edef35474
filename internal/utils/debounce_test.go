package utils

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	var fires atomic.Int32

	d := NewDebouncer(30*time.Millisecond, 500*time.Millisecond, func() {
		fires.Add(1)
	})
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger()
	}

	time.Sleep(150 * time.Millisecond)

	if got := fires.Load(); got != 1 {
		t.Fatalf("burst fired %d times, want 1", got)
	}
}

func TestDebouncer_MaxWaitBoundsSteadyStream(t *testing.T) {
	var fires atomic.Int32

	d := NewDebouncer(40*time.Millisecond, 100*time.Millisecond, func() {
		fires.Add(1)
	})
	defer d.Stop()

	// keep triggering faster than the wait so the trailing edge alone
	// would never fire
	deadline := time.Now().Add(350 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.Trigger()
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	if got := fires.Load(); got < 2 {
		t.Fatalf("steady stream fired %d times, want at least 2", got)
	}
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	var fires atomic.Int32

	d := NewDebouncer(30*time.Millisecond, 500*time.Millisecond, func() {
		fires.Add(1)
	})

	d.Trigger()
	d.Stop()

	time.Sleep(100 * time.Millisecond)

	if got := fires.Load(); got != 0 {
		t.Fatalf("fired %d times after Stop, want 0", got)
	}

	// triggers after Stop stay ignored
	d.Trigger()
	time.Sleep(60 * time.Millisecond)

	if got := fires.Load(); got != 0 {
		t.Fatalf("fired %d times after post-Stop trigger, want 0", got)
	}
}
