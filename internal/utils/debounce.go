package utils

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into one callback. A trigger arms a
// short wait that later triggers keep extending, bounded by a maximum
// latency measured from the first trigger of the burst, so a steady stream
// still fires periodically.
type Debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	stopped  bool
}

func NewDebouncer(wait, maxWait time.Duration, fn func()) *Debouncer {
	return &Debouncer{wait: wait, maxWait: maxWait, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()

	if d.timer == nil {
		d.deadline = now.Add(d.maxWait)
		d.timer = time.AfterFunc(d.wait, d.fire)
		return
	}

	next := d.wait
	if remaining := d.deadline.Sub(now); remaining < next {
		next = remaining
	}
	if next < 0 {
		next = 0
	}
	d.timer.Reset(next)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	// a Reset racing an expired timer can queue a second fire, skip it
	if d.stopped || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Stop cancels any pending callback. Triggers after Stop are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
