package observability

import (
	"sync/atomic"
	"time"
)

// WorkerStats is the cheap in-process view of task throughput, exposed on
// the worker's readiness endpoint. Prometheus carries the real metrics, this
// exists so an operator curling readyz sees numbers without scraping.
type WorkerStats struct {
	popped    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	expired   atomic.Uint64

	// duration stats (nanoseconds)
	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewWorkerStats() *WorkerStats {
	m := &WorkerStats{}
	m.durationMax.Store(0)
	return m
}

func (m *WorkerStats) IncPopped() {
	m.popped.Add(1)
}
func (m *WorkerStats) IncCompleted() {
	m.completed.Add(1)
}
func (m *WorkerStats) IncFailed() {
	m.failed.Add(1)
}

func (m *WorkerStats) IncRetried() {
	m.retried.Add(1)
}

func (m *WorkerStats) IncExpired() {
	m.expired.Add(1)
}

func (m *WorkerStats) ObserveDuration(d time.Duration) {
	ns := d.Nanoseconds()
	m.durationCount.Add(1)
	m.durationTotal.Add(ns)

	// max update

	for {
		curr := m.durationMax.Load()

		if ns <= curr {
			return
		}

		if m.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type WorkerStatsSnapshot struct {
	Popped          uint64        `json:"popped"`
	Completed       uint64        `json:"completed"`
	Failed          uint64        `json:"failed"`
	Retried         uint64        `json:"retried"`
	Expired         uint64        `json:"expired"`
	DurationCount   uint64        `json:"duration_count"`
	AverageDuration time.Duration `json:"average_duration_ns"`
	MaxDuration     time.Duration `json:"max_duration_ns"`
}

func (m *WorkerStats) Snapshot() WorkerStatsSnapshot {
	count := m.durationCount.Load()
	total := m.durationTotal.Load()
	max := m.durationMax.Load()

	var avg time.Duration

	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return WorkerStatsSnapshot{
		Popped:          m.popped.Load(),
		Completed:       m.completed.Load(),
		Failed:          m.failed.Load(),
		Retried:         m.retried.Load(),
		Expired:         m.expired.Load(),
		DurationCount:   count,
		AverageDuration: avg,
		MaxDuration:     time.Duration(max),
	}

}
