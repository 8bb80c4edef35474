package notify

import "context"

// Notifier propagates wake-up hints between processes sharing a bus, so
// freshly inserted work is picked up ahead of the next poll tick. Hints are
// lossy by design, polling remains the source of truth.
type Notifier interface {
	// TaskCreated signals that tasks landed on the given queue.
	TaskCreated(ctx context.Context, queue string)
	// EventPublished signals new events on the shared log.
	EventPublished(ctx context.Context)
	// Listen wires incoming hints for one queue to the worker callbacks.
	Listen(ctx context.Context, queue string, onTask, onFanout func()) error
	Close() error
}
