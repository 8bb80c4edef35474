package bus

import "sync"

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeCompleted
	outcomeFailed
)

// outcome is a one-shot cell. The first Resolve or Fail wins and later
// writes are silently ignored, including from other goroutines.
type outcome struct {
	mu    sync.Mutex
	kind  outcomeKind
	value any
}

func (o *outcome) complete(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.kind == outcomeNone {
		o.kind = outcomeCompleted
		o.value = v
	}
}

func (o *outcome) fail(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.kind == outcomeNone {
		o.kind = outcomeFailed
		o.value = v
	}
}

func (o *outcome) get() (outcomeKind, any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.kind, o.value
}

// TaskContext carries the identity of one task invocation into its handler.
type TaskContext struct {
	ID              int64
	TaskName        string
	Trigger         Trigger
	Retried         int16
	ExpireInSeconds int

	cell outcome
}

// Resolve settles the task as completed with the given payload. It sticks:
// an error returned by the handler afterwards does not undo it.
func (tc *TaskContext) Resolve(v any) {
	tc.cell.complete(v)
}

// Fail settles the task as failed with the given payload, even if the
// handler later returns normally. A Resolve that happened first wins.
func (tc *TaskContext) Fail(v any) {
	tc.cell.fail(v)
}
