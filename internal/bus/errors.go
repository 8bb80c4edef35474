package bus

import (
	"errors"
	"fmt"
)

var (
	ErrTaskExists    = errors.New("task already registered")
	ErrUnknownTask   = errors.New("unknown task")
	ErrQueueMismatch = errors.New("task queue does not match bus queue")
	ErrReservedQueue = errors.New("queue name is reserved")
	ErrInvalidQueue  = errors.New("invalid queue name")
	ErrInvalidSchema = errors.New("invalid schema name")
	ErrNotReady      = errors.New("bus has no storage attached yet")
	ErrNilHandler    = errors.New("nil task handler")
)

// FailedError carries the payload recorded by TaskContext.Fail through the
// handler boundary so the worker can persist it as the task's output.
type FailedError struct {
	Value any
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("task failed: %v", e.Value)
}
