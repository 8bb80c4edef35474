package utils

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// DeadlineError reports a handler that ran past its wall-clock budget.
type DeadlineError struct {
	Limit time.Duration `json:"-"`
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("handler execution exceeded %dms", e.Limit.Milliseconds())
}

// PanicError preserves a recovered handler panic together with the stack at
// the panic site.
type PanicError struct {
	Value any    `json:"value"`
	Stack string `json:"stack"`
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v", e.Value)
}

// RunWithDeadline races fn against the given wall-clock budget. On breach
// fn's context is cancelled and its goroutine abandoned, the caller gets a
// DeadlineError immediately. Panics inside fn surface as PanicError instead
// of taking the process down. A non-positive limit runs fn inline.
func RunWithDeadline(ctx context.Context, limit time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if limit <= 0 {
		return fn(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type settled struct {
		value any
		err   error
	}

	done := make(chan settled, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- settled{err: &PanicError{Value: rec, Stack: string(debug.Stack())}}
			}
		}()

		v, err := fn(runCtx)
		done <- settled{value: v, err: err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case s := <-done:
		return s.value, s.err
	case <-timer.C:
		cancel()
		return nil, &DeadlineError{Limit: limit}
	}
}
