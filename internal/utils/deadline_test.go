package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunWithDeadline_ReturnsHandlerResult(t *testing.T) {
	v, err := RunWithDeadline(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		return "done", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "done" {
		t.Fatalf("got %v, want done", v)
	}
}

func TestRunWithDeadline_BreachYieldsDeadlineError(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})

	_, err := RunWithDeadline(context.Background(), 50*time.Millisecond, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	var de *DeadlineError
	if !errors.As(err, &de) {
		t.Fatalf("want DeadlineError, got %v", err)
	}

	if got, want := de.Error(), "handler execution exceeded 50ms"; got != want {
		t.Fatalf("message %q, want %q", got, want)
	}

	<-started
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled after the breach")
	}
}

func TestRunWithDeadline_PanicBecomesPanicError(t *testing.T) {
	_, err := RunWithDeadline(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		panic("boom")
	})

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("want PanicError, got %v", err)
	}
	if pe.Value != "boom" {
		t.Fatalf("value %v, want boom", pe.Value)
	}
	if pe.Stack == "" {
		t.Fatal("expected a captured stack")
	}
	if pe.Error() != "boom" {
		t.Fatalf("Error() %q, want boom", pe.Error())
	}
}

func TestRunWithDeadline_NonPositiveLimitRunsInline(t *testing.T) {
	ran := false

	_, err := RunWithDeadline(context.Background(), 0, func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
}
