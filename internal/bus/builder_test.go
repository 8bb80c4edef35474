package bus

import (
	"errors"
	"testing"
)

func TestTaskBuilder_Define(t *testing.T) {
	b := NewTaskBuilder("orders")

	if err := b.Define(NewTask("charge", nil)); err != nil {
		t.Fatalf("Define: %v", err)
	}

	if err := b.Define(NewTask("charge", nil)); !errors.Is(err, ErrTaskExists) {
		t.Errorf("duplicate Define = %v, want ErrTaskExists", err)
	}

	mismatched := NewTask("refund", nil)
	mismatched.Queue = "billing"
	if err := b.Define(mismatched); !errors.Is(err, ErrQueueMismatch) {
		t.Errorf("mismatched queue Define = %v, want ErrQueueMismatch", err)
	}
}

func TestTaskClient_From(t *testing.T) {
	b := NewTaskBuilder("orders")
	if err := b.Define(NewTask("charge", StructOf[pingPayload](), WithRetryLimit(2))); err != nil {
		t.Fatalf("Define: %v", err)
	}

	client := b.Compile()
	if client.Queue() != "orders" {
		t.Errorf("Queue = %q", client.Queue())
	}

	task, err := client.From("charge", pingPayload{Channel: "email", To: "a@b.c"})
	if err != nil {
		t.Fatalf("From: %v", err)
	}
	if task.Queue != "orders" {
		t.Errorf("task bound to %q, want the builder queue", task.Queue)
	}
	if task.Config.RetryLimit != 2 {
		t.Errorf("RetryLimit = %d, want 2", task.Config.RetryLimit)
	}

	if _, err := client.From("nope", nil); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("unknown From = %v, want ErrUnknownTask", err)
	}
}

func TestTaskClient_FrozenAtCompile(t *testing.T) {
	b := NewTaskBuilder("orders")
	_ = b.Define(NewTask("charge", nil))

	client := b.Compile()

	// definitions added after Compile stay invisible to the client
	_ = b.Define(NewTask("refund", nil))
	if _, ok := client.Definition("refund"); ok {
		t.Error("client sees a definition added after Compile")
	}
	if _, ok := client.Definition("charge"); !ok {
		t.Error("client lost a definition it was compiled with")
	}
}
