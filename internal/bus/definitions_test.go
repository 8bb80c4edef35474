package bus

import (
	"strings"
	"testing"
)

func TestTaskDefinition_From(t *testing.T) {
	def := NewTask("send_ping", StructOf[pingPayload](), WithRetryLimit(5), WithRetryDelay(10))

	task, err := def.From(pingPayload{Channel: "email", To: "a@b.c"})
	if err != nil {
		t.Fatalf("From: %v", err)
	}

	if task.TaskName != "send_ping" {
		t.Errorf("TaskName = %q", task.TaskName)
	}
	if task.Trigger != DirectTrigger() {
		t.Errorf("Trigger = %+v, want direct", task.Trigger)
	}
	if task.Config.RetryLimit != 5 || task.Config.RetryDelaySeconds != 10 {
		t.Errorf("definition options not applied: %+v", task.Config)
	}
	// defaults still fill in what the options left alone
	if task.Config.ExpireInSeconds != 300 {
		t.Errorf("ExpireInSeconds = %d, want 300", task.Config.ExpireInSeconds)
	}
}

func TestTaskDefinition_From_CallSiteOptionsWin(t *testing.T) {
	def := NewTask("send_ping", StructOf[pingPayload](), WithRetryLimit(5))

	task, err := def.From(pingPayload{Channel: "email", To: "a@b.c"}, WithRetryLimit(1), WithSingletonKey("k"))
	if err != nil {
		t.Fatalf("From: %v", err)
	}
	if task.Config.RetryLimit != 1 {
		t.Errorf("RetryLimit = %d, want call-site override 1", task.Config.RetryLimit)
	}
	if task.Config.SingletonKey != "k" {
		t.Errorf("SingletonKey = %q, want k", task.Config.SingletonKey)
	}
}

func TestTaskDefinition_From_InvalidInput(t *testing.T) {
	def := NewTask("send_ping", StructOf[pingPayload]())

	_, err := def.From(pingPayload{Channel: "pigeon", To: "a@b.c"})
	if err == nil {
		t.Fatal("invalid payload accepted")
	}
	if !strings.HasPrefix(err.Error(), "invalid input for task send_ping: ") {
		t.Errorf("error = %q, want the invalid-input prefix with the task name", err)
	}

	// unmarshalable input hits the same message through the marshal branch
	_, err = def.From(make(chan int))
	if err == nil || !strings.HasPrefix(err.Error(), "invalid input for task send_ping: ") {
		t.Errorf("marshal failure error = %v, want the invalid-input prefix", err)
	}
}

func TestTaskDefinition_From_NilSchemaSkipsValidation(t *testing.T) {
	def := NewTask("raw_task", nil)

	task, err := def.From(map[string]any{"whatever": true})
	if err != nil {
		t.Fatalf("From: %v", err)
	}
	if string(task.Data) != `{"whatever":true}` {
		t.Errorf("Data = %s", task.Data)
	}
}

func TestEventDefinition_From(t *testing.T) {
	ev := NewEvent("ping_sent", StructOf[pingPayload](), WithRetention(7))

	e, err := ev.From(pingPayload{Channel: "sms", To: "x"})
	if err != nil {
		t.Fatalf("From: %v", err)
	}
	if e.EventName != "ping_sent" {
		t.Errorf("EventName = %q", e.EventName)
	}
	if e.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", e.RetentionDays)
	}
}

func TestEventDefinition_From_InvalidInput(t *testing.T) {
	ev := NewEvent("ping_sent", StructOf[pingPayload]())

	_, err := ev.From(pingPayload{})
	if err == nil {
		t.Fatal("invalid payload accepted")
	}
	if !strings.HasPrefix(err.Error(), "invalid input for event ping_sent: ") {
		t.Errorf("error = %q, want the invalid-input prefix with the event name", err)
	}
}
