package bus

import (
	"encoding/json"
	"fmt"
)

// TaskDefinition declares a named task: its payload schema plus the default
// options every instance starts from. Definitions are plain values so they
// can live in package-level vars shared by producers and workers.
type TaskDefinition struct {
	TaskName string
	Queue    string
	Schema   Schema
	Options  []TaskOption
}

func NewTask(name string, schema Schema, opts ...TaskOption) TaskDefinition {
	return TaskDefinition{TaskName: name, Schema: schema, Options: opts}
}

func (d TaskDefinition) config(extra ...TaskOption) TaskConfig {
	cfg := DefaultTaskConfig().apply(d.Options...)
	return cfg.apply(extra...)
}

// From validates input against the schema and returns a sendable task.
// Options given here override the definition's own.
func (d TaskDefinition) From(input any, opts ...TaskOption) (Task, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return Task{}, fmt.Errorf("invalid input for task %s: %v", d.TaskName, err)
	}

	if d.Schema != nil {
		if err := d.Schema.Validate(data); err != nil {
			return Task{}, fmt.Errorf("invalid input for task %s: %v", d.TaskName, err)
		}
	}

	return Task{
		TaskName: d.TaskName,
		Queue:    d.Queue,
		Data:     data,
		Config:   d.config(opts...),
		Trigger:  DirectTrigger(),
	}, nil
}

// Task is a concrete, validated unit of work ready to be sent. Queue may be
// empty, in which case the sending bus fills in its own.
type Task struct {
	TaskName string
	Queue    string
	Data     json.RawMessage
	Config   TaskConfig
	Trigger  Trigger
}

// EventDefinition declares a named event and the schema its payloads must
// satisfy at publish time.
type EventDefinition struct {
	EventName     string
	Schema        Schema
	RetentionDays int
}

type EventOption func(*EventDefinition)

// WithRetention overrides how many days published instances of the event
// stay in the log before cleanup removes them.
func WithRetention(days int) EventOption {
	return func(d *EventDefinition) { d.RetentionDays = days }
}

func NewEvent(name string, schema Schema, opts ...EventOption) EventDefinition {
	d := EventDefinition{EventName: name, Schema: schema}
	for _, opt := range opts {
		if opt != nil {
			opt(&d)
		}
	}
	return d
}

// From validates input against the schema and returns a publishable event.
func (d EventDefinition) From(input any) (Event, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return Event{}, fmt.Errorf("invalid input for event %s: %v", d.EventName, err)
	}

	if d.Schema != nil {
		if err := d.Schema.Validate(data); err != nil {
			return Event{}, fmt.Errorf("invalid input for event %s: %v", d.EventName, err)
		}
	}

	return Event{EventName: d.EventName, Data: data, RetentionDays: d.RetentionDays}, nil
}

// Event is a validated payload ready to be published. RetentionDays zero
// means the bus default applies.
type Event struct {
	EventName     string
	Data          json.RawMessage
	RetentionDays int
}

// StoredEvent is an event as read back from the log, position assigned.
type StoredEvent struct {
	ID        int64
	EventName string
	Data      json.RawMessage
	Pos       int64
}
