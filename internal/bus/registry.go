package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/geocoder89/taskbus/internal/utils"
)

// Handler executes one task invocation. data is the payload exactly as it
// was published. The context is cancelled when the execution deadline hits,
// cooperative handlers should watch it.
type Handler func(ctx context.Context, data json.RawMessage, tc *TaskContext) (any, error)

// Subscription attaches a task to an event: every published instance of the
// event becomes one instance of the task on the subscribing queue.
type Subscription struct {
	TaskName string
	Handler  Handler
	Config   ConfigResolver
}

type registeredTask struct {
	def     TaskDefinition
	handler Handler
	config  TaskConfig
}

type subscription struct {
	eventName string
	taskName  string
	resolver  ConfigResolver
}

// Registry is the per-queue routing table: task name to handler, plus the
// event subscriptions that fan out into tasks. Registration is expected at
// startup but is safe at any time.
type Registry struct {
	queue string

	mu    sync.RWMutex
	tasks map[string]*registeredTask
	subs  []subscription
}

func NewRegistry(queue string) *Registry {
	return &Registry{queue: queue, tasks: make(map[string]*registeredTask)}
}

func (r *Registry) Queue() string {
	return r.queue
}

// RegisterTask binds a handler to a task definition. Extra options layer on
// top of the definition's own defaults.
func (r *Registry) RegisterTask(def TaskDefinition, handler Handler, opts ...TaskOption) error {
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, def.TaskName)
	}
	if def.TaskName == "" {
		return fmt.Errorf("task definition has no name")
	}
	if def.Queue != "" && def.Queue != r.queue {
		return fmt.Errorf("%w: task %s declares queue %q, registry is bound to %q",
			ErrQueueMismatch, def.TaskName, def.Queue, r.queue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[def.TaskName]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, def.TaskName)
	}

	def.Queue = r.queue
	r.tasks[def.TaskName] = &registeredTask{
		def:     def,
		handler: handler,
		config:  def.config(opts...),
	}
	return nil
}

// On subscribes a task to an event. The fanned-out task shares the event's
// payload and is registered like any other task, so its name must be free.
func (r *Registry) On(event EventDefinition, sub Subscription) error {
	if sub.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, sub.TaskName)
	}
	if event.EventName == "" || sub.TaskName == "" {
		return fmt.Errorf("subscription needs an event name and a task name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[sub.TaskName]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, sub.TaskName)
	}

	resolver := sub.Config
	if resolver == nil {
		resolver = Static()
	}

	r.tasks[sub.TaskName] = &registeredTask{
		def:     TaskDefinition{TaskName: sub.TaskName, Queue: r.queue},
		handler: sub.Handler,
		config:  DefaultTaskConfig(),
	}
	r.subs = append(r.subs, subscription{
		eventName: event.EventName,
		taskName:  sub.TaskName,
		resolver:  resolver,
	})
	return nil
}

// From builds a sendable task from a registered definition, validating the
// input against its schema.
func (r *Registry) From(name string, input any, opts ...TaskOption) (Task, error) {
	r.mu.RLock()
	rt, ok := r.tasks[name]
	r.mu.RUnlock()

	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return rt.def.From(input, opts...)
}

// TaskPolicy returns the stored retry policy of a registered task. Used by
// the webhook path, which resolves tasks without a storage round trip.
func (r *Registry) TaskPolicy(name string) (plans.TaskPolicy, bool) {
	r.mu.RLock()
	rt, ok := r.tasks[name]
	r.mu.RUnlock()

	if !ok {
		return plans.TaskPolicy{}, false
	}
	return policyOf(rt.config), true
}

// EventsToTasks projects committed events onto outgoing tasks, one per
// matching subscription, preserving event order. Payloads were validated at
// publish time and are not validated again here.
func (r *Registry) EventsToTasks(events []StoredEvent) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Task
	for _, ev := range events {
		for _, sub := range r.subs {
			if sub.eventName != ev.EventName {
				continue
			}

			cfg := DefaultTaskConfig().apply(sub.resolver.Resolve(ev.Data)...)
			out = append(out, Task{
				TaskName: sub.taskName,
				Queue:    r.queue,
				Data:     ev.Data,
				Config:   cfg,
				Trigger:  EventTrigger(strconv.FormatInt(ev.ID, 10), ev.EventName),
			})
		}
	}
	return out
}

// HandleTask routes one invocation to its handler, enforcing the task's
// execution deadline. A Resolve or Fail recorded on the context beats the
// handler's own return value.
func (r *Registry) HandleTask(ctx context.Context, data json.RawMessage, tc *TaskContext) (any, error) {
	r.mu.RLock()
	rt, ok := r.tasks[tc.TaskName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, tc.TaskName)
	}

	deadline := time.Duration(tc.ExpireInSeconds) * time.Second
	result, err := utils.RunWithDeadline(ctx, deadline, func(ctx context.Context) (any, error) {
		return rt.handler(ctx, data, tc)
	})

	switch kind, v := tc.cell.get(); kind {
	case outcomeCompleted:
		return v, nil
	case outcomeFailed:
		return nil, &FailedError{Value: v}
	}
	return result, err
}

// RegisteredTask is one entry of the registry snapshot.
type RegisteredTask struct {
	TaskName string           `json:"task_name"`
	Queue    string           `json:"queue"`
	Config   plans.TaskPolicy `json:"config"`
	ExpireIn int              `json:"expire_in_seconds"`
}

// RegisteredEvent lists the tasks fanning out from one event.
type RegisteredEvent struct {
	EventName string   `json:"event_name"`
	Tasks     []string `json:"tasks"`
}

// State snapshots the registry for the webhook transport, which registers
// the set with the external dispatcher.
type State struct {
	Queue  string            `json:"queue"`
	Tasks  []RegisteredTask  `json:"tasks"`
	Events []RegisteredEvent `json:"events"`
}

func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := State{Queue: r.queue}

	for name, rt := range r.tasks {
		st.Tasks = append(st.Tasks, RegisteredTask{
			TaskName: name,
			Queue:    r.queue,
			Config:   policyOf(rt.config),
			ExpireIn: rt.config.ExpireInSeconds,
		})
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].TaskName < st.Tasks[j].TaskName })

	byEvent := map[string][]string{}
	for _, sub := range r.subs {
		byEvent[sub.eventName] = append(byEvent[sub.eventName], sub.taskName)
	}
	for name, tasks := range byEvent {
		sort.Strings(tasks)
		st.Events = append(st.Events, RegisteredEvent{EventName: name, Tasks: tasks})
	}
	sort.Slice(st.Events, func(i, j int) bool { return st.Events[i].EventName < st.Events[j].EventName })

	return st
}
