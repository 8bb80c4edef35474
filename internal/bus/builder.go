package bus

import "fmt"

// TaskBuilder collects task definitions for one queue so a producer-only
// process can publish typed tasks without owning any handlers.
type TaskBuilder struct {
	queue string
	defs  map[string]TaskDefinition
	order []string
}

func NewTaskBuilder(queue string) *TaskBuilder {
	return &TaskBuilder{queue: queue, defs: make(map[string]TaskDefinition)}
}

// Define adds a task definition. Names must be unique within the builder and
// a definition carrying its own queue must agree with the builder's.
func (b *TaskBuilder) Define(def TaskDefinition) error {
	if _, ok := b.defs[def.TaskName]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, def.TaskName)
	}
	if def.Queue != "" && def.Queue != b.queue {
		return fmt.Errorf("%w: task %s declares queue %q", ErrQueueMismatch, def.TaskName, def.Queue)
	}

	def.Queue = b.queue
	b.defs[def.TaskName] = def
	b.order = append(b.order, def.TaskName)
	return nil
}

// Compile freezes the builder into an immutable client.
func (b *TaskBuilder) Compile() *TaskClient {
	defs := make(map[string]TaskDefinition, len(b.defs))
	for name, def := range b.defs {
		defs[name] = def
	}
	return &TaskClient{queue: b.queue, defs: defs}
}

// TaskClient builds sendable tasks from a compiled set of definitions.
type TaskClient struct {
	queue string
	defs  map[string]TaskDefinition
}

func (c *TaskClient) Queue() string {
	return c.queue
}

func (c *TaskClient) Definition(name string) (TaskDefinition, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// From validates input against the named definition and returns the task,
// bound to the client's queue.
func (c *TaskClient) From(name string, input any, opts ...TaskOption) (Task, error) {
	def, ok := c.defs[name]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return def.From(input, opts...)
}
