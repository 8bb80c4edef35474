package bus

import "encoding/json"

const (
	defaultRetryLimit        = 3
	defaultRetryDelaySeconds = 5
	defaultExpireInSeconds   = 300
)

// TaskConfig is the retry and expiry policy attached to a task at creation.
// A zero KeepInSeconds means "use the bus default" and is resolved when the
// task is encoded for storage.
type TaskConfig struct {
	RetryLimit        int
	RetryDelaySeconds int
	RetryBackoff      bool
	StartAfterSeconds int
	ExpireInSeconds   int
	KeepInSeconds     int
	SingletonKey      string
}

func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		RetryLimit:        defaultRetryLimit,
		RetryDelaySeconds: defaultRetryDelaySeconds,
		ExpireInSeconds:   defaultExpireInSeconds,
	}
}

func (c TaskConfig) apply(opts ...TaskOption) TaskConfig {
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}

// TaskOption mutates a TaskConfig. Options compose left to right, so later
// options win.
type TaskOption func(*TaskConfig)

func WithRetryLimit(n int) TaskOption {
	return func(c *TaskConfig) { c.RetryLimit = n }
}

func WithRetryDelay(seconds int) TaskOption {
	return func(c *TaskConfig) { c.RetryDelaySeconds = seconds }
}

func WithRetryBackoff(enabled bool) TaskOption {
	return func(c *TaskConfig) { c.RetryBackoff = enabled }
}

func WithStartAfter(seconds int) TaskOption {
	return func(c *TaskConfig) { c.StartAfterSeconds = seconds }
}

func WithExpireIn(seconds int) TaskOption {
	return func(c *TaskConfig) { c.ExpireInSeconds = seconds }
}

func WithKeepIn(seconds int) TaskOption {
	return func(c *TaskConfig) { c.KeepInSeconds = seconds }
}

// WithSingletonKey makes the insert a no-op while another task with the same
// key is still pending or running on the queue.
func WithSingletonKey(key string) TaskOption {
	return func(c *TaskConfig) { c.SingletonKey = key }
}

// ConfigResolver materializes the task options for one fanned-out task of an
// event subscription.
type ConfigResolver interface {
	Resolve(data json.RawMessage) []TaskOption
}

// Static applies the same options to every task the subscription produces.
func Static(opts ...TaskOption) ConfigResolver {
	return staticConfig(opts)
}

type staticConfig []TaskOption

func (s staticConfig) Resolve(json.RawMessage) []TaskOption {
	return []TaskOption(s)
}

// Dynamic derives the options from the event payload at fanout time. Useful
// for per-entity singleton keys or payload-dependent delays.
func Dynamic(fn func(data json.RawMessage) []TaskOption) ConfigResolver {
	return dynamicConfig(fn)
}

type dynamicConfig func(json.RawMessage) []TaskOption

func (d dynamicConfig) Resolve(data json.RawMessage) []TaskOption {
	if d == nil {
		return nil
	}
	return d(data)
}
