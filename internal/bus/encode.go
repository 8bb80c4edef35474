package bus

import (
	"encoding/json"

	"github.com/geocoder89/taskbus/internal/plans"
)

func policyOf(c TaskConfig) plans.TaskPolicy {
	p := plans.TaskPolicy{
		RetryLimit:   c.RetryLimit,
		RetryDelay:   c.RetryDelaySeconds,
		RetryBackoff: c.RetryBackoff,
	}
	if c.KeepInSeconds > 0 {
		keep := c.KeepInSeconds
		p.KeepInSeconds = &keep
	}
	return p
}

// TaskEnvelope encodes one task for the create_bus_tasks plan. Tasks without
// a queue land on fallbackQueue; tasks without an explicit archive retention
// inherit keepInSeconds when it is set, otherwise the storage default holds.
func TaskEnvelope(t Task, fallbackQueue string, keepInSeconds int) plans.TaskEnvelope {
	queue := t.Queue
	if queue == "" {
		queue = fallbackQueue
	}

	cfg := t.Config
	if cfg.KeepInSeconds == 0 {
		cfg.KeepInSeconds = keepInSeconds
	}

	var skey *string
	if cfg.SingletonKey != "" {
		key := cfg.SingletonKey
		skey = &key
	}

	trace, _ := json.Marshal(t.Trigger)

	return plans.TaskEnvelope{
		Queue:             queue,
		Data:              t.Data,
		Meta:              plans.TaskMeta{TaskName: t.TaskName, Trace: trace},
		Config:            policyOf(cfg),
		SingletonKey:      skey,
		StartAfterSeconds: cfg.StartAfterSeconds,
		ExpireInSeconds:   cfg.ExpireInSeconds,
	}
}

// TaskEnvelopes encodes a batch, preserving order.
func TaskEnvelopes(tasks []Task, fallbackQueue string, keepInSeconds int) []plans.TaskEnvelope {
	envs := make([]plans.TaskEnvelope, 0, len(tasks))
	for _, t := range tasks {
		envs = append(envs, TaskEnvelope(t, fallbackQueue, keepInSeconds))
	}
	return envs
}

// EventEnvelopes encodes a batch of events for the create_bus_events plan.
// retentionDays fills in for events that did not set their own.
func EventEnvelopes(events []Event, retentionDays int) []plans.EventEnvelope {
	envs := make([]plans.EventEnvelope, 0, len(events))
	for _, ev := range events {
		env := plans.EventEnvelope{EventName: ev.EventName, Data: ev.Data}

		days := ev.RetentionDays
		if days == 0 {
			days = retentionDays
		}
		if days > 0 {
			d := days
			env.RetentionDays = &d
		}
		envs = append(envs, env)
	}
	return envs
}
