package bus

import (
	"encoding/json"
	"errors"

	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/geocoder89/taskbus/internal/utils"
)

// CompletionFor translates a handler outcome into the resolution the storage
// layer applies. Success completes the task; an error either schedules a
// retry or fails it for good once the retry budget is spent. retrycount is
// the count the task was popped with, already incremented for retry runs.
func CompletionFor(id int64, retrycount int16, policy plans.TaskPolicy, result any, err error) plans.ResolutionEnvelope {
	if err == nil {
		return plans.ResolutionEnvelope{
			ID:     id,
			State:  int16(StateCompleted),
			Output: utils.NormalizeOutput(result),
		}
	}

	output := failureOutput(err)

	if int(retrycount) >= policy.RetryLimit {
		// a task that ran out of wall clock archives as expired, not failed,
		// matching what the maintenance sweep records for crashed workers
		state := StateFailed
		var deadline *utils.DeadlineError
		if errors.As(err, &deadline) {
			state = StateExpired
		}
		return plans.ResolutionEnvelope{ID: id, State: int16(state), Output: output}
	}

	delay := policy.RetryDelay
	if policy.RetryBackoff {
		delay = policy.RetryDelay * (1 << uint(retrycount))
	}

	return plans.ResolutionEnvelope{
		ID:                id,
		State:             int16(StateRetry),
		Output:            output,
		StartAfterSeconds: &delay,
	}
}

// failureOutput renders an error as the JSON object stored in the task's
// output column. Fail payloads pass through as-is unless they are errors
// themselves, which get flattened like any other.
func failureOutput(err error) json.RawMessage {
	var failed *FailedError
	if errors.As(err, &failed) {
		if inner, ok := failed.Value.(error); ok {
			return utils.FlattenError(inner)
		}
		return utils.NormalizeOutput(failed.Value)
	}

	var panicked *utils.PanicError
	if errors.As(err, &panicked) {
		return utils.FlattenErrorStack(panicked, panicked.Stack)
	}

	return utils.FlattenError(err)
}
