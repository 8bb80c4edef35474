package plans

import "encoding/json"

// Wire envelopes for the server-side bus functions. The short keys are part
// of the storage contract and shared with the webhook dispatcher, renaming
// them breaks mixed-version deployments.

// TaskEnvelope is one element of the jsonb array handed to create_bus_tasks.
type TaskEnvelope struct {
	Queue             string          `json:"q"`
	State             *int16          `json:"s,omitempty"`
	Data              json.RawMessage `json:"d"`
	Meta              TaskMeta        `json:"md"`
	Config            TaskPolicy      `json:"cf"`
	SingletonKey      *string         `json:"skey"`
	StartAfterSeconds int             `json:"saf"`
	ExpireInSeconds   int             `json:"eis"`
}

// TaskMeta rides in the meta_data column. Trace is the trigger descriptor,
// kept raw here so the storage layer stays agnostic of its shape.
type TaskMeta struct {
	TaskName string          `json:"tn"`
	Trace    json.RawMessage `json:"trace"`
}

// TaskPolicy is the retry and archive policy stored in the config column.
// KeepInSeconds nil defers to the storage default.
type TaskPolicy struct {
	RetryLimit    int  `json:"r_l"`
	RetryDelay    int  `json:"r_d"`
	RetryBackoff  bool `json:"r_b"`
	KeepInSeconds *int `json:"ki_s,omitempty"`
}

// EventEnvelope is one element of the jsonb array handed to
// create_bus_events. RetentionDays nil defers to the storage default.
type EventEnvelope struct {
	EventName     string          `json:"e_n"`
	Data          json.RawMessage `json:"d"`
	RetentionDays *int            `json:"rid,omitempty"`
}

// ResolutionEnvelope settles one active task via resolve_tasks. State must
// be retry or a terminal state; StartAfterSeconds only applies to retries.
type ResolutionEnvelope struct {
	ID                int64           `json:"id"`
	State             int16           `json:"s"`
	Output            json.RawMessage `json:"out"`
	StartAfterSeconds *int            `json:"saf,omitempty"`
}

// StoredTask is one row returned by get_tasks, already flipped to active.
type StoredTask struct {
	ID              int64
	RetryCount      int16
	State           int16
	Data            json.RawMessage
	Meta            TaskMeta
	Config          TaskPolicy
	ExpireInSeconds int
}

// StoredEvent is one committed event row, position assigned.
type StoredEvent struct {
	ID        int64
	EventName string
	Data      json.RawMessage
	Pos       int64
}
