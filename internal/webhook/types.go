package webhook

import "encoding/json"

// Envelope is what the external dispatcher posts to the receiver endpoint.
// Exactly one of Task or Event marks what Body holds.
type Envelope struct {
	Task  bool            `json:"t,omitempty"`
	Event bool            `json:"e,omitempty"`
	Body  json.RawMessage `json:"b"`
}

// IncomingTask is a task invocation pushed over HTTP instead of popped from
// storage. The field keys mirror the storage wire codes.
type IncomingTask struct {
	ID              int64           `json:"id"`
	TaskName        string          `json:"tn"`
	Data            json.RawMessage `json:"d"`
	ExpireInSeconds int             `json:"es"`
	Retried         int16           `json:"r"`
	Trigger         json.RawMessage `json:"tr"`
}

// IncomingEvent is a published event pushed for projection. The resulting
// tasks are sent back to the dispatcher rather than stored locally.
type IncomingEvent struct {
	ID        int64           `json:"id"`
	EventName string          `json:"n"`
	Data      json.RawMessage `json:"d"`
}
