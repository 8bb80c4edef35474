package bus

import "encoding/json"

const (
	TriggerDirect = "direct"
	TriggerEvent  = "event"
)

// Trigger records how a task came to exist. It is stored under the "trace"
// key of the task's meta_data column and handed back to the handler.
type Trigger struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id,omitempty"`
	EventName string `json:"event_name,omitempty"`
}

func DirectTrigger() Trigger {
	return Trigger{Type: TriggerDirect}
}

func EventTrigger(eventID, eventName string) Trigger {
	return Trigger{Type: TriggerEvent, EventID: eventID, EventName: eventName}
}

// DecodeTrigger parses a stored trace blob, falling back to a direct trigger
// for rows written before tracing or with a mangled trace.
func DecodeTrigger(trace json.RawMessage) Trigger {
	if len(trace) == 0 {
		return DirectTrigger()
	}

	var tr Trigger
	if err := json.Unmarshal(trace, &tr); err != nil || tr.Type == "" {
		return DirectTrigger()
	}
	return tr
}
