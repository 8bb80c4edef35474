package utils

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
)

// NormalizeOutput shapes a handler return value for the output column.
// Objects and null pass through, everything else is wrapped as {"value": x}
// so the column always holds a JSON object or null.
func NormalizeOutput(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}

	b, err := json.Marshal(v)
	if err != nil {
		wrapped, _ := json.Marshal(map[string]string{"value": fmt.Sprintf("%v", v)})
		return wrapped
	}

	if isJSONObject(b) || string(b) == "null" {
		return b
	}

	wrapped, _ := json.Marshal(map[string]json.RawMessage{"value": b})
	return wrapped
}

func isJSONObject(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c == '{'
		}
	}
	return false
}

// FlattenError renders an error as a plain JSON object with at least a
// message and a stack, merging any exported fields the error marshals to.
// The stack is captured here, at the recording site.
func FlattenError(err error) json.RawMessage {
	return FlattenErrorStack(err, string(debug.Stack()))
}

// FlattenErrorStack is FlattenError with a caller-supplied stack, for errors
// that carry their own capture.
func FlattenErrorStack(err error, stack string) json.RawMessage {
	out := map[string]json.RawMessage{}

	if b, merr := json.Marshal(err); merr == nil && isJSONObject(b) {
		var fields map[string]json.RawMessage
		if json.Unmarshal(b, &fields) == nil {
			for k, v := range fields {
				out[k] = v
			}
		}
	}

	msg, _ := json.Marshal(err.Error())
	out["message"] = msg

	if _, ok := out["stack"]; !ok && stack != "" {
		s, _ := json.Marshal(stack)
		out["stack"] = s
	}

	b, _ := json.Marshal(out)
	return b
}
