package bus

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
)

// Schema validates a task or event payload before it is accepted onto the
// bus. Payloads read back from storage are trusted and never re-validated.
type Schema interface {
	Validate(data []byte) error
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// StructOf builds a schema from a struct type: the payload must decode into
// T without unknown fields and pass T's validate tags.
func StructOf[T any]() Schema {
	return structSchema[T]{}
}

type structSchema[T any] struct{}

func (structSchema[T]) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var v T
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return payloadValidator.Struct(v)
}

// Object accepts any JSON object payload without looking inside.
func Object() Schema {
	return objectSchema{}
}

type objectSchema struct{}

func (objectSchema) Validate(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return errors.New("expected a JSON object")
	}
	return nil
}
