package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// FieldError points at one offending request field, named the way the client
// sent it (json tag), not the way the Go struct spells it.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message,omitempty"`
}

// BindJSON decodes the request body into out and writes the 400 response
// itself when the body does not bind. Handlers just bail out on false.
func BindJSON(ctx *gin.Context, out interface{}) bool {
	err := ctx.ShouldBindJSON(out)

	if err != nil {
		RespondBadRequest(ctx, "Invalid request body", bindDetails(err, out))

		return false
	}

	return true
}

func bindDetails(err error, out interface{}) interface{} {
	root := structTypeOf(out)

	var invalid validator.ValidationErrors

	if errors.As(err, &invalid) {
		fields := make([]FieldError, 0, len(invalid))

		for _, fe := range invalid {
			rule := fe.Tag()
			param := fe.Param()

			fields = append(fields, FieldError{
				Field:   validatorFieldPath(root, fe),
				Rule:    rule,
				Param:   param,
				Message: ruleMessage(rule, param),
			})
		}
		return gin.H{"fields": fields}
	}

	var syntax *json.SyntaxError

	if errors.As(err, &syntax) {
		return gin.H{
			"json": "invalid_json_syntax",
		}
	}

	var mismatch *json.UnmarshalTypeError

	if errors.As(err, &mismatch) {
		field := jsonPathFor(root, strings.Split(strings.TrimSpace(mismatch.Field), "."))

		if field == "" {
			field = strings.TrimSpace(mismatch.Field)
		}

		return gin.H{
			"json":  "invalid_json_type",
			"field": field,
			"fields": []FieldError{
				{
					Field:   field,
					Rule:    "type",
					Message: fmt.Sprintf("must be of type %s", mismatch.Type.String()),
				},
			},
		}
	}

	// nothing we recognize, hand the raw reason through
	return gin.H{"reason": err.Error()}
}

func structTypeOf(v interface{}) reflect.Type {
	t := reflect.TypeOf(v)

	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t != nil && t.Kind() == reflect.Struct {
		return t
	}

	return nil
}

// validatorFieldPath turns a validator namespace like
// "CreateTaskRequest.Config.RetryLimit" into "config.retryLimit".
func validatorFieldPath(root reflect.Type, fe validator.FieldError) string {
	namespace := fe.StructNamespace()
	if namespace == "" {
		namespace = fe.Namespace()
	}
	if namespace == "" {
		return fe.Field()
	}

	parts := strings.Split(namespace, ".")

	// the namespace leads with the root struct's own name, drop it
	if len(parts) > 0 && root != nil && root.Name() != "" && parts[0] == root.Name() {
		parts = parts[1:]
	}

	if path := jsonPathFor(root, parts); path != "" {
		return path
	}

	return fe.Field()
}

// jsonPathFor walks struct fields along parts and rebuilds the path out of
// json tag names, keeping any "[i]" index suffixes in place.
func jsonPathFor(root reflect.Type, parts []string) string {
	current := root
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if part == "" {
			continue
		}

		name, index := cutIndexSuffix(part)
		jsonName := name

		var next reflect.Type
		if current != nil {
			for current.Kind() == reflect.Pointer {
				current = current.Elem()
			}

			if current.Kind() == reflect.Struct {
				if sf, ok := current.FieldByName(name); ok {
					jsonName = jsonFieldName(sf)
					next = sf.Type
				}
			}
		}

		out = append(out, jsonName+index)

		current = nil
		if next != nil {
			current = elemStruct(next)
		}
	}

	return strings.Join(out, ".")
}

func cutIndexSuffix(part string) (string, string) {
	i := strings.Index(part, "[")
	if i == -1 {
		return part, ""
	}

	return part[:i], part[i:]
}

func jsonFieldName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "" {
		return sf.Name
	}

	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return sf.Name
	}

	return name
}

// elemStruct unwraps pointers, slices and arrays down to the element type,
// so paths like "tasks[2].config" keep resolving.
func elemStruct(t reflect.Type) reflect.Type {
	for t != nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Array:
			t = t.Elem()
		default:
			return t
		}
	}

	return nil
}

func ruleMessage(rule, param string) string {
	switch rule {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "len":
		return "must be exactly " + param
	case "oneof":
		return "must be one of " + strings.ReplaceAll(param, " ", ", ")
	default:
		if param != "" {
			return fmt.Sprintf("failed %s validation (%s)", rule, param)
		}
		return "failed " + rule + " validation"
	}
}
