package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mvidakovic/agentloop/internal/toolexec"
	"github.com/mvidakovic/agentloop/providers"
)

// ErrInvalidSchemaType is returned when a schema cannot be built from the
// provided type.
var ErrInvalidSchemaType = errors.New("agentloop: schema requires a struct type")

// SchemaFromStruct builds a JSON-schema parameter object from a struct value
// or pointer, for use as ToolDefinition.Parameters.
//
// Supported struct tags:
//   - json: field name ("-" skips the field, omitempty makes it optional)
//   - required: "true" forces the field into the required list
//   - desc: field description
//   - enum: comma-separated allowed values
func SchemaFromStruct(sample any) (map[string]any, error) {
	if sample == nil {
		return nil, ErrInvalidSchemaType
	}

	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, ErrInvalidSchemaType
	}

	return structSchema(t, map[reflect.Type]struct{}{}), nil
}

// ToolFromStruct derives a tool definition from the argument struct type.
func ToolFromStruct[T any](name, description string) (providers.ToolDefinition, error) {
	var zero T
	schema, err := SchemaFromStruct(zero)
	if err != nil {
		return providers.ToolDefinition{}, err
	}
	return providers.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  schema,
	}, nil
}

// TypedHandler wraps a handler taking decoded arguments into the executor's
// handler shape. Decoding failures and handler errors become error-flagged
// tool results so the model can react to them.
func TypedHandler[T any](fn func(ctx context.Context, args T) (string, error)) toolexec.Handler {
	return func(ctx context.Context, call providers.ToolCallPart) providers.ToolResultPart {
		result := providers.ToolResultPart{CallID: call.CallID, Name: call.Name}

		payload, err := json.Marshal(call.Args)
		if err != nil {
			result.IsError = true
			result.Content = fmt.Sprintf("encode args: %v", err)
			return result
		}
		var typed T
		if err := json.Unmarshal(payload, &typed); err != nil {
			result.IsError = true
			result.Content = fmt.Sprintf("decode args: %v", err)
			return result
		}

		content, err := fn(ctx, typed)
		if err != nil {
			result.IsError = true
			result.Content = err.Error()
			return result
		}
		result.Content = content
		return result
	}
}

func structSchema(t reflect.Type, visited map[reflect.Type]struct{}) map[string]any {
	// Self-referential types bottom out as an opaque object.
	if _, ok := visited[t]; ok {
		return map[string]any{"type": "object"}
	}
	visited[t] = struct{}{}
	defer delete(visited, t)

	properties := make(map[string]any)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}

		name, optional, skip := fieldName(field)
		if skip {
			continue
		}

		schema := typeSchema(field.Type, visited)
		if desc := field.Tag.Get("desc"); desc != "" {
			schema["description"] = desc
		}
		if enum := field.Tag.Get("enum"); enum != "" {
			if values := splitTrimmed(enum); len(values) > 0 {
				schema["enum"] = values
			}
		}

		properties[name] = schema
		if fieldRequired(field, optional) {
			required = append(required, name)
		}
	}

	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func typeSchema(t reflect.Type, visited map[reflect.Type]struct{}) map[string]any {
	if t.Kind() == reflect.Pointer {
		return typeSchema(t.Elem(), visited)
	}
	if t.PkgPath() == "time" && t.Name() == "Time" {
		return map[string]any{"type": "string", "format": "date-time"}
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem(), visited)}
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		return structSchema(t, visited)
	default:
		return map[string]any{"type": "string"}
	}
}

func fieldName(field reflect.StructField) (name string, optional, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}

	parts := strings.Split(tag, ",")
	name = parts[0]
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			optional = true
		}
	}
	if name == "" {
		name = lowerFirst(field.Name)
	}
	return name, optional, false
}

func fieldRequired(field reflect.StructField, optional bool) bool {
	switch strings.ToLower(strings.TrimSpace(field.Tag.Get("required"))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return !optional
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = []rune(strings.ToLower(string(runes[0])))[0]
	return string(runes)
}

func splitTrimmed(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
