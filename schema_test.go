package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mvidakovic/agentloop/providers"
)

type searchArgs struct {
	Query   string   `json:"query" required:"true" desc:"search terms"`
	Limit   int      `json:"limit,omitempty" desc:"max results"`
	Status  string   `json:"status" enum:"active,archived"`
	Tags    []string `json:"tags,omitempty"`
	private string   //nolint:unused // exercised via reflection skip
}

func TestSchemaFromStruct(t *testing.T) {
	schema, err := SchemaFromStruct(searchArgs{})
	if err != nil {
		t.Fatalf("SchemaFromStruct: %v", err)
	}

	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	props := schema["properties"].(map[string]any)
	if len(props) != 4 {
		t.Fatalf("expected 4 properties (unexported skipped), got %v", props)
	}

	query := props["query"].(map[string]any)
	if query["type"] != "string" || query["description"] != "search terms" {
		t.Errorf("query schema = %v", query)
	}
	if props["limit"].(map[string]any)["type"] != "integer" {
		t.Errorf("limit schema = %v", props["limit"])
	}
	status := props["status"].(map[string]any)
	enum, ok := status["enum"].([]string)
	if !ok || len(enum) != 2 || enum[0] != "active" {
		t.Errorf("status enum = %v", status["enum"])
	}
	tags := props["tags"].(map[string]any)
	if tags["type"] != "array" || tags["items"].(map[string]any)["type"] != "string" {
		t.Errorf("tags schema = %v", tags)
	}

	// omitempty fields stay out of the required list.
	required := schema["required"].([]string)
	want := map[string]bool{"query": true, "status": true}
	if len(required) != len(want) {
		t.Fatalf("required = %v", required)
	}
	for _, name := range required {
		if !want[name] {
			t.Errorf("unexpected required field %q", name)
		}
	}
}

func TestSchemaFromStructNested(t *testing.T) {
	type inner struct {
		Min int `json:"min"`
		Max int `json:"max"`
	}
	type outer struct {
		Range inner      `json:"range"`
		When  *time.Time `json:"when,omitempty"`
	}

	schema, err := SchemaFromStruct(&outer{})
	if err != nil {
		t.Fatalf("SchemaFromStruct: %v", err)
	}
	props := schema["properties"].(map[string]any)

	rng := props["range"].(map[string]any)
	if rng["type"] != "object" {
		t.Errorf("nested struct schema = %v", rng)
	}
	if rng["properties"].(map[string]any)["min"].(map[string]any)["type"] != "integer" {
		t.Errorf("nested properties = %v", rng["properties"])
	}

	when := props["when"].(map[string]any)
	if when["type"] != "string" || when["format"] != "date-time" {
		t.Errorf("time schema = %v", when)
	}
}

func TestSchemaFromStructRejectsNonStructs(t *testing.T) {
	for _, sample := range []any{nil, 42, "text", []int{1}} {
		if _, err := SchemaFromStruct(sample); !errors.Is(err, ErrInvalidSchemaType) {
			t.Errorf("SchemaFromStruct(%v) err = %v, want ErrInvalidSchemaType", sample, err)
		}
	}
}

func TestToolFromStruct(t *testing.T) {
	def, err := ToolFromStruct[searchArgs]("search", "full-text search")
	if err != nil {
		t.Fatalf("ToolFromStruct: %v", err)
	}
	if def.Name != "search" || def.Description != "full-text search" {
		t.Errorf("definition = %+v", def)
	}
	if def.Parameters["type"] != "object" {
		t.Errorf("parameters = %v", def.Parameters)
	}
}

func TestTypedHandlerDecodesArgs(t *testing.T) {
	handler := TypedHandler(func(ctx context.Context, args searchArgs) (string, error) {
		return "found for " + args.Query, nil
	})

	result := handler(context.Background(), providers.ToolCallPart{
		CallID: "c1",
		Name:   "search",
		Args:   map[string]any{"query": "golang", "limit": 3},
	})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.CallID != "c1" || result.Content != "found for golang" {
		t.Errorf("result = %+v", result)
	}
}

func TestTypedHandlerReportsFailuresAsResults(t *testing.T) {
	// Type mismatch during decoding.
	handler := TypedHandler(func(ctx context.Context, args searchArgs) (string, error) {
		t.Fatal("handler must not run on decode failure")
		return "", nil
	})
	result := handler(context.Background(), providers.ToolCallPart{
		CallID: "c1",
		Args:   map[string]any{"limit": "not a number"},
	})
	if !result.IsError {
		t.Error("decode failure should flag the result")
	}

	// Handler error.
	handler = TypedHandler(func(ctx context.Context, args searchArgs) (string, error) {
		return "", errors.New("backend down")
	})
	result = handler(context.Background(), providers.ToolCallPart{CallID: "c2", Args: map[string]any{}})
	if !result.IsError || result.Content != "backend down" {
		t.Errorf("handler error result = %+v", result)
	}
}
