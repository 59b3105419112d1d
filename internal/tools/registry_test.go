package tools

import (
	"context"
	"errors"
	"testing"
)

type fakeTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) (*Result, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool" }
func (t *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return t.fn(ctx, args)
}

func TestRegisterLookupNames(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "web_search"})
	r.Register(&fakeTool{name: "calculator"})

	if _, ok := r.Lookup("web_search"); !ok {
		t.Fatal("registered tool not found")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "calculator" || names[1] != "web_search" {
		t.Fatalf("Names = %v", names)
	}

	r.Unregister("web_search")
	if _, ok := r.Lookup("web_search"); ok {
		t.Fatal("tool survived Unregister")
	}
}

func TestDefinitionsFiltersAndSkipsUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "calculator"})
	r.Register(&fakeTool{name: "web_search"})

	defs := r.Definitions([]string{"calculator", "ghost"})
	if len(defs) != 1 || defs[0].Name != "calculator" {
		t.Fatalf("Definitions = %+v", defs)
	}

	all := r.Definitions(nil)
	if len(all) != 2 {
		t.Fatalf("nil selection = %+v", all)
	}
}

func TestExecuteWrapsFailures(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "flaky", fn: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
		return nil, errors.New("backend down")
	}})

	res := r.Execute(context.Background(), "flaky", nil)
	if !res.IsError || res.ForLLM != "backend down" {
		t.Fatalf("res = %+v", res)
	}

	res = r.Execute(context.Background(), "missing", nil)
	if !res.IsError {
		t.Fatalf("unknown tool result = %+v", res)
	}
}

func TestExecuteSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "echo", fn: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
		s, _ := args["text"].(string)
		return NewResult(s), nil
	}})

	res := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "42"})
	if res.IsError || res.ForLLM != "42" {
		t.Fatalf("res = %+v", res)
	}
}
