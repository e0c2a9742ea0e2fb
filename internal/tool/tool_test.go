package tool

import (
	"context"
	"testing"

	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

func TestRegisterBuiltinsRegistersExpectedTools(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	for _, want := range []struct{ namespace, name string }{
		{"email", "send"},
		{"drive", "upload"},
		{"drive", "list"},
		{"sheets", "append_row"},
		{"docs", "append_text"},
		{"notion", "create_page"},
		{"weather", "current"},
		{"files", "read"},
		{"files", "write"},
		{"web", "fetch"},
	} {
		if _, err := r.Lookup(want.namespace, want.name); err != nil {
			t.Fatalf("expected %s/%s to be registered: %v", want.namespace, want.name, err)
		}
	}
}

func TestLookupUnregisteredToolFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope", "nope")
	if err == nil {
		t.Fatal("expected lookup of an unregistered tool to fail")
	}
	if taxonomy.KindOf(err) != taxonomy.Logic {
		t.Fatalf("expected a Logic error, got %v", taxonomy.KindOf(err))
	}
}

func TestCallReadOnlySucceedsForReadOnlyTool(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	out, err := r.Call(context.Background(), "weather", "current", true, map[string]interface{}{"location": "here"})
	if err != nil {
		t.Fatalf("call weather/current: %v", err)
	}
	if out["summary"] == "" {
		t.Fatal("expected a non-empty summary")
	}
}

func TestCallReadOnlyRejectsSideEffectingTool(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	_, err := r.Call(context.Background(), "email", "send", true, map[string]interface{}{"to": "a@b.com"})
	if err == nil {
		t.Fatal("expected calling a side-effecting tool as read-only to fail")
	}
}

func TestCallMutatingAllowsSideEffectingTool(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	out, err := r.Call(context.Background(), "email", "send", false, map[string]interface{}{"to": "a@b.com"})
	if err != nil {
		t.Fatalf("call email/send: %v", err)
	}
	if out["message_id"] == "" {
		t.Fatal("expected a non-empty message_id")
	}
}

func TestRegisterReplacesExistingToolAtSameKey(t *testing.T) {
	r := NewRegistry()
	first := &baseTool{namespace: "x", name: "y", fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"which": "first"}, nil
	}}
	second := &baseTool{namespace: "x", name: "y", readOnly: true, fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"which": "second"}, nil
	}}
	r.Register(first)
	r.Register(second)

	out, err := r.Call(context.Background(), "x", "y", true, nil)
	if err != nil {
		t.Fatalf("call x/y: %v", err)
	}
	if out["which"] != "second" {
		t.Fatalf("expected the later registration to win, got %v", out["which"])
	}
}
