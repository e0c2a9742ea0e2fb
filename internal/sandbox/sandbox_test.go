package sandbox_test

import (
	"context"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/r3e-network/workflowengine/internal/sandbox"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

func TestEvalReturnsComputedGlobals(t *testing.T) {
	ctx := context.Background()
	sb := sandbox.New(ctx)
	defer sb.Close(ctx)

	res := sb.Eval(ctx, "h", "output = 2 + 2", nil, time.Second)
	if !res.OK {
		t.Fatalf("expected ok, got err: %v", res.Err)
	}
	got, err := sandbox.ToGo(res.Value["output"])
	if err != nil {
		t.Fatalf("to go: %v", err)
	}
	if got != int64(4) {
		t.Fatalf("expected 4, got %v", got)
	}
}

func TestEvalSyntaxErrorIsLogicClassified(t *testing.T) {
	ctx := context.Background()
	sb := sandbox.New(ctx)
	defer sb.Close(ctx)

	res := sb.Eval(ctx, "h", "this is not valid starlark (((", nil, time.Second)
	if res.OK {
		t.Fatal("expected failure")
	}
	if taxonomy.KindOf(res.Err) != taxonomy.Logic {
		t.Fatalf("expected Logic, got %v", taxonomy.KindOf(res.Err))
	}
}

func TestEvalTimeoutIsNetworkClassified(t *testing.T) {
	ctx := context.Background()
	sb := sandbox.New(ctx)
	defer sb.Close(ctx)

	res := sb.Eval(ctx, "h", "x = [i for i in range(100000000)]", nil, time.Millisecond)
	if res.OK {
		t.Fatal("expected timeout failure")
	}
	if taxonomy.KindOf(res.Err) != taxonomy.Network {
		t.Fatalf("expected Network, got %v", taxonomy.KindOf(res.Err))
	}
}

func TestRoundTripMapConversion(t *testing.T) {
	in := map[string]interface{}{"a": int64(1), "b": "two", "c": []interface{}{int64(3)}}
	d, err := sandbox.MapToStarlarkDict(in)
	if err != nil {
		t.Fatalf("to starlark: %v", err)
	}
	out, err := sandbox.DictToMap(d)
	if err != nil {
		t.Fatalf("to go: %v", err)
	}
	if out["b"] != "two" {
		t.Fatalf("expected b=two, got %v", out["b"])
	}
	_ = starlark.String("")
}
