// Package sandbox hosts handler body evaluation (spec §6 "Sandbox",
// §9 Design Notes): each handler phase's script runs as an isolated
// Starlark program against a gate-wrapped global object, bounded by a
// wall-clock timeout. The interpreter itself is pure Go (go.starlark.net),
// and the timeout is enforced by cancelling the Starlark thread. A wazero
// runtime is created with the Sandbox and closed by Close; evaluations do
// not run inside it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"go.starlark.net/starlark"

	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

// Default timeouts per spec §5: 5 minutes for a scheduled workflow
// session, 5 seconds for a CLI one-shot evaluation.
const (
	DefaultWorkflowTimeout = 5 * time.Minute
	DefaultCLITimeout      = 5 * time.Second
)

// Result is the tagged outcome of one evaluation: either ok with the
// handler's returned globals, or a classified failure.
type Result struct {
	OK    bool
	Value starlark.StringDict
	Err   error
}

// Sandbox owns a wazero runtime for its lifetime; Eval does not use it.
type Sandbox struct {
	runtime wazero.Runtime
}

// New constructs a Sandbox. The returned Sandbox must be Closed when the
// engine shuts down.
func New(ctx context.Context) *Sandbox {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	return &Sandbox{runtime: wazero.NewRuntimeWithConfig(ctx, cfg)}
}

// Close releases the sandbox's wazero runtime. Evaluations still in
// flight are not affected; each ends at its own timeout.
func (sb *Sandbox) Close(ctx context.Context) error {
	return sb.runtime.Close(ctx)
}

// Eval runs source as a Starlark program with globals predefined (the
// gate-wrapped tool surface plus input_state), for at most timeout before
// the thread is cancelled. A timeout is surfaced as a Network-classified
// (transient) error per spec §5, since it is indistinguishable from a
// slow collaborator call from the scheduler's point of view.
func (sb *Sandbox) Eval(ctx context.Context, name, source string, globals starlark.StringDict, timeout time.Duration) Result {
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := &starlark.Thread{Name: name}
	done := make(chan struct{})
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel("sandbox evaluation timed out")
		case <-done:
		}
	}()

	out, err := starlark.ExecFile(thread, name+".star", source, globals)
	close(done)

	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded {
			return Result{Err: taxonomy.New(taxonomy.Network, "sandbox evaluation timed out")}
		}
		// A classified error raised by a gate-wrapped builtin (read,
		// publish, ...) takes precedence over generic script-failure
		// classification — the scheduler's retry policy needs the
		// original Kind, not a blanket Logic.
		var classified *taxonomy.Error
		if errors.As(err, &classified) {
			return Result{Err: classified}
		}
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return Result{Err: taxonomy.Newf(taxonomy.Logic, "handler script failed: %s", evalErr.Msg)}
		}
		return Result{Err: taxonomy.Wrap(taxonomy.Logic, err, "handler script failed")}
	}
	return Result{OK: true, Value: out}
}

// Bool extracts a boolean output, defaulting to false if absent or not a
// Starlark bool.
func Bool(d starlark.StringDict, key string) bool {
	v, ok := d[key]
	if !ok {
		return false
	}
	b, ok := v.(starlark.Bool)
	return ok && bool(b)
}

// ToGo converts a Starlark value into a plain Go value suitable for
// storage in handler_run.output_state / handler_state.state.
func ToGo(v starlark.Value) (interface{}, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, _ := v.Int64()
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		out := make([]interface{}, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			e, err := ToGo(v.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, v.Len())
		for _, item := range v.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("non-string dict key %v", item[0])
			}
			val, err := ToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark value type %T", v)
	}
}

// ToStarlark converts a plain Go value (as read from handler_run state
// columns) into a Starlark value for injection as a global.
func ToStarlark(v interface{}) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case string:
		return starlark.String(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(v))
		for _, e := range v {
			sv, err := ToStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(v))
		for k, val := range v {
			sv, err := ToStarlark(val)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T for starlark injection", v)
	}
}

// MapToStarlarkDict converts a Go map to a *starlark.Dict in one call, for
// building the input_state global.
func MapToStarlarkDict(m map[string]interface{}) (*starlark.Dict, error) {
	v, err := ToStarlark(m)
	if err != nil {
		return nil, err
	}
	d, _ := v.(*starlark.Dict)
	if d == nil {
		d = starlark.NewDict(0)
	}
	return d, nil
}

// DictToMap converts a *starlark.Dict to a Go map, for reading back
// output_state after an evaluation.
func DictToMap(d *starlark.Dict) (map[string]interface{}, error) {
	v, err := ToGo(d)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}
