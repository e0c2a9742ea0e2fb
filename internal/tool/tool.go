// Package tool is the external-collaborator registry (spec §6, §9 "dynamic
// tool registry"): a table of typed tools keyed by (namespace, name), each
// exposing a schema and an execute call. The engine treats every
// collaborator — email, drive, sheets, whatever — as an opaque
// implementation of this same narrow interface; the concrete external
// APIs behind them are explicitly out of scope.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

// Tool is one external collaborator method.
type Tool interface {
	Namespace() string
	Name() string
	InputSchema() map[string]interface{}
	OutputSchema() map[string]interface{}
	// IsReadOnly reports whether calling Execute is free of external
	// side effects. Read-only tools may be invoked from a gate's read
	// operation; side-effecting tools must go through mutate.
	IsReadOnly() bool
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// key identifies a tool by its (namespace, name) pair.
type key struct{ namespace, name string }

// Registry is the process-wide trait-object table of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[key]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[key]Tool)}
}

// Register adds t to the registry, replacing any existing tool at the
// same (namespace, name).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[key{t.Namespace(), t.Name()}] = t
}

// Lookup returns the tool at (namespace, name), or a Logic-classified
// error if none is registered.
func (r *Registry) Lookup(namespace, name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[key{namespace, name}]
	if !ok {
		return nil, taxonomy.Newf(taxonomy.Logic, "no tool registered at %s/%s", namespace, name)
	}
	return t, nil
}

// Call resolves and invokes the named tool, rejecting a mutating call
// against a tool declared read-only is never necessary (a read-only tool
// simply cannot reach a mutate call site because the gate never offers
// it one) but guards the inverse: calling a side-effecting tool through
// a read-only call site is refused.
func (r *Registry) Call(ctx context.Context, namespace, name string, readOnly bool, input map[string]interface{}) (map[string]interface{}, error) {
	t, err := r.Lookup(namespace, name)
	if err != nil {
		return nil, err
	}
	if readOnly && !t.IsReadOnly() {
		return nil, taxonomy.Newf(taxonomy.Logic, "tool %s/%s has side effects and cannot be called as read", namespace, name)
	}
	out, err := t.Execute(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("tool %s/%s: %w", namespace, name, err)
	}
	return out, nil
}
