// Package gate is the tool gate (spec §4.6): it wraps every
// external-world operation exposed to handler code and enforces, per
// phase, which of the five operation kinds are permitted, plus the
// at-most-one-mutation rule for a consumer's mutate phase.
package gate

import (
	"fmt"
	"sync"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

// Operation is one of the five operation kinds the gate classifies every
// call site into.
type Operation string

const (
	OpRead          Operation = "read"
	OpMutate        Operation = "mutate"
	OpTopicPeek     Operation = "topic_peek"
	OpTopicPublish  Operation = "topic_publish"
	OpRegisterInput Operation = "register_input"
)

// table encodes the phase→capability matrix from spec §4.6, keyed by
// (handler type, phase). Phases not present allow nothing — handler code
// does not run during them.
var table = map[model.HandlerType]map[model.Phase]map[Operation]bool{
	model.HandlerProducer: {
		model.PhaseExecuting: {OpRead: true, OpTopicPublish: true, OpRegisterInput: true},
	},
	model.HandlerConsumer: {
		model.PhasePreparing: {OpRead: true, OpTopicPeek: true},
		model.PhaseMutating:  {OpMutate: true},
		model.PhaseEmitting:  {OpTopicPublish: true},
	},
}

// Gate is scoped to exactly one handler run phase execution. A fresh Gate
// must be constructed for each phase so the at-most-one-mutation counter
// cannot leak across phases or handler runs.
type Gate struct {
	handlerType model.HandlerType
	phase       model.Phase
	phased      bool

	mu      sync.Mutex
	mutated bool
}

// ForPhase scopes a Gate to one handler run's execution of one phase.
func ForPhase(handlerType model.HandlerType, phase model.Phase) *Gate {
	return &Gate{handlerType: handlerType, phase: phase, phased: true}
}

// Interactive returns a Gate for the "interactive / task mode" context
// (spec §4.6: "outside a phased context, all operations are allowed").
func Interactive() *Gate {
	return &Gate{phased: false}
}

// Check reports whether op is permitted in the gate's current phase,
// returning a Logic-classified error if not. For OpMutate it also
// enforces that at most one mutation may be attempted per mutate phase;
// a second attempt fails even though the operation kind itself is
// otherwise allowed.
func (g *Gate) Check(op Operation) error {
	if !g.phased {
		return nil
	}

	allowed := table[g.handlerType][g.phase]
	if !allowed[op] {
		return taxonomy.Newf(taxonomy.Logic, "operation %q not allowed in %q phase", op, g.phase)
	}

	if op != OpMutate {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mutated {
		return taxonomy.New(taxonomy.Logic, "Only one mutation allowed per mutate phase")
	}
	g.mutated = true
	return nil
}

// String renders the gate's scope for logging.
func (g *Gate) String() string {
	if !g.phased {
		return "interactive"
	}
	return fmt.Sprintf("%s/%s", g.handlerType, g.phase)
}
