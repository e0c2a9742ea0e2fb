// Package handler drives the two HandlerRun phase sequences (spec §4.4):
// a producer's pending -> executing -> committed, and a consumer's
// pending -> preparing -> prepared -> mutating -> mutated -> emitting ->
// committed. It is the only package that invokes the sandbox and the
// tool gate together, since only a handler run's phase tells the gate
// which operations are currently legal.
package handler

import (
	"context"
	"time"

	"go.starlark.net/starlark"

	"github.com/r3e-network/workflowengine/internal/eventbus"
	"github.com/r3e-network/workflowengine/internal/gate"
	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/mutation"
	"github.com/r3e-network/workflowengine/internal/sandbox"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
	"github.com/r3e-network/workflowengine/internal/telemetry"
	"github.com/r3e-network/workflowengine/internal/tool"
)

// Engine drives HandlerRuns to a terminal phase.
type Engine struct {
	store   store.Store
	bus     *eventbus.Bus
	ledger  *mutation.Ledger
	sandbox *sandbox.Sandbox
	tools   *tool.Registry
	tel     *telemetry.Telemetry
}

// New returns an Engine. tel may be nil.
func New(s store.Store, bus *eventbus.Bus, ledger *mutation.Ledger, sb *sandbox.Sandbox, tools *tool.Registry, tel *telemetry.Telemetry) *Engine {
	return &Engine{store: s, bus: bus, ledger: ledger, sandbox: sb, tools: tools, tel: tel}
}

func now() time.Time { return time.Now().UTC() }

// save persists run's current in-memory phase/status/error fields and
// refreshes UpdatedAt.
func (e *Engine) save(ctx context.Context, run *model.HandlerRun) error {
	run.UpdatedAt = now()
	if err := e.store.UpdateHandlerRun(ctx, run); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update handler run")
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, run *model.HandlerRun, err error) error {
	run.Fail(string(taxonomy.KindOf(err)), err.Error())
	if saveErr := e.save(ctx, run); saveErr != nil {
		return saveErr
	}
	return err
}

func (e *Engine) advance(ctx context.Context, run *model.HandlerRun, phase model.Phase, output map[string]interface{}) error {
	if err := e.store.AdvancePhase(ctx, run.ID, phase, output); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "advance phase")
	}
	run.Phase = phase
	if output != nil {
		if run.OutputState == nil {
			run.OutputState = map[string]interface{}{}
		}
		for k, v := range output {
			run.OutputState[k] = v
		}
	}
	return nil
}

// globals builds the Starlark globals a handler script sees: input_state
// plus any caller-supplied extras (e.g. mutation_outcome for an emit
// script).
func globals(input map[string]interface{}, extra map[string]interface{}) (starlark.StringDict, error) {
	d := starlark.StringDict{}
	inState, err := sandbox.MapToStarlarkDict(input)
	if err != nil {
		return nil, err
	}
	d["input_state"] = inState
	for k, v := range extra {
		if sv, ok := v.(starlark.Value); ok {
			d[k] = sv
			continue
		}
		sv, err := sandbox.ToStarlark(v)
		if err != nil {
			return nil, err
		}
		d[k] = sv
	}
	return d, nil
}

func outputOf(result sandbox.Result) (map[string]interface{}, error) {
	out, ok := result.Value["output_state"]
	if !ok {
		return map[string]interface{}{}, nil
	}
	if dict, ok := out.(*starlark.Dict); ok {
		return sandbox.DictToMap(dict)
	}
	return map[string]interface{}{}, nil
}

// RunProducer drives a producer HandlerRun from its current phase
// (always PhasePending for a producer: producers never retry mid-chain,
// they simply re-fire on the next schedule tick) through to committed or
// failed.
func (e *Engine) RunProducer(ctx context.Context, wf *model.Workflow, run *model.HandlerRun, cfg model.ProducerConfig) error {
	g := gate.ForPhase(model.HandlerProducer, model.PhaseExecuting)

	if err := e.advance(ctx, run, model.PhaseExecuting, nil); err != nil {
		return e.fail(ctx, run, err)
	}
	if err := e.save(ctx, run); err != nil {
		return err
	}

	state, err := e.store.GetHandlerState(ctx, wf.ID, run.HandlerName)
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "get handler state"))
	}

	gl, err := globals(mergeInput(run.InputState, state.State), map[string]interface{}{
		"publish":        e.publishBuiltin(ctx, g, wf.ID, run.ID),
		"register_input": e.registerInputBuiltin(ctx, g),
		"read":           e.readBuiltin(ctx, g),
	})
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "build globals"))
	}

	res := e.sandbox.Eval(ctx, "producer:"+run.HandlerName, cfg.Script, gl, sandbox.DefaultWorkflowTimeout)
	if !res.OK {
		return e.fail(ctx, run, res.Err)
	}

	output, err := outputOf(res)
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "read output_state"))
	}
	if len(output) > 0 {
		if err := e.store.PutHandlerState(ctx, &model.HandlerState{WorkflowID: wf.ID, HandlerName: run.HandlerName, State: output, UpdatedAt: now()}); err != nil {
			return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "put handler state"))
		}
	}

	if err := e.advance(ctx, run, model.PhaseCommitted, output); err != nil {
		return e.fail(ctx, run, err)
	}
	run.Commit(now())
	return e.save(ctx, run)
}

// RunConsumer drives a consumer HandlerRun. A run entering at
// PhasePending does the full prepare/mutate/emit cycle; a run entering at
// PhaseEmitting (a retry continuing past a settled mutation, per
// HandlerRun.ResumePhase) re-runs only the emit script against its
// inherited PrepareResult and MutationOutcome.
func (e *Engine) RunConsumer(ctx context.Context, wf *model.Workflow, run *model.HandlerRun, cfg model.ConsumerConfig) error {
	if run.Phase == model.PhaseEmitting {
		return e.runEmit(ctx, wf, run, cfg)
	}
	return e.runPrepare(ctx, wf, run, cfg)
}

func (e *Engine) runPrepare(ctx context.Context, wf *model.Workflow, run *model.HandlerRun, cfg model.ConsumerConfig) error {
	g := gate.ForPhase(model.HandlerConsumer, model.PhasePreparing)

	if err := e.advance(ctx, run, model.PhasePreparing, nil); err != nil {
		return e.fail(ctx, run, err)
	}
	if err := e.save(ctx, run); err != nil {
		return err
	}

	events, err := func() ([]*model.Event, error) {
		if err := g.Check(gate.OpTopicPeek); err != nil {
			return nil, err
		}
		return e.bus.Peek(ctx, wf.ID, cfg.Topic, 50)
	}()
	if err != nil {
		return e.fail(ctx, run, err)
	}

	gl, err := globals(run.InputState, map[string]interface{}{
		"events": eventsToGo(events),
		"read":   e.readBuiltin(ctx, g),
	})
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "build globals"))
	}

	res := e.sandbox.Eval(ctx, "prepare:"+run.HandlerName, cfg.PrepareScript, gl, sandbox.DefaultWorkflowTimeout)
	if !res.OK {
		return e.fail(ctx, run, res.Err)
	}

	prepareResult, err := prepareResultOf(res)
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Logic, err, "invalid prepare result"))
	}

	// Rule: no events reserved means nothing to process — short-circuit
	// straight to committed without ever creating a mutation row.
	if len(prepareResult.Reservations) == 0 {
		if err := e.advance(ctx, run, model.PhaseCommitted, nil); err != nil {
			return e.fail(ctx, run, err)
		}
		run.Commit(now())
		return e.save(ctx, run)
	}

	if err := e.bus.Reserve(ctx, run.ID, prepareResult.Reservations); err != nil {
		return e.fail(ctx, run, err)
	}

	run.PrepareResult = &prepareResult
	if err := e.store.AdvancePhase(ctx, run.ID, model.PhasePrepared, nil); err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "advance phase"))
	}
	run.Phase = model.PhasePrepared
	if err := e.save(ctx, run); err != nil {
		return err
	}

	// Rule: a consumer that declines to mutate skips straight from
	// prepared to emitting — no mutation row is ever created.
	if prepareResult.IntendedMutation == nil {
		run.MutationOutcome = model.MutationOutcomeNone
		if err := e.store.AdvancePhase(ctx, run.ID, model.PhaseEmitting, nil); err != nil {
			return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "advance phase"))
		}
		run.Phase = model.PhaseEmitting
		if err := e.save(ctx, run); err != nil {
			return err
		}
		return e.runEmit(ctx, wf, run, cfg)
	}

	return e.runMutate(ctx, wf, run, cfg)
}

func (e *Engine) runMutate(ctx context.Context, wf *model.Workflow, run *model.HandlerRun, cfg model.ConsumerConfig) error {
	g := gate.ForPhase(model.HandlerConsumer, model.PhaseMutating)

	if err := e.advance(ctx, run, model.PhaseMutating, nil); err != nil {
		return e.fail(ctx, run, err)
	}
	if err := e.save(ctx, run); err != nil {
		return err
	}

	intended := *run.PrepareResult.IntendedMutation
	m, err := e.ledger.Begin(ctx, run.ID, intended)
	if err != nil {
		return e.fail(ctx, run, err)
	}

	if err := g.Check(gate.OpMutate); err != nil {
		// An invariant violation (not the handler body's fault), but
		// still must settle the mutation row rather than leave it
		// in_flight forever.
		_ = e.ledger.Failed(ctx, m.ID, err.Error())
		return e.fail(ctx, run, err)
	}

	result, callErr := e.tools.Call(ctx, intended.ToolNamespace, intended.ToolMethod, false, intended.Params)
	switch {
	case callErr == nil:
		if err := e.ledger.Applied(ctx, m.ID, result); err != nil {
			return e.fail(ctx, run, err)
		}
	case taxonomy.KindOf(callErr) == taxonomy.Network:
		// The true outcome of a collaborator call that failed with a
		// transient/network error cannot be known without a durable
		// idempotency record on the collaborator's side — treat it as
		// indeterminate rather than assuming it did not happen.
		if err := e.ledger.Indeterminate(ctx, m.ID); err != nil {
			return e.fail(ctx, run, err)
		}
		return e.fail(ctx, run, callErr)
	default:
		if err := e.ledger.Failed(ctx, m.ID, callErr.Error()); err != nil {
			return e.fail(ctx, run, err)
		}
	}

	updated, err := e.store.GetHandlerRun(ctx, run.ID)
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "reload handler run"))
	}
	*run = *updated

	if err := e.store.AdvancePhase(ctx, run.ID, model.PhaseEmitting, nil); err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "advance phase"))
	}
	run.Phase = model.PhaseEmitting
	if err := e.save(ctx, run); err != nil {
		return err
	}

	return e.runEmit(ctx, wf, run, cfg)
}

func (e *Engine) runEmit(ctx context.Context, wf *model.Workflow, run *model.HandlerRun, cfg model.ConsumerConfig) error {
	g := gate.ForPhase(model.HandlerConsumer, model.PhaseEmitting)

	gl, err := globals(run.InputState, map[string]interface{}{
		"mutation_outcome": string(run.MutationOutcome),
		"publish":          e.publishBuiltin(ctx, g, wf.ID, run.ID),
	})
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "build globals"))
	}

	res := e.sandbox.Eval(ctx, "emit:"+run.HandlerName, cfg.EmitScript, gl, sandbox.DefaultWorkflowTimeout)
	if !res.OK {
		return e.fail(ctx, run, res.Err)
	}

	output, err := outputOf(res)
	if err != nil {
		return e.fail(ctx, run, taxonomy.Wrap(taxonomy.Internal, err, "read output_state"))
	}

	// Reserved events are finalized according to the mutation's outcome:
	// skipped on a clean failure or a user-resolved skip, consumed otherwise
	// (the mutation applied, or the run declared no mutation at all).
	if run.MutationOutcome == model.MutationOutcomeFailure || run.MutationOutcome == model.MutationOutcomeSkipped {
		if err := e.bus.Skip(ctx, run.ID); err != nil {
			return e.fail(ctx, run, err)
		}
	} else {
		if err := e.bus.Consume(ctx, run.ID); err != nil {
			return e.fail(ctx, run, err)
		}
	}

	if err := e.advance(ctx, run, model.PhaseCommitted, output); err != nil {
		return e.fail(ctx, run, err)
	}
	run.Commit(now())
	return e.save(ctx, run)
}

func mergeInput(a, b map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func eventsToGo(events []*model.Event) []interface{} {
	out := make([]interface{}, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]interface{}{
			"message_id":     e.MessageID,
			"title":          e.Title,
			"payload":        e.Payload,
			"attempt_number": int64(e.AttemptNumber),
		})
	}
	return out
}

// prepareResultOf reads the prepare script's reserve and optional mutate
// globals into a model.PrepareResult.
func prepareResultOf(res sandbox.Result) (model.PrepareResult, error) {
	var pr model.PrepareResult

	if rv, ok := res.Value["reserve"]; ok {
		list, ok := rv.(*starlark.List)
		if ok {
			for i := 0; i < list.Len(); i++ {
				item, err := sandbox.ToGo(list.Index(i))
				if err != nil {
					return pr, err
				}
				m, _ := item.(map[string]interface{})
				topic, _ := m["topic"].(string)
				idsRaw, _ := m["ids"].([]interface{})
				ids := make([]string, 0, len(idsRaw))
				for _, id := range idsRaw {
					s, _ := id.(string)
					ids = append(ids, s)
				}
				pr.Reservations = append(pr.Reservations, model.EventReservation{Topic: topic, IDs: ids})
			}
		}
	}

	if mv, ok := res.Value["mutate"]; ok {
		if _, isNone := mv.(starlark.NoneType); !isNone {
			v, err := sandbox.ToGo(mv)
			if err != nil {
				return pr, err
			}
			m, _ := v.(map[string]interface{})
			namespace, _ := m["tool_namespace"].(string)
			method, _ := m["tool_method"].(string)
			params, _ := m["params"].(map[string]interface{})
			idemKey, _ := m["idempotency_key"].(string)
			title, _ := m["ui_title"].(string)
			pr.IntendedMutation = &model.IntendedMutation{
				ToolNamespace:  namespace,
				ToolMethod:     method,
				Params:         params,
				IdempotencyKey: idemKey,
				UITitle:        title,
			}
		}
	}

	return pr, nil
}

// publishBuiltin returns a Starlark builtin bound to this run's gate and
// workflow, so handler scripts call publish(topic, message_id, title,
// payload) directly.
func (e *Engine) publishBuiltin(ctx context.Context, g *gate.Gate, workflowID, runID string) *starlark.Builtin {
	return starlark.NewBuiltin("publish", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var topic, messageID, title string
		var payload *starlark.Dict
		if err := starlark.UnpackArgs("publish", args, kwargs, "topic", &topic, "message_id", &messageID, "title", &title, "payload?", &payload); err != nil {
			return nil, err
		}
		if err := g.Check(gate.OpTopicPublish); err != nil {
			return nil, err
		}
		var payloadMap map[string]interface{}
		if payload != nil {
			m, err := sandbox.DictToMap(payload)
			if err != nil {
				return nil, err
			}
			payloadMap = m
		}
		if _, err := e.bus.Publish(ctx, workflowID, topic, messageID, title, payloadMap, runID); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
}

// readBuiltin returns a Starlark builtin bound to this run's gate,
// letting handler scripts call read(namespace, method, input) against any
// read-only collaborator in the tool registry.
func (e *Engine) readBuiltin(ctx context.Context, g *gate.Gate) *starlark.Builtin {
	return starlark.NewBuiltin("read", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var namespace, method string
		var input *starlark.Dict
		if err := starlark.UnpackArgs("read", args, kwargs, "namespace", &namespace, "method", &method, "input?", &input); err != nil {
			return nil, err
		}
		if err := g.Check(gate.OpRead); err != nil {
			return nil, err
		}
		var inputMap map[string]interface{}
		if input != nil {
			m, err := sandbox.DictToMap(input)
			if err != nil {
				return nil, err
			}
			inputMap = m
		}
		out, err := e.tools.Call(ctx, namespace, method, true, inputMap)
		if err != nil {
			return nil, err
		}
		d, err := sandbox.MapToStarlarkDict(out)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// registerInputBuiltin is a no-op placeholder builtin for a producer
// registering an external input subscription (spec §4.6 "register_input").
// Concrete input sources are out of scope; this keeps the capability
// addressable from handler scripts without binding it to a specific
// collaborator.
func (e *Engine) registerInputBuiltin(ctx context.Context, g *gate.Gate) *starlark.Builtin {
	return starlark.NewBuiltin("register_input", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := g.Check(gate.OpRegisterInput); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
}
