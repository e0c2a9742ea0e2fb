// Package session is the session orchestrator (spec §4.5): it enforces
// at most one in-flight session per workflow, builds a run plan from the
// workflow's handler_config, drives each HandlerRun in the plan through
// internal/handler until the first terminal failure or the plan is
// exhausted, and reports a discriminated-union SessionResult.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/workflowengine/internal/eventbus"
	"github.com/r3e-network/workflowengine/internal/handler"
	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/mutation"
	"github.com/r3e-network/workflowengine/internal/schedule"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
	"github.com/r3e-network/workflowengine/internal/telemetry"
)

// Orchestrator drives sessions for workflows.
type Orchestrator struct {
	store    store.Store
	bus      *eventbus.Bus
	handlers *handler.Engine
	ledger   *mutation.Ledger
	tel      *telemetry.Telemetry

	mu       sync.Mutex
	inFlight map[string]bool

	dueMu sync.Mutex
	// nextDue tracks each producer's next eligible run time, keyed by
	// "<workflow_id>/<handler_name>". In-memory only — a restart treats
	// every producer as immediately due, which is the safe direction to
	// err in (see internal/scheduler's retry-counter reset for the same
	// pattern).
	nextDue map[string]time.Time
}

// New returns an Orchestrator.
func New(s store.Store, bus *eventbus.Bus, h *handler.Engine, ledger *mutation.Ledger, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		store:    s,
		bus:      bus,
		handlers: h,
		ledger:   ledger,
		tel:      tel,
		inFlight: make(map[string]bool),
		nextDue:  make(map[string]time.Time),
	}
}

func now() time.Time { return time.Now().UTC() }

func (o *Orchestrator) acquire(ctx context.Context, workflowID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[workflowID] {
		return false, nil
	}
	inProgress, err := o.store.ListInProgressScriptRuns(ctx)
	if err != nil {
		return false, taxonomy.Wrap(taxonomy.Internal, err, "list in-progress sessions")
	}
	for _, sr := range inProgress {
		if sr.WorkflowID == workflowID {
			return false, nil
		}
	}
	o.inFlight[workflowID] = true
	return true, nil
}

func (o *Orchestrator) release(workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, workflowID)
}

// planItem is one unit of work in a session's run plan.
type planItem struct {
	handlerType model.HandlerType
	name        string
	producer    model.ProducerConfig
	consumer    model.ConsumerConfig
}

// buildPlan selects the due producers and non-empty consumers from wf's
// handler_config (spec §4.5 "producers due by frequency, consumers with
// non-empty topics").
func (o *Orchestrator) buildPlan(ctx context.Context, wf *model.Workflow) ([]planItem, error) {
	var plan []planItem
	at := now()

	for _, p := range wf.HandlerConfig.Producers {
		key := wf.ID + "/" + p.HandlerName
		o.dueMu.Lock()
		due, seen := o.nextDue[key]
		o.dueMu.Unlock()
		if seen && due.After(at) {
			continue
		}
		plan = append(plan, planItem{handlerType: model.HandlerProducer, name: p.HandlerName, producer: p})
	}

	for _, c := range wf.HandlerConfig.Consumers {
		events, err := o.bus.Peek(ctx, wf.ID, c.Topic, 1)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			continue
		}
		plan = append(plan, planItem{handlerType: model.HandlerConsumer, name: c.HandlerName, consumer: c})
	}

	return plan, nil
}

// markProducerRan records p's next eligible run time after a session ran
// it, per its declared frequency.
func (o *Orchestrator) markProducerRan(wf *model.Workflow, p model.ProducerConfig) {
	next, err := schedule.Next(model.ScheduleSpec{Interval: p.Frequency}, now())
	if err != nil || next == nil {
		return
	}
	o.dueMu.Lock()
	o.nextDue[wf.ID+"/"+p.HandlerName] = *next
	o.dueMu.Unlock()
}

// RunScheduled drives a full scheduler-triggered session: every due
// producer and every consumer with pending events, in handler_config
// order, stopping at the first handler run that fails. It returns the
// persisted ScriptRun alongside the result so the caller can identify
// which HandlerRun (if any) needs a retry continuation.
func (o *Orchestrator) RunScheduled(ctx context.Context, wf *model.Workflow) (*model.ScriptRun, model.SessionResult, error) {
	return o.run(ctx, wf, model.TriggerSchedule, nil)
}

// RunRetry drives a session continuing exactly one predecessor HandlerRun
// (a network-retry reattempt, or a user's resolve-and-retry), entering at
// ResumePhase().
func (o *Orchestrator) RunRetry(ctx context.Context, wf *model.Workflow, predecessorRunID string) (*model.ScriptRun, model.SessionResult, error) {
	pred, err := o.store.GetHandlerRun(ctx, predecessorRunID)
	if err != nil {
		return nil, model.SessionResult{}, taxonomy.Wrap(taxonomy.Internal, err, "get predecessor handler run")
	}
	return o.run(ctx, wf, model.TriggerRetry, pred)
}

// RunResume is RunRetry under the resume trigger, used for process-restart
// reattachment.
func (o *Orchestrator) RunResume(ctx context.Context, wf *model.Workflow, predecessorRunID string) (*model.ScriptRun, model.SessionResult, error) {
	pred, err := o.store.GetHandlerRun(ctx, predecessorRunID)
	if err != nil {
		return nil, model.SessionResult{}, taxonomy.Wrap(taxonomy.Internal, err, "get predecessor handler run")
	}
	return o.run(ctx, wf, model.TriggerResume, pred)
}

func (o *Orchestrator) run(ctx context.Context, wf *model.Workflow, trigger model.TriggerKind, predecessor *model.HandlerRun) (*model.ScriptRun, model.SessionResult, error) {
	ok, err := o.acquire(ctx, wf.ID)
	if err != nil {
		return nil, model.SessionResult{}, err
	}
	if !ok {
		return nil, model.SessionResult{}, taxonomy.NewLogicError("a session is already in flight for this workflow")
	}
	defer o.release(wf.ID)

	sr := &model.ScriptRun{WorkflowID: wf.ID, Trigger: trigger, StartedAt: now()}
	if err := o.store.CreateScriptRun(ctx, sr); err != nil {
		return nil, model.SessionResult{}, taxonomy.Wrap(taxonomy.Internal, err, "create session")
	}

	var result model.SessionResult
	if predecessor != nil {
		result = o.runOne(ctx, wf, sr, predecessor)
	} else {
		result = o.runPlan(ctx, wf, sr)
	}

	if err := o.store.FinishScriptRun(ctx, sr.ID, result, now()); err != nil {
		return sr, result, taxonomy.Wrap(taxonomy.Internal, err, "finish session")
	}
	return sr, result, nil
}

func (o *Orchestrator) runPlan(ctx context.Context, wf *model.Workflow, sr *model.ScriptRun) model.SessionResult {
	plan, err := o.buildPlan(ctx, wf)
	if err != nil {
		return model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.KindOf(err)), Err: err}
	}
	if len(plan) == 0 {
		return model.SessionResult{Kind: model.SessionSuspended, Reason: "no due producers or pending consumer events"}
	}

	for _, item := range plan {
		run := &model.HandlerRun{
			ScriptRunID: sr.ID,
			WorkflowID:  wf.ID,
			HandlerType: item.handlerType,
			HandlerName: item.name,
			Phase:       model.PhasePending,
			Status:      model.RunActive,
		}
		if err := o.store.CreateHandlerRun(ctx, run); err != nil {
			return model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.Internal), Err: err}
		}
		sr.HandlerRunIDs = append(sr.HandlerRunIDs, run.ID)

		var runErr error
		if item.handlerType == model.HandlerProducer {
			runErr = o.handlers.RunProducer(ctx, wf, run, item.producer)
			if runErr == nil {
				o.markProducerRan(wf, item.producer)
			}
		} else {
			runErr = o.handlers.RunConsumer(ctx, wf, run, item.consumer)
		}

		if runErr != nil {
			return model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.KindOf(runErr)), Err: runErr}
		}
	}

	return model.SessionResult{Kind: model.SessionCompleted}
}

func (o *Orchestrator) runOne(ctx context.Context, wf *model.Workflow, sr *model.ScriptRun, predecessor *model.HandlerRun) model.SessionResult {
	run := &model.HandlerRun{
		ScriptRunID:     sr.ID,
		WorkflowID:      wf.ID,
		HandlerType:     predecessor.HandlerType,
		HandlerName:     predecessor.HandlerName,
		Phase:           predecessor.ResumePhase(),
		Status:          model.RunActive,
		RetryOf:         predecessor.ID,
		PrepareResult:   predecessor.PrepareResult,
		InputState:      predecessor.InputState,
		MutationOutcome: predecessor.MutationOutcome,
	}
	if err := o.store.CreateHandlerRun(ctx, run); err != nil {
		return model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.Internal), Err: err}
	}
	sr.HandlerRunIDs = append(sr.HandlerRunIDs, run.ID)

	cfg, err := consumerConfigFor(wf, run.HandlerName)
	if run.HandlerType == model.HandlerConsumer && err == nil {
		if runErr := o.handlers.RunConsumer(ctx, wf, run, cfg); runErr != nil {
			return model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.KindOf(runErr)), Err: runErr}
		}
		return model.SessionResult{Kind: model.SessionCompleted}
	}

	pcfg, perr := producerConfigFor(wf, run.HandlerName)
	if run.HandlerType == model.HandlerProducer && perr == nil {
		if runErr := o.handlers.RunProducer(ctx, wf, run, pcfg); runErr != nil {
			return model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.KindOf(runErr)), Err: runErr}
		}
		return model.SessionResult{Kind: model.SessionCompleted}
	}

	notFound := taxonomy.Newf(taxonomy.Logic, "handler %q no longer present in handler_config", run.HandlerName)
	run.Fail(string(taxonomy.Logic), notFound.Error())
	_ = o.store.UpdateHandlerRun(ctx, run)
	return model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.Logic), Err: notFound}
}

func consumerConfigFor(wf *model.Workflow, handlerName string) (model.ConsumerConfig, error) {
	for _, c := range wf.HandlerConfig.Consumers {
		if c.HandlerName == handlerName {
			return c, nil
		}
	}
	return model.ConsumerConfig{}, taxonomy.Newf(taxonomy.Logic, "unknown consumer %q", handlerName)
}

func producerConfigFor(wf *model.Workflow, handlerName string) (model.ProducerConfig, error) {
	for _, p := range wf.HandlerConfig.Producers {
		if p.HandlerName == handlerName {
			return p, nil
		}
	}
	return model.ProducerConfig{}, taxonomy.Newf(taxonomy.Logic, "unknown producer %q", handlerName)
}

// ResumeIncomplete is run once at process startup (spec §4.5 resumption):
// it freezes every in-flight mutation to indeterminate first (a mutation
// left in_flight can only mean the prior process died mid-call), closes
// every session the prior process left unfinished, then for
// every workflow with a non-terminal HandlerRun, attaches a new
// resume-triggered session to the most recent incomplete run in its
// retry chain.
func (o *Orchestrator) ResumeIncomplete(ctx context.Context) error {
	if _, err := o.ledger.Reconcile(ctx); err != nil {
		return err
	}

	// A session still unfinished at startup belonged to the process that
	// died; close it so the single-session latch does not refuse the resume.
	stale, err := o.store.ListInProgressScriptRuns(ctx)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "list in-progress sessions")
	}
	for _, sr := range stale {
		abandoned := model.SessionResult{Kind: model.SessionFailed, ErrorType: string(taxonomy.Internal), Reason: "process exited before the session finished"}
		if err := o.store.FinishScriptRun(ctx, sr.ID, abandoned, now()); err != nil {
			return taxonomy.Wrap(taxonomy.Internal, err, "close abandoned session")
		}
	}

	workflowIDs, err := o.store.ListWorkflowsWithIncompleteRuns(ctx)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "list workflows with incomplete runs")
	}

	for _, wfID := range workflowIDs {
		wf, err := o.store.GetWorkflow(ctx, wfID)
		if err != nil {
			continue
		}
		runs, err := o.store.ListIncompleteHandlerRuns(ctx, wfID)
		if err != nil || len(runs) == 0 {
			continue
		}
		if _, _, err := o.RunResume(ctx, wf, runs[0].ID); err != nil {
			continue
		}
	}
	return nil
}
