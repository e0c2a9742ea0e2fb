package session_test

import (
	"context"
	"testing"

	"github.com/r3e-network/workflowengine/internal/eventbus"
	"github.com/r3e-network/workflowengine/internal/handler"
	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/mutation"
	"github.com/r3e-network/workflowengine/internal/sandbox"
	"github.com/r3e-network/workflowengine/internal/session"
	"github.com/r3e-network/workflowengine/internal/store/memstore"
	"github.com/r3e-network/workflowengine/internal/tool"
)

func newOrchestrator() (*session.Orchestrator, *memstore.Store, *eventbus.Bus) {
	ms := memstore.New()
	bus := eventbus.New(ms)
	ledger := mutation.New(ms, nil)
	sb := sandbox.New(context.Background())
	reg := tool.NewRegistry()
	tool.RegisterBuiltins(reg)
	eng := handler.New(ms, bus, ledger, sb, reg, nil)
	return session.New(ms, bus, eng, ledger, nil), ms, bus
}

func producerWorkflow(t *testing.T, ms *memstore.Store) *model.Workflow {
	t.Helper()
	w := &model.Workflow{
		Title:  "t",
		Status: model.WorkflowActive,
		HandlerConfig: model.HandlerConfig{
			Producers: []model.ProducerConfig{
				{HandlerName: "p1", Frequency: "1m", Topics: []string{"inbox"}, Script: `publish(topic="inbox", message_id="m1", title="hi", payload={})`},
			},
		},
	}
	if err := ms.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func TestRunScheduledCompletesAndRunsDueProducer(t *testing.T) {
	ctx := context.Background()
	o, ms, bus := newOrchestrator()
	wf := producerWorkflow(t, ms)

	_, res, err := o.RunScheduled(ctx, wf)
	if err != nil {
		t.Fatalf("run scheduled: %v", err)
	}
	if res.Kind != model.SessionCompleted {
		t.Fatalf("expected completed, got %s (%v)", res.Kind, res.Err)
	}

	events, err := bus.Peek(ctx, wf.ID, "inbox", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(events) != 1 {
		t.Fatal("expected the due producer to have published")
	}
}

func TestRunScheduledSuspendsWhenNothingIsDue(t *testing.T) {
	ctx := context.Background()
	o, ms, _ := newOrchestrator()
	wf := &model.Workflow{Title: "empty", Status: model.WorkflowActive}
	if err := ms.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	_, res, err := o.RunScheduled(ctx, wf)
	if err != nil {
		t.Fatalf("run scheduled: %v", err)
	}
	if res.Kind != model.SessionSuspended {
		t.Fatalf("expected suspended, got %s", res.Kind)
	}
}

func TestConcurrentSessionForSameWorkflowIsRejected(t *testing.T) {
	ctx := context.Background()
	o, ms, _ := newOrchestrator()
	wf := producerWorkflow(t, ms)

	sr := &model.ScriptRun{WorkflowID: wf.ID, Trigger: model.TriggerSchedule}
	if err := ms.CreateScriptRun(ctx, sr); err != nil {
		t.Fatalf("create script run: %v", err)
	}

	if _, _, err := o.RunScheduled(ctx, wf); err == nil {
		t.Fatal("expected the single-session-per-workflow latch to reject a second session")
	}
}

func TestResumeIncompleteReattachesAbandonedConsumerRun(t *testing.T) {
	ctx := context.Background()
	o, ms, bus := newOrchestrator()
	wf := &model.Workflow{
		Title:  "c",
		Status: model.WorkflowActive,
		HandlerConfig: model.HandlerConfig{
			Consumers: []model.ConsumerConfig{
				{HandlerName: "c1", Topic: "inbox", PrepareScript: `reserve = []`, EmitScript: `pass`},
			},
		},
	}
	if err := ms.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := bus.Publish(ctx, wf.ID, "inbox", "m1", "hi", nil, "producer-run"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sr := &model.ScriptRun{WorkflowID: wf.ID, Trigger: model.TriggerSchedule}
	if err := ms.CreateScriptRun(ctx, sr); err != nil {
		t.Fatalf("create script run: %v", err)
	}
	run := &model.HandlerRun{ScriptRunID: sr.ID, WorkflowID: wf.ID, HandlerType: model.HandlerConsumer, HandlerName: "c1", Phase: model.PhaseEmitting, Status: model.RunActive, MutationOutcome: model.MutationOutcomeNone}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("create handler run: %v", err)
	}

	if err := o.ResumeIncomplete(ctx); err != nil {
		t.Fatalf("resume incomplete: %v", err)
	}

	// The abandoned predecessor run is left as history, not mutated in
	// place; resumption drives a brand new HandlerRun to completion.
	unchanged, err := ms.GetHandlerRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get handler run: %v", err)
	}
	if unchanged.Phase != model.PhaseEmitting || unchanged.Terminal() {
		t.Fatal("expected the predecessor run to be left untouched")
	}

	incomplete, err := ms.ListIncompleteHandlerRuns(ctx, wf.ID)
	if err != nil {
		t.Fatalf("list incomplete: %v", err)
	}
	if len(incomplete) != 1 || incomplete[0].ID != run.ID {
		t.Fatal("expected only the original predecessor to remain incomplete; its retry should have committed")
	}
}
