package mutation_test

import (
	"context"
	"testing"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/mutation"
	"github.com/r3e-network/workflowengine/internal/store/memstore"
)

func newHandlerRun(t *testing.T, ms *memstore.Store) *model.HandlerRun {
	t.Helper()
	ctx := context.Background()
	w := &model.Workflow{Title: "t", Status: model.WorkflowActive}
	if err := ms.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	r := &model.HandlerRun{WorkflowID: w.ID, HandlerType: model.HandlerConsumer, Phase: model.PhaseMutating, Status: model.RunActive}
	if err := ms.CreateHandlerRun(ctx, r); err != nil {
		t.Fatalf("create handler run: %v", err)
	}
	return r
}

func TestBeginStartsInFlight(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	l := mutation.New(ms, nil)
	r := newHandlerRun(t, ms)

	m, err := l.Begin(ctx, r.ID, model.IntendedMutation{ToolNamespace: "email", ToolMethod: "send"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if m.Status != model.MutationInFlight {
		t.Fatalf("expected in_flight, got %s", m.Status)
	}
}

func TestAppliedAdvancesHandlerRunToMutated(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	l := mutation.New(ms, nil)
	r := newHandlerRun(t, ms)

	m, err := l.Begin(ctx, r.ID, model.IntendedMutation{ToolNamespace: "email", ToolMethod: "send"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.Applied(ctx, m.ID, map[string]interface{}{"id": "123"}); err != nil {
		t.Fatalf("applied: %v", err)
	}

	updated, err := ms.GetHandlerRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("get handler run: %v", err)
	}
	if updated.Phase != model.PhaseMutated {
		t.Fatalf("expected phase mutated, got %s", updated.Phase)
	}
	if updated.MutationOutcome != model.MutationOutcomeSuccess {
		t.Fatalf("expected outcome success, got %s", updated.MutationOutcome)
	}
}

func TestReconcileMarksInFlightIndeterminateAndErrorsWorkflow(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	l := mutation.New(ms, nil)
	r := newHandlerRun(t, ms)

	m, err := l.Begin(ctx, r.ID, model.IntendedMutation{ToolNamespace: "email", ToolMethod: "send"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	res, err := l.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Indeterminate != 1 {
		t.Fatalf("expected 1 indeterminate mutation, got %d", res.Indeterminate)
	}

	got, err := ms.GetMutation(ctx, m.ID)
	if err != nil {
		t.Fatalf("get mutation: %v", err)
	}
	if got.Status != model.MutationIndeterminate {
		t.Fatalf("expected indeterminate, got %s", got.Status)
	}

	w, err := ms.GetWorkflow(ctx, r.WorkflowID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if w.Status != model.WorkflowError || w.Error == "" {
		t.Fatal("an indeterminate mutation must set the workflow's unified error channel")
	}
}

func TestResolveSkippedSetsPendingRetryRunID(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	l := mutation.New(ms, nil)
	r := newHandlerRun(t, ms)

	m, err := l.Begin(ctx, r.ID, model.IntendedMutation{ToolNamespace: "email", ToolMethod: "send"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := l.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := l.ResolveSkipped(ctx, m.ID); err != nil {
		t.Fatalf("resolve skipped: %v", err)
	}

	w, err := ms.GetWorkflow(ctx, r.WorkflowID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if w.Error != "" {
		t.Fatal("resolve skipped must clear the workflow error")
	}
	if w.PendingRetryRunID != r.ID {
		t.Fatal("resolve skipped must set pending_retry_run_id to the frozen handler run")
	}
}
