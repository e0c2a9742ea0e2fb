package engineapi_test

import (
	"context"
	"testing"

	"github.com/r3e-network/workflowengine/internal/engineapi"
	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/store/memstore"
)

func newWorkflow(t *testing.T, ms *memstore.Store, status model.WorkflowStatus) *model.Workflow {
	t.Helper()
	w := &model.Workflow{Title: "t", Status: status}
	if err := ms.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func TestPauseAndResumeWorkflow(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	api := engineapi.New(ms)
	wf := newWorkflow(t, ms, model.WorkflowActive)

	if err := api.PauseWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, _ := ms.GetWorkflow(ctx, wf.ID)
	if paused.Status != model.WorkflowPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	if err := api.ResumeWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, _ := ms.GetWorkflow(ctx, wf.ID)
	if resumed.Status != model.WorkflowActive {
		t.Fatalf("expected active, got %s", resumed.Status)
	}
}

func TestResumeWorkflowClearsError(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	api := engineapi.New(ms)
	wf := newWorkflow(t, ms, model.WorkflowActive)
	wf.SetError("boom")
	wf.PendingRetryRunID = "run-1"
	if err := ms.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := api.ResumeWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, _ := ms.GetWorkflow(ctx, wf.ID)
	if resumed.Error != "" || resumed.Status != model.WorkflowActive || resumed.PendingRetryRunID != "" {
		t.Fatalf("expected error channel and pending retry cleared, got %+v", resumed)
	}
}

func TestArchiveAndUnarchiveWorkflow(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	api := engineapi.New(ms)
	wf := newWorkflow(t, ms, model.WorkflowPaused)

	if err := api.ArchiveWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	archived, _ := ms.GetWorkflow(ctx, wf.ID)
	if archived.Status != model.WorkflowArchived {
		t.Fatalf("expected archived, got %s", archived.Status)
	}

	if err := api.PauseWorkflow(ctx, wf.ID); err == nil {
		t.Fatal("expected pausing an archived workflow to be rejected")
	}

	if err := api.UnarchiveWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	unarchived, _ := ms.GetWorkflow(ctx, wf.ID)
	if unarchived.Status != model.WorkflowPaused {
		t.Fatalf("expected paused after unarchive, got %s", unarchived.Status)
	}
}

func TestActivateWorkflowRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	api := engineapi.New(ms)
	wf := newWorkflow(t, ms, model.WorkflowReady)
	wf.HandlerConfig = model.HandlerConfig{
		Consumers: []model.ConsumerConfig{
			{HandlerName: "c1", Topic: "orphan", PrepareScript: "pass", EmitScript: "pass"},
		},
	}
	if err := ms.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatalf("update: %v", err)
	}

	result, err := api.ActivateWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected activation to be rejected for an orphan consumer topic")
	}
	unchanged, _ := ms.GetWorkflow(ctx, wf.ID)
	if unchanged.Status != model.WorkflowReady {
		t.Fatalf("expected status to remain ready after a rejected activation, got %s", unchanged.Status)
	}
}

func TestActivateWorkflowAllowsWellFormedConfig(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	api := engineapi.New(ms)
	wf := newWorkflow(t, ms, model.WorkflowReady)
	wf.HandlerConfig = model.HandlerConfig{
		Producers: []model.ProducerConfig{
			{HandlerName: "p1", Frequency: "5m", Topics: []string{"inbox"}, Script: "pass"},
		},
	}
	if err := ms.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatalf("update: %v", err)
	}

	result, err := api.ActivateWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected activation to be allowed, got violations: %+v", result.Violations)
	}
	activated, _ := ms.GetWorkflow(ctx, wf.ID)
	if activated.Status != model.WorkflowActive {
		t.Fatalf("expected active, got %s", activated.Status)
	}
}

func TestResolveMutationFailedClearsWorkflowError(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	api := engineapi.New(ms)
	wf := newWorkflow(t, ms, model.WorkflowActive)
	wf.SetError("mutation stuck")
	if err := ms.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatalf("update workflow: %v", err)
	}

	run := &model.HandlerRun{WorkflowID: wf.ID, HandlerType: model.HandlerConsumer, HandlerName: "c1", Phase: model.PhaseMutating, Status: model.RunActive}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("create handler run: %v", err)
	}
	m := &model.Mutation{HandlerRunID: run.ID, ToolNamespace: "email", ToolMethod: "send"}
	if err := ms.CreateMutation(ctx, m); err != nil {
		t.Fatalf("create mutation: %v", err)
	}
	if err := ms.MarkMutationInFlight(ctx, m.ID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := ms.MarkMutationIndeterminate(ctx, m.ID); err != nil {
		t.Fatalf("mark indeterminate: %v", err)
	}

	if err := api.ResolveMutationFailed(ctx, m.ID); err != nil {
		t.Fatalf("resolve mutation failed: %v", err)
	}

	resolved, err := ms.GetMutation(ctx, m.ID)
	if err != nil {
		t.Fatalf("get mutation: %v", err)
	}
	if resolved.Status != model.MutationFailed || resolved.ResolvedBy != model.ResolvedUserAssertFailed {
		t.Fatalf("expected failed/user_assert_failed, got %+v", resolved)
	}

	clearedWf, err := ms.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if clearedWf.Error != "" {
		t.Fatal("expected workflow.error to be cleared by the resolution")
	}
}
