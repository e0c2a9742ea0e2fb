package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/workflowengine/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), Config{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetWorkflow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	wf := &model.Workflow{
		Title:  "daily digest",
		Status: model.WorkflowDraft,
	}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if wf.ID == "" {
		t.Fatal("expected CreateWorkflow to assign an id")
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Title != wf.Title {
		t.Fatalf("expected title %q, got %q", wf.Title, got.Title)
	}
}

func TestUpdateWorkflowRejectsUnknownID(t *testing.T) {
	s := setupTestStore(t)
	err := s.UpdateWorkflow(context.Background(), &model.Workflow{ID: "does-not-exist", Status: model.WorkflowActive})
	if err == nil {
		t.Fatal("expected updating an unknown workflow to fail")
	}
}

func TestListCandidateWorkflowsFiltersByStatusAndMaintenance(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	active := &model.Workflow{Title: "active", Status: model.WorkflowActive}
	paused := &model.Workflow{Title: "paused", Status: model.WorkflowPaused}
	maintaining := &model.Workflow{Title: "maintaining", Status: model.WorkflowActive, Maintenance: true}

	for _, wf := range []*model.Workflow{active, paused, maintaining} {
		if err := s.CreateWorkflow(ctx, wf); err != nil {
			t.Fatalf("create workflow: %v", err)
		}
	}

	candidates, err := s.ListCandidateWorkflows(ctx)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != active.ID {
		t.Fatalf("expected only the active, non-maintenance workflow, got %+v", candidates)
	}
}

func TestDeleteWorkflowRemovesIt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	wf := &model.Workflow{Title: "temp", Status: model.WorkflowDraft}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := s.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("delete workflow: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, wf.ID); err == nil {
		t.Fatal("expected get after delete to fail")
	}
}

func TestPublishEventIsIdempotentByMessageID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	wf := &model.Workflow{Title: "producer", Status: model.WorkflowActive}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	first, err := s.PublishEvent(ctx, wf.ID, "inbox", "msg-1", "first title", nil, "run-1")
	if err != nil {
		t.Fatalf("publish event: %v", err)
	}
	second, err := s.PublishEvent(ctx, wf.ID, "inbox", "msg-1", "second title", nil, "run-2")
	if err != nil {
		t.Fatalf("republish event: %v", err)
	}
	if second.ID != first.ID || second.Title != first.Title {
		t.Fatalf("expected republishing the same message_id to be a no-op, got %+v vs %+v", first, second)
	}
}

func TestResolveMutationFailedClearsWorkflowErrorAndReleasesEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	wf := &model.Workflow{Title: "consumer", Status: model.WorkflowPaused}
	wf.SetError("mutation stuck indeterminate")
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	run := &model.HandlerRun{
		WorkflowID:  wf.ID,
		HandlerType: model.HandlerConsumer,
		HandlerName: "c1",
		Phase:       model.PhaseMutating,
		Status:      model.RunActive,
	}
	if err := s.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("create handler run: %v", err)
	}

	m := &model.Mutation{HandlerRunID: run.ID, ToolNamespace: "email", ToolMethod: "send"}
	if err := s.CreateMutation(ctx, m); err != nil {
		t.Fatalf("create mutation: %v", err)
	}
	if err := s.MarkMutationInFlight(ctx, m.ID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	if err := s.MarkMutationIndeterminate(ctx, m.ID); err != nil {
		t.Fatalf("mark indeterminate: %v", err)
	}

	if err := s.ResolveMutationFailed(ctx, m.ID); err != nil {
		t.Fatalf("resolve mutation failed: %v", err)
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Error != "" {
		t.Fatalf("expected workflow error to be cleared, got %q", got.Error)
	}

	mut, err := s.GetMutation(ctx, m.ID)
	if err != nil {
		t.Fatalf("get mutation: %v", err)
	}
	if mut.Status != model.MutationFailed {
		t.Fatalf("expected mutation status failed, got %s", mut.Status)
	}
}

func TestCreateAndFinishScriptRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	wf := &model.Workflow{Title: "session target", Status: model.WorkflowActive}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	sr := &model.ScriptRun{WorkflowID: wf.ID, Trigger: model.TriggerSchedule, StartedAt: time.Now()}
	if err := s.CreateScriptRun(ctx, sr); err != nil {
		t.Fatalf("create script run: %v", err)
	}

	inProgress, err := s.ListInProgressScriptRuns(ctx)
	if err != nil {
		t.Fatalf("list in-progress: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != sr.ID {
		t.Fatalf("expected one in-progress script run, got %+v", inProgress)
	}

	result := model.SessionResult{Kind: model.SessionCompleted}
	if err := s.FinishScriptRun(ctx, sr.ID, result, time.Now()); err != nil {
		t.Fatalf("finish script run: %v", err)
	}

	inProgress, err = s.ListInProgressScriptRuns(ctx)
	if err != nil {
		t.Fatalf("list in-progress after finish: %v", err)
	}
	if len(inProgress) != 0 {
		t.Fatalf("expected no in-progress script runs after finishing, got %+v", inProgress)
	}
}
