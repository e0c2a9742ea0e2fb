package eventbus_test

import (
	"context"
	"testing"

	"github.com/r3e-network/workflowengine/internal/eventbus"
	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/store/memstore"
)

func newWorkflow(t *testing.T, ms *memstore.Store) string {
	t.Helper()
	w := &model.Workflow{Title: "t", Status: model.WorkflowActive}
	if err := ms.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w.ID
}

// newConsumerRun creates a handler run in wfID, since reservations resolve
// their owning workflow through the run row.
func newConsumerRun(t *testing.T, ms *memstore.Store, wfID string) string {
	t.Helper()
	r := &model.HandlerRun{WorkflowID: wfID, HandlerType: model.HandlerConsumer, HandlerName: "consumer", Phase: model.PhasePending}
	if err := ms.CreateHandlerRun(context.Background(), r); err != nil {
		t.Fatalf("create handler run: %v", err)
	}
	return r.ID
}

func TestPublishIsIdempotentByMessageID(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	bus := eventbus.New(ms)
	wfID := newWorkflow(t, ms)

	e1, err := bus.Publish(ctx, wfID, "inbox", "msg-1", "hello", nil, "run-1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	e2, err := bus.Publish(ctx, wfID, "inbox", "msg-1", "hello again", nil, "run-2")
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if e1.ID != e2.ID {
		t.Fatal("republishing the same message_id must return the original event")
	}

	events, err := bus.Peek(ctx, wfID, "inbox", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one pending event, got %d", len(events))
	}
}

func TestReserveConsumeLifecycle(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	bus := eventbus.New(ms)
	wfID := newWorkflow(t, ms)

	if _, err := bus.Publish(ctx, wfID, "inbox", "msg-1", "hello", nil, "run-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	consumerRun := newConsumerRun(t, ms, wfID)
	if err := bus.Reserve(ctx, consumerRun, []model.EventReservation{{Topic: "inbox", IDs: []string{"msg-1"}}}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if events, _ := bus.Peek(ctx, wfID, "inbox", 10); len(events) != 0 {
		t.Fatal("a reserved event must no longer appear in a pending-only peek")
	}

	if err := bus.Consume(ctx, consumerRun); err != nil {
		t.Fatalf("consume: %v", err)
	}

	got, err := bus.GetByIDs(ctx, wfID, "inbox", []string{"msg-1"})
	if err != nil {
		t.Fatalf("get by ids: %v", err)
	}
	if len(got) != 1 || got[0].Status != model.EventConsumed {
		t.Fatal("expected msg-1 to be consumed")
	}
}

func TestReleaseReturnsEventToPendingForRetry(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	bus := eventbus.New(ms)
	wfID := newWorkflow(t, ms)

	if _, err := bus.Publish(ctx, wfID, "inbox", "msg-1", "hello", nil, "run-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	consumerRun := newConsumerRun(t, ms, wfID)
	if err := bus.Reserve(ctx, consumerRun, []model.EventReservation{{Topic: "inbox", IDs: []string{"msg-1"}}}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := bus.Release(ctx, consumerRun); err != nil {
		t.Fatalf("release: %v", err)
	}

	events, err := bus.Peek(ctx, wfID, "inbox", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(events) != 1 {
		t.Fatal("a released event must return to the pending queue")
	}
	if events[0].AttemptNumber != 2 {
		t.Fatalf("expected attempt_number 2 after one reserve+release round-trip, got %d", events[0].AttemptNumber)
	}
}
