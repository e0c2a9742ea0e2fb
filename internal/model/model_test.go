package model

import (
	"testing"
	"time"
)

func TestPhaseAdvancesProducer(t *testing.T) {
	if !PhasePending.Advances(PhaseExecuting, HandlerProducer) {
		t.Fatal("pending -> executing must be a legal producer advance")
	}
	if PhaseExecuting.Advances(PhasePending, HandlerProducer) {
		t.Fatal("executing -> pending must not be legal (phases move forward only)")
	}
	if !PhaseExecuting.Advances(PhaseCommitted, HandlerProducer) {
		t.Fatal("executing -> committed must be a legal producer advance")
	}
}

func TestPhaseAdvancesConsumer(t *testing.T) {
	steps := []Phase{PhasePending, PhasePreparing, PhasePrepared, PhaseMutating, PhaseMutated, PhaseEmitting, PhaseCommitted}
	for i := 0; i < len(steps)-1; i++ {
		if !steps[i].Advances(steps[i+1], HandlerConsumer) {
			t.Fatalf("%s -> %s must be a legal consumer advance", steps[i], steps[i+1])
		}
	}
	if PhaseMutating.Advances(PhasePreparing, HandlerConsumer) {
		t.Fatal("mutating -> preparing must not be legal")
	}
}

func TestPhaseFailedAlwaysReachable(t *testing.T) {
	if !PhasePreparing.Advances(PhaseFailed, HandlerConsumer) {
		t.Fatal("any phase must be able to advance to failed")
	}
}

func TestHandlerRunFailSetsConsistentState(t *testing.T) {
	r := &HandlerRun{Phase: PhaseMutating, Status: RunActive}
	r.Fail("network", "dial timeout")

	if r.Phase != PhaseFailed {
		t.Fatal("expected phase failed")
	}
	if !r.Status.IsFailed() {
		t.Fatal("expected status to be failed:<kind>")
	}
	if r.Status.ErrorType() != "network" {
		t.Fatalf("expected error type network, got %s", r.Status.ErrorType())
	}
}

func TestHandlerRunResumePhase(t *testing.T) {
	mutated := &HandlerRun{Phase: PhaseMutated}
	if mutated.ResumePhase() != PhaseEmitting {
		t.Fatal("a run stuck at mutated must resume at emitting")
	}

	preparing := &HandlerRun{Phase: PhasePreparing}
	if preparing.ResumePhase() != PhasePending {
		t.Fatal("a run that failed before mutation must resume at pending with a fresh plan")
	}
}

func TestEventReleaseIncrementsAttemptNumber(t *testing.T) {
	now := time.Now()
	e := &Event{Status: EventPending, AttemptNumber: 1} // publish sets attempt_number to 1

	e.Reserve("run-1", now)
	if e.AttemptNumber != 1 {
		t.Fatalf("reserve must not change attempt_number, got %d", e.AttemptNumber)
	}

	e.Release(now)
	if e.Status != EventPending {
		t.Fatal("release must return the event to pending")
	}
	if e.AttemptNumber != 2 {
		t.Fatalf("expected attempt_number 2 after one reserve+release round-trip, got %d", e.AttemptNumber)
	}

	e.Reserve("run-2", now)
	if e.AttemptNumber != 2 {
		t.Fatalf("a second reservation must not bump attempt_number on its own, got %d", e.AttemptNumber)
	}
}

func TestWorkflowUnifiedErrorChannel(t *testing.T) {
	w := &Workflow{Status: WorkflowActive}
	w.SetError("auth expired")

	if w.Status != WorkflowError {
		t.Fatal("SetError must set status to error")
	}
	if w.Error == "" {
		t.Fatal("SetError must set a non-empty error message")
	}

	w.ClearError()
	if w.Error != "" || w.Status != WorkflowActive {
		t.Fatal("ClearError must clear error and reactivate the workflow")
	}
}

func TestWorkflowEligible(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	w := &Workflow{Status: WorkflowActive, NextRunTimestamp: &past}
	if !w.Eligible(now) {
		t.Fatal("an active, due, non-maintenance workflow must be eligible")
	}

	w.Maintenance = true
	if w.Eligible(now) {
		t.Fatal("a workflow under maintenance must never be eligible")
	}
}
