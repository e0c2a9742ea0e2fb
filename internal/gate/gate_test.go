package gate

import (
	"testing"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

func TestProducerExecutingAllowsReadPublishRegister(t *testing.T) {
	g := ForPhase(model.HandlerProducer, model.PhaseExecuting)

	for _, op := range []Operation{OpRead, OpTopicPublish, OpRegisterInput} {
		if err := g.Check(op); err != nil {
			t.Fatalf("expected %q allowed in producer executing, got %v", op, err)
		}
	}
	if err := g.Check(OpMutate); err == nil {
		t.Fatal("expected mutate to be denied in producer executing")
	}
}

func TestConsumerPhasesGateDistinctOperations(t *testing.T) {
	prepare := ForPhase(model.HandlerConsumer, model.PhasePreparing)
	if err := prepare.Check(OpTopicPeek); err != nil {
		t.Fatalf("expected topic_peek allowed in preparing, got %v", err)
	}
	if err := prepare.Check(OpMutate); err == nil {
		t.Fatal("expected mutate denied in preparing")
	}

	mutate := ForPhase(model.HandlerConsumer, model.PhaseMutating)
	if err := mutate.Check(OpMutate); err != nil {
		t.Fatalf("expected mutate allowed in mutating, got %v", err)
	}

	emit := ForPhase(model.HandlerConsumer, model.PhaseEmitting)
	if err := emit.Check(OpTopicPublish); err != nil {
		t.Fatalf("expected topic_publish allowed in emitting, got %v", err)
	}
	if err := emit.Check(OpRead); err == nil {
		t.Fatal("expected read denied in emitting")
	}
}

func TestMutateAllowsOnlyOnePerPhase(t *testing.T) {
	g := ForPhase(model.HandlerConsumer, model.PhaseMutating)

	if err := g.Check(OpMutate); err != nil {
		t.Fatalf("first mutate should succeed: %v", err)
	}
	err := g.Check(OpMutate)
	if err == nil {
		t.Fatal("expected second mutate in the same phase to be denied")
	}
	if taxonomy.KindOf(err) != taxonomy.Logic {
		t.Fatalf("expected a Logic error, got %v", taxonomy.KindOf(err))
	}
}

func TestInteractiveGateAllowsEverything(t *testing.T) {
	g := Interactive()

	for _, op := range []Operation{OpRead, OpMutate, OpTopicPeek, OpTopicPublish, OpRegisterInput} {
		if err := g.Check(op); err != nil {
			t.Fatalf("expected %q allowed outside a phased context, got %v", op, err)
		}
	}
	// A second mutate is still unrestricted outside a phased context.
	if err := g.Check(OpMutate); err != nil {
		t.Fatalf("expected repeated mutate allowed interactively, got %v", err)
	}
}

func TestGateString(t *testing.T) {
	g := ForPhase(model.HandlerConsumer, model.PhaseMutating)
	if got := g.String(); got != "consumer/mutating" {
		t.Fatalf("unexpected gate string: %q", got)
	}
	if got := Interactive().String(); got != "interactive" {
		t.Fatalf("unexpected interactive gate string: %q", got)
	}
}
