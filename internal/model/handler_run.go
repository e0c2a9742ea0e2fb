package model

import (
	"strings"
	"time"
)

// HandlerType distinguishes the two handler kinds.
type HandlerType string

const (
	HandlerProducer HandlerType = "producer"
	HandlerConsumer HandlerType = "consumer"
)

// Phase is a HandlerRun's position in its state machine. Producer runs
// traverse PhasePending -> PhaseExecuting -> PhaseCommitted; consumer runs
// traverse PhasePending -> PhasePreparing -> PhasePrepared -> PhaseMutating
// -> PhaseMutated -> PhaseEmitting -> PhaseCommitted. PhaseFailed is
// reachable from any phase.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseExecuting Phase = "executing"
	PhasePreparing Phase = "preparing"
	PhasePrepared  Phase = "prepared"
	PhaseMutating  Phase = "mutating"
	PhaseMutated   Phase = "mutated"
	PhaseEmitting  Phase = "emitting"
	PhaseCommitted Phase = "committed"
	PhaseFailed    Phase = "failed"
)

// producerOrder and consumerOrder encode the monotonic phase sequences;
// they back Phase.Advances, which the store uses to reject backwards
// writes (invariant 6 of spec §8).
var producerOrder = []Phase{PhasePending, PhaseExecuting, PhaseCommitted}
var consumerOrder = []Phase{PhasePending, PhasePreparing, PhasePrepared, PhaseMutating, PhaseMutated, PhaseEmitting, PhaseCommitted}

// Advances reports whether moving from p to next is a legal forward step
// (or a move to PhaseFailed, always legal) for the given handler type.
func (p Phase) Advances(next Phase, handlerType HandlerType) bool {
	if next == PhaseFailed {
		return true
	}
	order := producerOrder
	if handlerType == HandlerConsumer {
		order = consumerOrder
	}
	from, to := -1, -1
	for i, ph := range order {
		if ph == p {
			from = i
		}
		if ph == next {
			to = i
		}
	}
	if from == -1 || to == -1 {
		return false
	}
	return to > from
}

// RunStatus is a HandlerRun's terminal/active status. Failed statuses
// carry the classified error kind as a suffix, e.g. "failed:network".
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCommitted RunStatus = "committed"
)

// RunStatusPaused builds a "paused:<reason>" status string.
func RunStatusPaused(reason string) RunStatus {
	return RunStatus("paused:" + reason)
}

// RunStatusFailed builds a "failed:<error_type>" status string.
func RunStatusFailed(errorType string) RunStatus {
	return RunStatus("failed:" + errorType)
}

// IsPaused reports whether s is a "paused:..." status.
func (s RunStatus) IsPaused() bool { return strings.HasPrefix(string(s), "paused:") }

// IsFailed reports whether s is a "failed:..." status.
func (s RunStatus) IsFailed() bool { return strings.HasPrefix(string(s), "failed:") }

// ErrorType extracts the <error_type> from a "failed:<error_type>" status,
// or "" if s is not a failed status.
func (s RunStatus) ErrorType() string {
	if !s.IsFailed() {
		return ""
	}
	return strings.TrimPrefix(string(s), "failed:")
}

// MutationOutcome is the consumer run's record of what its mutation did,
// surfaced to the emitting-phase handler body.
type MutationOutcome string

const (
	MutationOutcomeNone    MutationOutcome = "none"
	MutationOutcomeSuccess MutationOutcome = "success"
	MutationOutcomeFailure MutationOutcome = "failure"
	MutationOutcomeSkipped MutationOutcome = "skipped"
)

// EventReservation names the topic and message IDs a prepare phase wants
// to reserve.
type EventReservation struct {
	Topic string   `json:"topic"`
	IDs   []string `json:"ids"`
}

// IntendedMutation is the mutation a consumer's prepare phase wants to
// perform, carried in PrepareResult until the orchestrator creates the
// Mutation row.
type IntendedMutation struct {
	ToolNamespace  string                 `json:"tool_namespace"`
	ToolMethod     string                 `json:"tool_method"`
	Params         map[string]interface{} `json:"params"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	UITitle        string                 `json:"ui_title,omitempty"`
}

// PrepareResult is the consumer prepare phase's output: which events to
// reserve and what (if anything) to mutate. It is carried across retries
// once a run reaches PhaseMutating or later.
type PrepareResult struct {
	Reservations     []EventReservation `json:"reservations"`
	IntendedMutation *IntendedMutation  `json:"intended_mutation,omitempty"`
}

// HandlerRun is one execution attempt of one handler within a session.
type HandlerRun struct {
	ID          string      `json:"id"`
	ScriptRunID string      `json:"script_run_id"`
	WorkflowID  string      `json:"workflow_id"`
	HandlerType HandlerType `json:"handler_type"`
	HandlerName string      `json:"handler_name"`

	Phase  Phase     `json:"phase"`
	Status RunStatus `json:"status"`

	// RetryOf optionally links to the predecessor run whose work this
	// attempt continues.
	RetryOf string `json:"retry_of,omitempty"`

	PrepareResult *PrepareResult `json:"prepare_result,omitempty"`

	InputState  map[string]interface{} `json:"input_state,omitempty"`
	OutputState map[string]interface{} `json:"output_state,omitempty"`

	MutationOutcome MutationOutcome `json:"mutation_outcome"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// Cost is an accumulated, engine-opaque cost figure (e.g. sandbox
	// CPU-seconds or LLM token spend) carried for observability only.
	Cost float64 `json:"cost"`

	Logs []string `json:"logs,omitempty"`
}

// Terminal reports whether the run has reached a terminal phase.
func (r *HandlerRun) Terminal() bool {
	return r.Phase == PhaseCommitted || r.Phase == PhaseFailed
}

// Fail transitions the run to PhaseFailed with a classified error type,
// setting both the phase and the "failed:<kind>" status atomically so
// invariant 6 (phase committed iff status committed; phase failed iff
// status starts with failed:) can never be observed half-applied.
func (r *HandlerRun) Fail(errorType, message string) {
	r.Phase = PhaseFailed
	r.Status = RunStatusFailed(errorType)
	r.ErrorType = errorType
	r.Error = message
}

// Commit transitions the run to PhaseCommitted/RunCommitted atomically.
func (r *HandlerRun) Commit(now time.Time) {
	r.Phase = PhaseCommitted
	r.Status = RunCommitted
	r.CommittedAt = &now
}

// ResumePhase returns the phase a retry run should enter at, given the
// predecessor's phase: retries after mutation completion resume at
// PhaseEmitting and inherit PrepareResult; retries before mutation start
// fresh at PhasePending.
func (r *HandlerRun) ResumePhase() Phase {
	switch r.Phase {
	case PhaseMutated, PhaseEmitting:
		return PhaseEmitting
	default:
		return PhasePending
	}
}
