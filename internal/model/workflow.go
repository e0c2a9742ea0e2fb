// Package model defines the durable entities of the workflow engine —
// Workflow, HandlerRun, Mutation, Topic, Event, HandlerState, and
// ScriptRun (the persisted record of a session) — and their enums, as
// described by the persistence façade (internal/store).
package model

import "time"

// WorkflowStatus is the lifecycle status of a Workflow.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowReady    WorkflowStatus = "ready"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowError    WorkflowStatus = "error"
	WorkflowArchived WorkflowStatus = "archived"
)

// ScheduleSpec is a workflow's declared run cadence: either a shorthand
// interval ("5m", "1m", "1h", "1d") translated by internal/scheduler into
// a cron expression, or an explicit cron string.
type ScheduleSpec struct {
	Interval string `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

// HandlerConfig is the validated producer/consumer registry for a
// workflow: which handlers exist, their declared topics and frequency.
// It is validated by internal/policy before a workflow moves ready → active.
type HandlerConfig struct {
	Producers []ProducerConfig `json:"producers"`
	Consumers []ConsumerConfig `json:"consumers"`
}

// ProducerConfig describes one producer handler's declared frequency and
// the topics it is allowed to publish to.
type ProducerConfig struct {
	HandlerName string   `json:"handler_name"`
	Frequency   string   `json:"frequency"` // interval/cron shorthand, same grammar as ScheduleSpec
	Topics      []string `json:"topics"`
	// Script is the Starlark source the sandbox evaluates for this
	// handler's executing phase.
	Script string `json:"script"`
}

// ConsumerConfig describes one consumer handler's source topic.
type ConsumerConfig struct {
	HandlerName string `json:"handler_name"`
	Topic       string `json:"topic"`
	// PrepareScript and EmitScript are the Starlark sources the sandbox
	// evaluates for this handler's preparing and emitting phases
	// respectively. The mutating phase has no script: the intended
	// mutation is data computed by PrepareScript and carried on
	// PrepareResult, and the tool gate performs it directly.
	PrepareScript string `json:"prepare_script"`
	EmitScript    string `json:"emit_script"`
}

// Workflow is a durable user-defined automation: one scheduling unit.
type Workflow struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Status   WorkflowStatus `json:"status"`

	// Maintenance is set by the engine when it suspends a workflow for
	// agent repair; the scheduler never steps a workflow with
	// Maintenance = true regardless of status.
	Maintenance bool `json:"maintenance"`

	Schedule ScheduleSpec `json:"schedule"`

	// NextRunTimestamp is nil when the workflow has no scheduled next run
	// (e.g. after a schedule that yields no further occurrences, or while
	// paused/errored).
	NextRunTimestamp *time.Time `json:"next_run_timestamp,omitempty"`

	// PendingRetryRunID optionally points at a consumer HandlerRun awaiting
	// next() — set by mutation resolution, consumed by the session
	// orchestrator when building the next session's run plan.
	PendingRetryRunID string `json:"pending_retry_run_id,omitempty"`

	// Error is non-empty iff Status == WorkflowError. Only the engine
	// writes it during active session execution; only the user clears it
	// (which is also the only way Status leaves WorkflowError).
	Error string `json:"error,omitempty"`

	HandlerConfig  HandlerConfig `json:"handler_config"`
	ActiveScriptID string        `json:"active_script_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetError marks the workflow errored and stamps the unified error
// channel: Status == WorkflowError holds iff Error != "". Per the spec's
// Design Notes §9, the source has two overlapping error channels; this
// engine unifies them behind SetError/ClearError so that invariant can
// never be violated by a caller setting one field without the other.
func (w *Workflow) SetError(message string) {
	w.Error = message
	w.Status = WorkflowError
}

// ClearError is the user's resume signal: it clears the unified error
// channel and reactivates the workflow.
func (w *Workflow) ClearError() {
	w.Error = ""
	w.Status = WorkflowActive
	w.PendingRetryRunID = ""
}

// Eligible reports whether the scheduler may consider this workflow a
// candidate: active, not under maintenance, and due.
func (w *Workflow) Eligible(now time.Time) bool {
	if w.Status != WorkflowActive || w.Maintenance {
		return false
	}
	if w.NextRunTimestamp == nil {
		return false
	}
	return !w.NextRunTimestamp.After(now)
}
