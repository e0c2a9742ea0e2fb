package model

import "time"

// TriggerKind names what started a session (ScriptRun): a scheduler
// fire, a retry continuation, or post-restart recovery.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerRetry    TriggerKind = "retry"
	TriggerResume   TriggerKind = "resume"
)

// SessionResultKind is the closed sum type a session reports back to the
// scheduler on completion.
type SessionResultKind string

const (
	SessionCompleted SessionResultKind = "completed"
	SessionSuspended SessionResultKind = "suspended"
	SessionFailed    SessionResultKind = "failed"
)

// SessionResult is the discriminated-union outcome of one session,
// matching spec §4.5 item 3: completed | suspended:<reason> | failed:<error_type>.
type SessionResult struct {
	Kind SessionResultKind

	// Reason is set when Kind == SessionSuspended.
	Reason string

	// ErrorType is set when Kind == SessionFailed; it is one of the
	// taxonomy.Kind values.
	ErrorType string

	// Err carries the underlying classified error for SessionFailed.
	Err error
}

// ScriptRun is the persisted record of one session: a scheduler-triggered
// sequence of handler runs against one workflow, enforced single-in-flight
// per workflow by internal/session.
type ScriptRun struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	Trigger    TriggerKind `json:"trigger"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result *SessionResult `json:"-"`

	// HandlerRunIDs records the ordered chain of handler runs this
	// session drove, for resumption and observability.
	HandlerRunIDs []string `json:"handler_run_ids,omitempty"`
}

// InProgress reports whether the session has not yet finished — the
// signal the single-session-per-workflow latch in internal/session checks.
func (s *ScriptRun) InProgress() bool {
	return s.FinishedAt == nil
}

// Finish marks the session finished with the given result.
func (s *ScriptRun) Finish(result SessionResult, now time.Time) {
	s.Result = &result
	s.FinishedAt = &now
}
