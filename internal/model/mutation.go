package model

import "time"

// MutationStatus is the ledger status of a Mutation, advancing
// pending -> in_flight -> {applied, failed, indeterminate}.
type MutationStatus string

const (
	MutationPending      MutationStatus = "pending"
	MutationInFlight     MutationStatus = "in_flight"
	MutationApplied      MutationStatus = "applied"
	MutationFailed       MutationStatus = "failed"
	MutationIndeterminate MutationStatus = "indeterminate"
)

// Terminal reports whether the status is one the ledger treats as settled
// for scheduling purposes. Indeterminate is terminal until a user
// resolution operation reclassifies it.
func (s MutationStatus) Terminal() bool {
	switch s {
	case MutationApplied, MutationFailed, MutationIndeterminate:
		return true
	}
	return false
}

// ResolvedBy records how a user resolved an indeterminate mutation.
type ResolvedBy string

const (
	ResolvedNone             ResolvedBy = ""
	ResolvedUserSkip         ResolvedBy = "user_skip"
	ResolvedUserRetry        ResolvedBy = "user_retry"
	ResolvedUserAssertFailed ResolvedBy = "user_assert_failed"
)

// Mutation is the at-most-one external side effect of a consumer
// HandlerRun, uniquely keyed by HandlerRunID.
type Mutation struct {
	ID          string `json:"id"`
	HandlerRunID string `json:"handler_run_id"`

	ToolNamespace string                 `json:"tool_namespace"`
	ToolMethod    string                 `json:"tool_method"`
	Params        map[string]interface{} `json:"params"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Status MutationStatus `json:"status"`

	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`

	// ReconciliationAttempts counts how many times the reconciliation
	// loop has observed this row stuck in_flight across restarts.
	ReconciliationAttempts int `json:"reconciliation_attempts"`

	ResolvedBy ResolvedBy `json:"resolved_by,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
}

// MarkInFlight transitions the mutation pending -> in_flight.
func (m *Mutation) MarkInFlight(now time.Time) {
	m.Status = MutationInFlight
	m.UpdatedAt = now
}

// MarkApplied transitions the mutation to its applied terminal state.
func (m *Mutation) MarkApplied(result map[string]interface{}, now time.Time) {
	m.Status = MutationApplied
	m.Result = result
	m.AppliedAt = &now
	m.UpdatedAt = now
}

// MarkFailed transitions the mutation to its failed terminal state.
func (m *Mutation) MarkFailed(reason string, now time.Time) {
	m.Status = MutationFailed
	m.Error = reason
	m.UpdatedAt = now
}

// MarkIndeterminate is called by the reconciliation loop for a mutation
// found in_flight with no live owning process.
func (m *Mutation) MarkIndeterminate(now time.Time) {
	m.Status = MutationIndeterminate
	m.ReconciliationAttempts++
	m.UpdatedAt = now
}

// ResolveFailed is the "did not happen" user resolution: terminal status
// becomes failed, tagged user_assert_failed.
func (m *Mutation) ResolveFailed(now time.Time) {
	m.Status = MutationFailed
	m.ResolvedBy = ResolvedUserAssertFailed
	m.UpdatedAt = now
}

// ResolveSkipped is the "continue without retrying the side effect" user
// resolution.
func (m *Mutation) ResolveSkipped(now time.Time) {
	m.Status = MutationFailed
	m.ResolvedBy = ResolvedUserSkip
	m.UpdatedAt = now
}
