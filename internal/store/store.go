// Package store defines the persistence façade (spec §4.1): typed CRUD
// over workflows, handler_runs, mutations, topics, events, handler_state,
// and script_runs, plus the transactional bundles the higher layers
// require for invariant preservation. internal/store/sqlite and
// internal/store/memstore provide two implementations of the same
// interface.
package store

import (
	"context"
	"time"

	"github.com/r3e-network/workflowengine/internal/model"
)

// EventFilter narrows a Peek/list query over events.
type EventFilter struct {
	Status *model.EventStatus
	Limit  int
}

// Store is the persistence façade every higher-level component depends
// on. All multi-row operations are transactional: either they fully apply
// or they fail with a taxonomy.Internal error and leave no partial state.
type Store interface {
	// Workflows

	CreateWorkflow(ctx context.Context, w *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *model.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error

	// ListCandidateWorkflows returns workflows with status active and
	// maintenance = false, for the scheduler's candidate selection.
	ListCandidateWorkflows(ctx context.Context) ([]*model.Workflow, error)

	// ListWorkflowsWithIncompleteRuns returns every workflow that owns at
	// least one HandlerRun not in a terminal phase, for startup resumption.
	ListWorkflowsWithIncompleteRuns(ctx context.Context) ([]string, error)

	// HandlerRuns

	CreateHandlerRun(ctx context.Context, r *model.HandlerRun) error
	GetHandlerRun(ctx context.Context, id string) (*model.HandlerRun, error)
	UpdateHandlerRun(ctx context.Context, r *model.HandlerRun) error
	ListHandlerRunsByScriptRun(ctx context.Context, scriptRunID string) ([]*model.HandlerRun, error)

	// ListIncompleteHandlerRuns returns all non-terminal HandlerRuns
	// belonging to the given workflow, most recent first, for retry-chain
	// resumption.
	ListIncompleteHandlerRuns(ctx context.Context, workflowID string) ([]*model.HandlerRun, error)

	// AdvancePhase atomically writes a HandlerRun's new phase (and,
	// optionally, merges keys into its output_state) together, enforcing
	// that the new phase is a legal forward move.
	AdvancePhase(ctx context.Context, handlerRunID string, newPhase model.Phase, outputState map[string]interface{}) error

	// Mutations

	CreateMutation(ctx context.Context, m *model.Mutation) error
	GetMutation(ctx context.Context, id string) (*model.Mutation, error)
	GetMutationByHandlerRun(ctx context.Context, handlerRunID string) (*model.Mutation, error)
	ListInFlightMutations(ctx context.Context) ([]*model.Mutation, error)

	MarkMutationInFlight(ctx context.Context, mutationID string) error
	MarkMutationApplied(ctx context.Context, mutationID string, result map[string]interface{}) error
	MarkMutationFailed(ctx context.Context, mutationID string, reason string) error
	MarkMutationIndeterminate(ctx context.Context, mutationID string) error

	// ResolveMutationFailed is the "did not happen" user resolution: in
	// one transaction it marks the mutation failed(user_assert_failed),
	// releases its reserved events back to pending, sets
	// mutation_outcome=failure and advances the owning HandlerRun to
	// mutated, and clears pending_retry_run_id and workflow.error.
	ResolveMutationFailed(ctx context.Context, mutationID string) error

	// ResolveMutationSkipped is the "continue without retrying the side
	// effect" user resolution: marks events skipped instead of released,
	// sets mutation_outcome=skipped, and arranges for the scheduler to
	// create a retry run entering at emitting via pending_retry_run_id.
	ResolveMutationSkipped(ctx context.Context, mutationID string) error

	// Topics / Events

	GetOrCreateTopic(ctx context.Context, workflowID, name string) (*model.Topic, error)

	// PublishEvent is idempotent by (topic_id, message_id): publishing an
	// existing message_id is a no-op that returns the original event.
	PublishEvent(ctx context.Context, workflowID, topicName string, messageID, title string, payload map[string]interface{}, producingRunID string) (*model.Event, error)

	PeekEvents(ctx context.Context, workflowID, topicName string, filter EventFilter) ([]*model.Event, error)
	GetEventsByIDs(ctx context.Context, workflowID, topicName string, messageIDs []string) ([]*model.Event, error)

	// ReserveEvents reserves only currently-pending events; already
	// reserved events are silently skipped. Non-blocking, no timeout.
	ReserveEvents(ctx context.Context, runID string, reservations []model.EventReservation) error
	ConsumeEvents(ctx context.Context, runID string) error
	SkipEvents(ctx context.Context, runID string) error
	ReleaseEvents(ctx context.Context, runID string) error

	// HandlerState

	GetHandlerState(ctx context.Context, workflowID, handlerName string) (*model.HandlerState, error)
	PutHandlerState(ctx context.Context, state *model.HandlerState) error

	// ScriptRuns (sessions)

	CreateScriptRun(ctx context.Context, s *model.ScriptRun) error
	GetScriptRun(ctx context.Context, id string) (*model.ScriptRun, error)
	FinishScriptRun(ctx context.Context, id string, result model.SessionResult, finishedAt time.Time) error

	// ListInProgressScriptRuns returns every session with FinishedAt == nil,
	// for the single-session-per-workflow latch and startup reconciliation.
	ListInProgressScriptRuns(ctx context.Context) ([]*model.ScriptRun, error)

	// Close releases any resources held by the store.
	Close() error
}
