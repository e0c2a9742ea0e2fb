// Package engineapi is the small, UI-facing resolution surface the
// engine exposes (spec §6): pause/resume/archive/unarchive a workflow,
// and resolve an indeterminate mutation. Every operation here assumes
// quiescent state — the caller's responsibility is to not invoke these
// while the scheduler is actively stepping the same workflow. The engine
// itself writes workflow.status only to move a workflow into error
// (escalated retries, needs-attention failures, indeterminate mutations),
// and nothing here guards against that write racing with these calls.
package engineapi

import (
	"context"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/policy"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

// API is the resolution surface, backed directly by the persistence
// façade.
type API struct {
	store store.Store
}

// New returns an API over the given store.
func New(s store.Store) *API {
	return &API{store: s}
}

// PauseWorkflow moves an active workflow to paused, taking it out of
// scheduler candidacy without touching its configuration or schedule.
func (a *API) PauseWorkflow(ctx context.Context, workflowID string) error {
	wf, err := a.get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == model.WorkflowArchived {
		return taxonomy.NewLogicError("cannot pause an archived workflow")
	}
	wf.Status = model.WorkflowPaused
	return a.save(ctx, wf)
}

// ResumeWorkflow reactivates a paused or errored workflow, clearing the
// unified error channel (the only place outside the engine itself that
// may clear Workflow.Error).
func (a *API) ResumeWorkflow(ctx context.Context, workflowID string) error {
	wf, err := a.get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == model.WorkflowArchived {
		return taxonomy.NewLogicError("cannot resume an archived workflow")
	}
	wf.ClearError()
	return a.save(ctx, wf)
}

// ArchiveWorkflow retires a workflow from scheduling permanently (until
// UnarchiveWorkflow). Archived workflows are never candidates regardless
// of NextRunTimestamp or Maintenance.
func (a *API) ArchiveWorkflow(ctx context.Context, workflowID string) error {
	wf, err := a.get(ctx, workflowID)
	if err != nil {
		return err
	}
	wf.Status = model.WorkflowArchived
	return a.save(ctx, wf)
}

// UnarchiveWorkflow returns an archived workflow to paused, requiring an
// explicit ResumeWorkflow before it schedules again.
func (a *API) UnarchiveWorkflow(ctx context.Context, workflowID string) error {
	wf, err := a.get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != model.WorkflowArchived {
		return taxonomy.NewLogicError("workflow is not archived")
	}
	wf.Status = model.WorkflowPaused
	return a.save(ctx, wf)
}

// ActivateWorkflow moves a draft/ready workflow to active, after
// validating its handler_config against the built-in policies. This is
// the ready → active transition spec §3 requires be policy-gated.
func (a *API) ActivateWorkflow(ctx context.Context, workflowID string) (*policy.Result, error) {
	wf, err := a.get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	result, err := policy.Validate(ctx, wf.HandlerConfig)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}
	wf.Status = model.WorkflowActive
	if err := a.save(ctx, wf); err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveMutationFailed is the "did not happen" resolution for an
// indeterminate mutation: the façade releases its reserved events back
// to pending, marks the mutation failed(user_assert_failed), advances
// the owning handler run to mutated with outcome failure, and clears
// workflow.error — all in one transaction.
func (a *API) ResolveMutationFailed(ctx context.Context, mutationID string) error {
	if err := a.store.ResolveMutationFailed(ctx, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "resolve mutation failed")
	}
	return nil
}

// ResolveMutationSkipped is the "continue without retrying the side
// effect" resolution: the façade marks the reserved events skipped,
// sets mutation_outcome = skipped, arranges pending_retry_run_id so the
// scheduler drives a continuation entering at emitting, and clears
// workflow.error.
func (a *API) ResolveMutationSkipped(ctx context.Context, mutationID string) error {
	if err := a.store.ResolveMutationSkipped(ctx, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "resolve mutation skipped")
	}
	return nil
}

func (a *API) get(ctx context.Context, workflowID string) (*model.Workflow, error) {
	wf, err := a.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "get workflow")
	}
	return wf, nil
}

func (a *API) save(ctx context.Context, wf *model.Workflow) error {
	if err := a.store.UpdateWorkflow(ctx, wf); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update workflow")
	}
	return nil
}
