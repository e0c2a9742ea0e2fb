// Package mutation is the at-most-one-external-side-effect ledger
// (spec §4.3): one row per consumer HandlerRun, advanced through
// pending -> in_flight -> {applied, failed, indeterminate}, plus the
// reconciliation pass that resolves rows left in_flight by a crash and
// the two user resolution operations for indeterminate mutations.
package mutation

import (
	"context"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
	"github.com/r3e-network/workflowengine/internal/telemetry"
)

// Ledger records and advances Mutation rows.
type Ledger struct {
	store store.Store
	tel   *telemetry.Telemetry
}

// New returns a Ledger backed by the given store. tel may be nil.
func New(s store.Store, tel *telemetry.Telemetry) *Ledger {
	return &Ledger{store: s, tel: tel}
}

// Begin creates the Mutation row for a consumer run's intended side
// effect and immediately marks it in_flight — the ledger never observes
// a mutation about to execute in any other state, so a crash between
// Begin and the collaborator call is always reconcilable as in_flight.
func (l *Ledger) Begin(ctx context.Context, handlerRunID string, intended model.IntendedMutation) (*model.Mutation, error) {
	m := &model.Mutation{
		HandlerRunID:   handlerRunID,
		ToolNamespace:  intended.ToolNamespace,
		ToolMethod:     intended.ToolMethod,
		Params:         intended.Params,
		IdempotencyKey: intended.IdempotencyKey,
		Status:         model.MutationPending,
	}
	if err := l.store.CreateMutation(ctx, m); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "create mutation")
	}
	if err := l.store.MarkMutationInFlight(ctx, m.ID); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "mark mutation in-flight")
	}
	m.Status = model.MutationInFlight
	if l.tel != nil {
		l.tel.Events.PublishMutationOutcome(m.ID, handlerRunID, string(model.MutationInFlight))
	}
	return m, nil
}

// Applied records a successful collaborator call and advances the
// owning HandlerRun to mutated with outcome success.
func (l *Ledger) Applied(ctx context.Context, mutationID string, result map[string]interface{}) error {
	if err := l.store.MarkMutationApplied(ctx, mutationID, result); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "mark mutation applied")
	}
	l.publish(mutationID, model.MutationOutcomeSuccess)
	return nil
}

// Failed records a collaborator call that the tool itself reported as
// failed (a classified, non-ambiguous failure — not a timeout), and
// advances the owning HandlerRun to mutated with outcome failure.
func (l *Ledger) Failed(ctx context.Context, mutationID string, reason string) error {
	if err := l.store.MarkMutationFailed(ctx, mutationID, reason); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "mark mutation failed")
	}
	l.publish(mutationID, model.MutationOutcomeFailure)
	return nil
}

// Indeterminate records that the in_flight mutation's true outcome could
// not be determined (the collaborator call timed out, or the process
// crashed mid-call) and stamps the owning workflow's unified error
// channel so it surfaces for user resolution.
func (l *Ledger) Indeterminate(ctx context.Context, mutationID string) error {
	if err := l.store.MarkMutationIndeterminate(ctx, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "mark mutation indeterminate")
	}
	return nil
}

// ResolveFailed is the user's "this did not happen" resolution: the
// mutation is tagged user_assert_failed, its reserved events are
// released back to pending so a fresh consumer attempt can reprocess
// them, and the owning workflow's error is cleared.
func (l *Ledger) ResolveFailed(ctx context.Context, mutationID string) error {
	if err := l.store.ResolveMutationFailed(ctx, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "resolve mutation failed")
	}
	l.publish(mutationID, model.MutationOutcomeFailure)
	return nil
}

// ResolveSkipped is the user's "continue without retrying the side
// effect" resolution: reserved events are marked skipped (never
// reprocessed), and pending_retry_run_id is set so the scheduler
// attaches a retry run entering at emitting.
func (l *Ledger) ResolveSkipped(ctx context.Context, mutationID string) error {
	if err := l.store.ResolveMutationSkipped(ctx, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "resolve mutation skipped")
	}
	l.publish(mutationID, model.MutationOutcomeSkipped)
	return nil
}

func (l *Ledger) publish(mutationID string, outcome model.MutationOutcome) {
	if l.tel == nil {
		return
	}
	m, err := l.store.GetMutation(context.Background(), mutationID)
	if err != nil {
		return
	}
	l.tel.Events.PublishMutationOutcome(mutationID, m.HandlerRunID, string(outcome))
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Scanned       int
	Indeterminate int
}

// Reconcile scans every in_flight mutation and marks it indeterminate.
// It is called once at process startup (a mutation left in_flight can
// only mean the prior process died mid-call — there is no live
// in-process state to check against) and may also be called
// periodically as a backstop against a stuck Begin/Applied pairing.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileResult, error) {
	inFlight, err := l.store.ListInFlightMutations(ctx)
	if err != nil {
		return ReconcileResult{}, taxonomy.Wrap(taxonomy.Internal, err, "list in-flight mutations")
	}
	res := ReconcileResult{Scanned: len(inFlight)}
	for _, m := range inFlight {
		if err := l.Indeterminate(ctx, m.ID); err != nil {
			return res, err
		}
		res.Indeterminate++
	}
	return res, nil
}
