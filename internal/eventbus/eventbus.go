// Package eventbus is the topic/event queue (spec §4.2): producers
// publish idempotently, consumers peek and reserve, and a reservation
// resolves exactly once via consume, skip, or release.
package eventbus

import (
	"context"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

// Bus is a thin façade-transaction wrapper over store.Store's topic/event
// operations, giving producer and consumer handlers a narrow surface
// instead of the full persistence interface.
type Bus struct {
	store store.Store
}

// New returns a Bus backed by the given store.
func New(s store.Store) *Bus {
	return &Bus{store: s}
}

// Publish writes an event to workflowID's topicName queue. Publishing an
// existing messageID is a no-op that returns the original event, giving
// producer handlers idempotent retries for free.
func (b *Bus) Publish(ctx context.Context, workflowID, topicName, messageID, title string, payload map[string]interface{}, producingRunID string) (*model.Event, error) {
	if messageID == "" {
		return nil, taxonomy.NewLogicError("publish requires a non-empty message_id")
	}
	e, err := b.store.PublishEvent(ctx, workflowID, topicName, messageID, title, payload, producingRunID)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "publish event")
	}
	return e, nil
}

// Peek returns pending events on workflowID's topicName queue, oldest
// first, without reserving them.
func (b *Bus) Peek(ctx context.Context, workflowID, topicName string, limit int) ([]*model.Event, error) {
	pending := model.EventPending
	events, err := b.store.PeekEvents(ctx, workflowID, topicName, store.EventFilter{Status: &pending, Limit: limit})
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "peek events")
	}
	return events, nil
}

// GetByIDs fetches specific events by message ID, for a consumer that
// already knows which messages it wants (e.g. from handler state).
func (b *Bus) GetByIDs(ctx context.Context, workflowID, topicName string, messageIDs []string) ([]*model.Event, error) {
	events, err := b.store.GetEventsByIDs(ctx, workflowID, topicName, messageIDs)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "get events by id")
	}
	return events, nil
}

// Reserve reserves the named messages for runID. Reservation is
// non-blocking and best-effort: already-reserved or already-terminal
// events are silently skipped rather than erroring, since a concurrent
// reservation race is an expected outcome, not a fault.
func (b *Bus) Reserve(ctx context.Context, runID string, reservations []model.EventReservation) error {
	if err := b.store.ReserveEvents(ctx, runID, reservations); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "reserve events")
	}
	return nil
}

// Consume terminally marks every event runID currently holds reserved as
// consumed. Called once a consumer handler's mutation and emit phases
// have both committed.
func (b *Bus) Consume(ctx context.Context, runID string) error {
	if err := b.store.ConsumeEvents(ctx, runID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "consume events")
	}
	return nil
}

// Skip terminally marks every event runID currently holds reserved as
// skipped — used when the run's mutation failed or was resolved by the
// user as skipped, so the events are not consumed.
func (b *Bus) Skip(ctx context.Context, runID string) error {
	if err := b.store.SkipEvents(ctx, runID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "skip events")
	}
	return nil
}

// Release returns every event runID currently holds reserved back to
// pending, incrementing their attempt_number, for a run that failed
// before committing an outcome (spec §8 round-trip law).
func (b *Bus) Release(ctx context.Context, runID string) error {
	if err := b.store.ReleaseEvents(ctx, runID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "release events")
	}
	return nil
}
