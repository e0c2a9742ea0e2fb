package model

import "time"

// Topic is a per-workflow named queue of events, unique per
// (workflow_id, name).
type Topic struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventStatus is an Event's reservation lifecycle state.
type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventReserved EventStatus = "reserved"
	EventConsumed EventStatus = "consumed"
	EventSkipped  EventStatus = "skipped"
)

// Event is a unit of work on a topic, identified by (topic_id, message_id).
// Publishing with an existing message_id is a no-op returning the original
// event (idempotent producers).
type Event struct {
	ID        string `json:"id"`
	TopicID   string `json:"topic_id"`
	MessageID string `json:"message_id"`

	Title   string                 `json:"title"`
	Payload map[string]interface{} `json:"payload"`

	Status EventStatus `json:"status"`

	ReservedByRunID string `json:"reserved_by_run_id,omitempty"`
	CreatedByRunID  string `json:"created_by_run_id,omitempty"`

	// AttemptNumber starts at 1 on publish and increments every time a
	// reservation is released back to pending, so it counts how many
	// reservation attempts the event has been through.
	AttemptNumber int `json:"attempt_number"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reserve marks the event reserved by runID. Callers must first check
// Status == EventPending; Reserve does not itself validate the
// precondition so the store can enforce it transactionally against
// concurrent reservation attempts.
func (e *Event) Reserve(runID string, now time.Time) {
	e.Status = EventReserved
	e.ReservedByRunID = runID
	e.UpdatedAt = now
}

// Consume marks a reserved event terminally consumed.
func (e *Event) Consume(now time.Time) {
	e.Status = EventConsumed
	e.UpdatedAt = now
}

// Skip marks a reserved event terminally skipped.
func (e *Event) Skip(now time.Time) {
	e.Status = EventSkipped
	e.UpdatedAt = now
}

// Release returns a reserved event to pending, incrementing
// AttemptNumber so a subsequent reservation observes the round-trip of
// this attempt.
func (e *Event) Release(now time.Time) {
	e.Status = EventPending
	e.ReservedByRunID = ""
	e.AttemptNumber++
	e.UpdatedAt = now
}

// HandlerState is a handler's small durable scratch between runs —
// cursors, last-seen timestamps — keyed by (workflow_id, handler_name).
// Last-writer-wins on UpdatedAt.
type HandlerState struct {
	WorkflowID  string                 `json:"workflow_id"`
	HandlerName string                 `json:"handler_name"`
	State       map[string]interface{} `json:"state"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
