package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the workflow engine.
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	WorkflowID   string                 `json:"workflow_id,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	HandlerRunID string                 `json:"handler_run_id,omitempty"`
	MutationID   string                 `json:"mutation_id,omitempty"`
	Message      string                 `json:"message"`
	Level        string                 `json:"level"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeSessionStarted      = "session.started"
	EventTypeSessionCompleted    = "session.completed"
	EventTypeSessionFailed       = "session.failed"
	EventTypeHandlerRunStarted   = "handler_run.started"
	EventTypeHandlerRunCompleted = "handler_run.completed"
	EventTypeHandlerRunFailed    = "handler_run.failed"
	EventTypeMutationOutcome     = "mutation.outcome"
	EventTypeConfigViolation     = "handler_config.violation"
	EventTypeToolInvoked         = "tool.invoked"
	EventTypeGlobalPause         = "scheduler.global_pause"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSessionStarted publishes a session-started event.
func (ep *EventPublisher) PublishSessionStarted(sessionID, workflowID string) error {
	return ep.Publish(Event{
		Type:       EventTypeSessionStarted,
		Source:     "session",
		SessionID:  sessionID,
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("session %s started for workflow %s", sessionID, workflowID),
		Level:      EventLevelInfo,
	})
}

// PublishSessionCompleted publishes a session-completed event.
func (ep *EventPublisher) PublishSessionCompleted(sessionID, result string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionCompleted,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("session %s completed with result: %s", sessionID, result),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"result":   result,
			"duration": duration.Seconds(),
		},
	})
}

// PublishSessionFailed publishes a session-failed event.
func (ep *EventPublisher) PublishSessionFailed(sessionID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionFailed,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("session %s failed: %s", sessionID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishHandlerRunStarted publishes a handler-run-started event.
func (ep *EventPublisher) PublishHandlerRunStarted(sessionID, handlerRunID, phase string) error {
	return ep.Publish(Event{
		Type:         EventTypeHandlerRunStarted,
		Source:       "handler",
		SessionID:    sessionID,
		HandlerRunID: handlerRunID,
		Message:      fmt.Sprintf("handler run %s entered phase %s", handlerRunID, phase),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"phase": phase,
		},
	})
}

// PublishHandlerRunCompleted publishes a handler-run-completed event.
func (ep *EventPublisher) PublishHandlerRunCompleted(sessionID, handlerRunID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:         EventTypeHandlerRunCompleted,
		Source:       "handler",
		SessionID:    sessionID,
		HandlerRunID: handlerRunID,
		Message:      fmt.Sprintf("handler run %s committed", handlerRunID),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishHandlerRunFailed publishes a handler-run-failed event.
func (ep *EventPublisher) PublishHandlerRunFailed(sessionID, handlerRunID, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeHandlerRunFailed,
		Source:       "handler",
		SessionID:    sessionID,
		HandlerRunID: handlerRunID,
		Message:      fmt.Sprintf("handler run %s failed: %s", handlerRunID, reason),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishMutationOutcome publishes a mutation terminal-outcome event.
func (ep *EventPublisher) PublishMutationOutcome(mutationID, handlerRunID, outcome string) error {
	return ep.Publish(Event{
		Type:         EventTypeMutationOutcome,
		Source:       "mutation",
		HandlerRunID: handlerRunID,
		MutationID:   mutationID,
		Message:      fmt.Sprintf("mutation %s resolved %s", mutationID, outcome),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"outcome": outcome,
		},
	})
}

// PublishConfigViolation publishes a handler-config policy violation event.
func (ep *EventPublisher) PublishConfigViolation(workflowID, rule, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeConfigViolation,
		Source:     "policy",
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("handler_config violation on workflow %s: %s - %s", workflowID, rule, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"rule":   rule,
			"reason": reason,
		},
	})
}

// PublishGlobalPause publishes a scheduler global-pause event.
func (ep *EventPublisher) PublishGlobalPause(until time.Time, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeGlobalPause,
		Source:  "scheduler",
		Message: fmt.Sprintf("scheduler globally paused until %s: %s", until.Format(time.RFC3339), reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"until":  until,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// draining is handled by processEvents
		case <-ep.ctx.Done():
			return
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySessionID creates a filter that only allows events for a specific session.
func FilterBySessionID(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}

// FilterByWorkflowID creates a filter that only allows events for a specific workflow.
func FilterByWorkflowID(workflowID string) EventFilter {
	return func(event Event) bool {
		return event.WorkflowID == workflowID
	}
}
