// Package memstore is an in-memory implementation of store.Store used by
// unit tests for the scheduler, session orchestrator, handler state
// machine, event bus, mutation ledger, and engine API, mirroring the shape of internal/store/sqlite
// without the real database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.Mutex

	workflows   map[string]*model.Workflow
	handlerRuns map[string]*model.HandlerRun
	mutations   map[string]*model.Mutation
	topics      map[string]*model.Topic
	events      map[string]*model.Event
	states      map[string]*model.HandlerState // key: workflowID + "/" + handlerName
	scriptRuns  map[string]*model.ScriptRun

	// mutationByRun indexes mutations by their owning handler run id,
	// enforcing the spec's uniqueness-on-handler_run_id invariant.
	mutationByRun map[string]string
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:     make(map[string]*model.Workflow),
		handlerRuns:   make(map[string]*model.HandlerRun),
		mutations:     make(map[string]*model.Mutation),
		topics:        make(map[string]*model.Topic),
		events:        make(map[string]*model.Event),
		states:        make(map[string]*model.HandlerState),
		scriptRuns:    make(map[string]*model.ScriptRun),
		mutationByRun: make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

// --- Workflows ---

func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, taxonomy.NewLogicError("workflow not found: " + id)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return taxonomy.NewLogicError("workflow not found: " + w.ID)
	}
	w.UpdatedAt = time.Now()
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)

	for rid, r := range s.handlerRuns {
		if r.WorkflowID == id {
			delete(s.handlerRuns, rid)
			if mid, ok := s.mutationByRun[rid]; ok {
				delete(s.mutations, mid)
				delete(s.mutationByRun, rid)
			}
		}
	}
	for tid, t := range s.topics {
		if t.WorkflowID == id {
			delete(s.topics, tid)
		}
	}
	for eid, e := range s.events {
		if t, ok := s.topics[e.TopicID]; !ok || t.WorkflowID == id {
			delete(s.events, eid)
		}
	}
	for k, st := range s.states {
		if st.WorkflowID == id {
			delete(s.states, k)
		}
	}
	for sid, sr := range s.scriptRuns {
		if sr.WorkflowID == id {
			delete(s.scriptRuns, sid)
		}
	}
	return nil
}

func (s *Store) ListCandidateWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Workflow
	for _, w := range s.workflows {
		if w.Status == model.WorkflowActive && !w.Maintenance {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListWorkflowsWithIncompleteRuns(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.handlerRuns {
		if !r.Terminal() && !seen[r.WorkflowID] {
			seen[r.WorkflowID] = true
			out = append(out, r.WorkflowID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- HandlerRuns ---

func (s *Store) CreateHandlerRun(ctx context.Context, r *model.HandlerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	s.handlerRuns[r.ID] = &cp
	return nil
}

func (s *Store) GetHandlerRun(ctx context.Context, id string) (*model.HandlerRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.handlerRuns[id]
	if !ok {
		return nil, taxonomy.NewLogicError("handler run not found: " + id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateHandlerRun(ctx context.Context, r *model.HandlerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.handlerRuns[r.ID]
	if !ok {
		return taxonomy.NewLogicError("handler run not found: " + r.ID)
	}
	if !existing.Phase.Advances(r.Phase, r.HandlerType) && existing.Phase != r.Phase {
		return taxonomy.NewInternalError("illegal phase transition " + string(existing.Phase) + " -> " + string(r.Phase))
	}
	r.UpdatedAt = time.Now()
	cp := *r
	s.handlerRuns[r.ID] = &cp
	return nil
}

func (s *Store) ListHandlerRunsByScriptRun(ctx context.Context, scriptRunID string) ([]*model.HandlerRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.HandlerRun
	for _, r := range s.handlerRuns {
		if r.ScriptRunID == scriptRunID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListIncompleteHandlerRuns(ctx context.Context, workflowID string) ([]*model.HandlerRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.HandlerRun
	for _, r := range s.handlerRuns {
		if r.WorkflowID == workflowID && !r.Terminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AdvancePhase(ctx context.Context, handlerRunID string, newPhase model.Phase, outputState map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.handlerRuns[handlerRunID]
	if !ok {
		return taxonomy.NewLogicError("handler run not found: " + handlerRunID)
	}
	if !r.Phase.Advances(newPhase, r.HandlerType) {
		return taxonomy.NewInternalError("illegal phase transition " + string(r.Phase) + " -> " + string(newPhase))
	}
	now := time.Now()
	r.Phase = newPhase
	if outputState != nil {
		if r.OutputState == nil {
			r.OutputState = make(map[string]interface{})
		}
		for k, v := range outputState {
			r.OutputState[k] = v
		}
	}
	if newPhase == model.PhaseCommitted {
		r.Status = model.RunCommitted
		r.CommittedAt = &now
	}
	r.UpdatedAt = now
	return nil
}

// --- Mutations ---

func (s *Store) CreateMutation(ctx context.Context, m *model.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mutationByRun[m.HandlerRunID]; ok {
		return taxonomy.NewInternalError("mutation already exists for handler run " + m.HandlerRunID + ": " + existing)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	cp := *m
	s.mutations[m.ID] = &cp
	s.mutationByRun[m.HandlerRunID] = m.ID
	return nil
}

func (s *Store) GetMutation(ctx context.Context, id string) (*model.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[id]
	if !ok {
		return nil, taxonomy.NewLogicError("mutation not found: " + id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) GetMutationByHandlerRun(ctx context.Context, handlerRunID string) (*model.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.mutationByRun[handlerRunID]
	if !ok {
		return nil, taxonomy.NewLogicError("no mutation for handler run: " + handlerRunID)
	}
	cp := *s.mutations[id]
	return &cp, nil
}

func (s *Store) ListInFlightMutations(ctx context.Context) ([]*model.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Mutation
	for _, m := range s.mutations {
		if m.Status == model.MutationInFlight {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) MarkMutationInFlight(ctx context.Context, mutationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[mutationID]
	if !ok {
		return taxonomy.NewLogicError("mutation not found: " + mutationID)
	}
	m.MarkInFlight(time.Now())
	return nil
}

func (s *Store) MarkMutationApplied(ctx context.Context, mutationID string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[mutationID]
	if !ok {
		return taxonomy.NewLogicError("mutation not found: " + mutationID)
	}
	now := time.Now()
	m.MarkApplied(result, now)
	return s.setMutationOutcomeAndAdvance(m.HandlerRunID, model.MutationOutcomeSuccess, now)
}

func (s *Store) MarkMutationFailed(ctx context.Context, mutationID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[mutationID]
	if !ok {
		return taxonomy.NewLogicError("mutation not found: " + mutationID)
	}
	now := time.Now()
	m.MarkFailed(reason, now)
	return s.setMutationOutcomeAndAdvance(m.HandlerRunID, model.MutationOutcomeFailure, now)
}

func (s *Store) MarkMutationIndeterminate(ctx context.Context, mutationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[mutationID]
	if !ok {
		return taxonomy.NewLogicError("mutation not found: " + mutationID)
	}
	m.MarkIndeterminate(time.Now())
	r, ok := s.handlerRuns[m.HandlerRunID]
	if ok {
		w, wok := s.workflows[r.WorkflowID]
		if wok {
			w.SetError("mutation " + m.ID + " is indeterminate and requires resolution")
			w.UpdatedAt = time.Now()
		}
	}
	return nil
}

// setMutationOutcomeAndAdvance must be called with s.mu held.
func (s *Store) setMutationOutcomeAndAdvance(handlerRunID string, outcome model.MutationOutcome, now time.Time) error {
	r, ok := s.handlerRuns[handlerRunID]
	if !ok {
		return taxonomy.NewInternalError("handler run not found for mutation outcome: " + handlerRunID)
	}
	r.MutationOutcome = outcome
	if r.Phase.Advances(model.PhaseMutated, r.HandlerType) {
		r.Phase = model.PhaseMutated
	}
	r.UpdatedAt = now
	return nil
}

func (s *Store) ResolveMutationFailed(ctx context.Context, mutationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveMutation(mutationID, false)
}

func (s *Store) ResolveMutationSkipped(ctx context.Context, mutationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveMutation(mutationID, true)
}

// resolveMutation must be called with s.mu held. skip=false implements
// resolveMutationFailed ("did not happen"); skip=true implements
// resolveMutationSkipped ("continue without retrying").
func (s *Store) resolveMutation(mutationID string, skip bool) error {
	m, ok := s.mutations[mutationID]
	if !ok {
		return taxonomy.NewLogicError("mutation not found: " + mutationID)
	}
	if m.Status != model.MutationIndeterminate {
		return taxonomy.NewLogicError("mutation is not indeterminate: " + mutationID)
	}
	now := time.Now()

	r, ok := s.handlerRuns[m.HandlerRunID]
	if !ok {
		return taxonomy.NewInternalError("handler run not found: " + m.HandlerRunID)
	}

	outcome := model.MutationOutcomeFailure
	if skip {
		m.ResolveSkipped(now)
		outcome = model.MutationOutcomeSkipped
		for _, e := range s.events {
			if e.ReservedByRunID == r.ID && e.Status == model.EventReserved {
				e.Skip(now)
			}
		}
	} else {
		m.ResolveFailed(now)
		for _, e := range s.events {
			if e.ReservedByRunID == r.ID && e.Status == model.EventReserved {
				e.Release(now)
			}
		}
	}

	r.MutationOutcome = outcome
	if r.Phase.Advances(model.PhaseMutated, r.HandlerType) {
		r.Phase = model.PhaseMutated
	}
	r.UpdatedAt = now

	if w, ok := s.workflows[r.WorkflowID]; ok {
		w.ClearError()
		if skip {
			w.PendingRetryRunID = r.ID
		}
		w.UpdatedAt = now
	}

	return nil
}

// --- Topics / Events ---

func (s *Store) GetOrCreateTopic(ctx context.Context, workflowID, name string) (*model.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateTopicLocked(workflowID, name)
}

func (s *Store) getOrCreateTopicLocked(workflowID, name string) (*model.Topic, error) {
	for _, t := range s.topics {
		if t.WorkflowID == workflowID && t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	if _, ok := s.workflows[workflowID]; !ok {
		return nil, taxonomy.NewLogicError("unknown workflow: " + workflowID)
	}
	t := &model.Topic{ID: uuid.New().String(), WorkflowID: workflowID, Name: name, CreatedAt: time.Now()}
	s.topics[t.ID] = t
	cp := *t
	return &cp, nil
}

func (s *Store) PublishEvent(ctx context.Context, workflowID, topicName string, messageID, title string, payload map[string]interface{}, producingRunID string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, err := s.getOrCreateTopicLocked(workflowID, topicName)
	if err != nil {
		return nil, err
	}

	for _, e := range s.events {
		if e.TopicID == topic.ID && e.MessageID == messageID {
			cp := *e
			return &cp, nil // idempotent: original event wins
		}
	}

	now := time.Now()
	e := &model.Event{
		ID:             uuid.New().String(),
		TopicID:        topic.ID,
		MessageID:      messageID,
		Title:          title,
		Payload:        payload,
		Status:         model.EventPending,
		CreatedByRunID: producingRunID,
		AttemptNumber:  1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.events[e.ID] = e
	cp := *e
	return &cp, nil
}

func (s *Store) PeekEvents(ctx context.Context, workflowID, topicName string, filter store.EventFilter) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var topic *model.Topic
	for _, t := range s.topics {
		if t.WorkflowID == workflowID && t.Name == topicName {
			topic = t
			break
		}
	}
	if topic == nil {
		return nil, nil
	}

	var out []*model.Event
	for _, e := range s.events {
		if e.TopicID != topic.ID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetEventsByIDs(ctx context.Context, workflowID, topicName string, messageIDs []string) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var topic *model.Topic
	for _, t := range s.topics {
		if t.WorkflowID == workflowID && t.Name == topicName {
			topic = t
			break
		}
	}
	if topic == nil {
		return nil, nil
	}

	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	var out []*model.Event
	for _, e := range s.events {
		if e.TopicID == topic.ID && want[e.MessageID] {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ReserveEvents(ctx context.Context, runID string, reservations []model.EventReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.handlerRuns[runID]
	if !ok {
		return taxonomy.NewLogicError("handler run not found: " + runID)
	}

	now := time.Now()
	for _, res := range reservations {
		var topic *model.Topic
		for _, t := range s.topics {
			// topic names are unique per workflow, not globally, so the
			// lookup must be scoped to the reserving run's workflow.
			if t.WorkflowID == run.WorkflowID && t.Name == res.Topic {
				topic = t
				break
			}
		}
		if topic == nil {
			continue // reserve on a non-existent topic is a no-op
		}
		idSet := make(map[string]bool, len(res.IDs))
		for _, id := range res.IDs {
			idSet[id] = true
		}
		for _, e := range s.events {
			if e.TopicID != topic.ID || !idSet[e.MessageID] {
				continue
			}
			if e.Status != model.EventPending {
				continue // already reserved (or terminal): silently skipped
			}
			e.Reserve(runID, now)
		}
	}
	return nil
}

func (s *Store) ConsumeEvents(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range s.events {
		if e.ReservedByRunID == runID && e.Status == model.EventReserved {
			e.Consume(now)
		}
	}
	return nil
}

func (s *Store) SkipEvents(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range s.events {
		if e.ReservedByRunID == runID && e.Status == model.EventReserved {
			e.Skip(now)
		}
	}
	return nil
}

func (s *Store) ReleaseEvents(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range s.events {
		if e.ReservedByRunID == runID && e.Status == model.EventReserved {
			e.Release(now)
		}
	}
	return nil
}

// --- HandlerState ---

func stateKey(workflowID, handlerName string) string { return workflowID + "/" + handlerName }

func (s *Store) GetHandlerState(ctx context.Context, workflowID, handlerName string) (*model.HandlerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(workflowID, handlerName)]
	if !ok {
		return &model.HandlerState{WorkflowID: workflowID, HandlerName: handlerName, State: map[string]interface{}{}}, nil
	}
	cp := *st
	return &cp, nil
}

func (s *Store) PutHandlerState(ctx context.Context, state *model.HandlerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(state.WorkflowID, state.HandlerName)
	existing, ok := s.states[key]
	if ok && existing.UpdatedAt.After(state.UpdatedAt) {
		return nil // last-writer-wins: a newer row already exists
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	cp := *state
	s.states[key] = &cp
	return nil
}

// --- ScriptRuns ---

func (s *Store) CreateScriptRun(ctx context.Context, sr *model.ScriptRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	if sr.StartedAt.IsZero() {
		sr.StartedAt = time.Now()
	}
	cp := *sr
	s.scriptRuns[sr.ID] = &cp
	return nil
}

func (s *Store) GetScriptRun(ctx context.Context, id string) (*model.ScriptRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.scriptRuns[id]
	if !ok {
		return nil, taxonomy.NewLogicError("script run not found: " + id)
	}
	cp := *sr
	return &cp, nil
}

func (s *Store) FinishScriptRun(ctx context.Context, id string, result model.SessionResult, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.scriptRuns[id]
	if !ok {
		return taxonomy.NewLogicError("script run not found: " + id)
	}
	sr.Finish(result, finishedAt)
	return nil
}

func (s *Store) ListInProgressScriptRuns(ctx context.Context) ([]*model.ScriptRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ScriptRun
	for _, sr := range s.scriptRuns {
		if sr.InProgress() {
			cp := *sr
			out = append(out, &cp)
		}
	}
	return out, nil
}
