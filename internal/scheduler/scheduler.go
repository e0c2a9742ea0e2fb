// Package scheduler is the engine's tick loop (spec §4.7): it selects one
// due, eligible workflow per tick, drives a session for it, and reacts to
// the session's outcome via one of five signals — done, retry,
// payment_required, needs_attention, maintenance.
package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/schedule"
	"github.com/r3e-network/workflowengine/internal/session"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
	"github.com/r3e-network/workflowengine/internal/telemetry"
)

// TickInterval is the scheduler's nominal polling cadence. A session that
// made progress triggers an immediate re-tick instead of waiting out the
// next interval, so a backlog drains without waiting on the clock.
const TickInterval = 10 * time.Second

const shutdownPollInterval = 100 * time.Millisecond
const shutdownMaxWait = 30 * time.Second

// SignalKind is one of the five closed outcomes a session produces.
type SignalKind string

const (
	SignalDone            SignalKind = "done"
	SignalRetry           SignalKind = "retry"
	SignalPaymentRequired SignalKind = "payment_required"
	SignalNeedsAttention  SignalKind = "needs_attention"
	SignalMaintenance     SignalKind = "maintenance"
)

// Signal is the classified outcome of one session, computed from its
// SessionResult.
type Signal struct {
	Kind        SignalKind
	Err         error
	ErrorType   string
	ScriptRunID string
}

// retryState is the in-memory (process-lifetime-only) bookkeeping for one
// workflow's network-retry backoff chain — an explicit Open Question
// resolution (spec §9): resets on restart rather than persisting, so a
// fresh process always gives a workflow a full retry budget again.
type retryState struct {
	consecutiveFailures int
	nextAttempt         time.Time
	pendingRunID        string
}

// Scheduler drives the tick loop.
type Scheduler struct {
	store store.Store
	orch  *session.Orchestrator
	tel   *telemetry.Telemetry

	mu               sync.Mutex
	globalPauseUntil time.Time
	retries          map[string]*retryState
	cursor           int

	shutdownRequested bool
	sessionInFlight   bool
}

// New returns a Scheduler.
func New(s store.Store, orch *session.Orchestrator, tel *telemetry.Telemetry) *Scheduler {
	return &Scheduler{
		store:   s,
		orch:    orch,
		tel:     tel,
		retries: make(map[string]*retryState),
	}
}

func now() time.Time { return time.Now().UTC() }

// Run is the scheduler's main loop: it ticks every TickInterval, and
// immediately re-ticks (skipping the wait) whenever a tick drove a
// productive session, until ctx is cancelled or Shutdown is called. When
// ctx is cancelled, Run performs the same graceful drain as Shutdown
// (waiting, on a context independent of the now-cancelled ctx, for any
// in-flight session to finish) before returning, so a process signal
// doesn't abandon a session mid-mutation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		if s.isShuttingDown() {
			return s.drain()
		}
		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
			for {
				productive, err := s.Tick(ctx)
				if s.tel != nil && err != nil {
					s.tel.Logger.WithError(err).Error("scheduler tick failed")
				}
				if !productive || s.isShuttingDown() {
					break
				}
			}
		}
	}
}

// drain waits (up to shutdownMaxWait, polling every shutdownPollInterval)
// for any in-flight session to finish. It runs against context.Background
// rather than Run's ctx, which may already be cancelled.
func (s *Scheduler) drain() error {
	return s.Shutdown(context.Background())
}

func (s *Scheduler) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownRequested
}

// Shutdown requests a graceful stop: no new session is started after the
// call returns, and Shutdown blocks (polling every 100ms, up to 30s) for
// any session already in flight to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdownRequested = true
	s.mu.Unlock()

	deadline := now().Add(shutdownMaxWait)
	for now().Before(deadline) {
		s.mu.Lock()
		inFlight := s.sessionInFlight
		s.mu.Unlock()
		if !inFlight {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(shutdownPollInterval):
		}
	}
	return taxonomy.NewInternalError("shutdown timed out waiting for an in-flight session")
}

// Tick performs gating and at most one session, returning whether the
// tick was productive (a session actually ran), so Run can re-tick
// immediately rather than wait out the interval.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	// Gating order per spec §4.7: shutdown requested, then global pause.
	if s.isShuttingDown() {
		return false, nil
	}
	if s.inGlobalPause() {
		return false, nil
	}

	wf, err := s.selectCandidate(ctx)
	if err != nil {
		return false, err
	}
	if wf == nil {
		return false, nil
	}

	s.mu.Lock()
	s.sessionInFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sessionInFlight = false
		s.mu.Unlock()
	}()

	sr, result, runErr := s.runFor(ctx, wf)
	if runErr != nil {
		return false, runErr
	}

	// Internal-classified failures are never caught here: they crash up to
	// the embedder rather than being converted into a workflow signal.
	if result.Kind == model.SessionFailed && taxonomy.Kind(result.ErrorType) == taxonomy.Internal {
		return false, result.Err
	}

	signal := s.classify(wf.ID, sr, result)
	if err := s.handle(ctx, wf, signal); err != nil {
		return false, err
	}
	return result.Kind != model.SessionSuspended, nil
}

// runFor dispatches to a retry continuation if this workflow has a
// pending retry (either a scheduler network-retry backoff, or a user's
// pending_retry_run_id from a mutation resolution), otherwise a normal
// scheduled session.
func (s *Scheduler) runFor(ctx context.Context, wf *model.Workflow) (*model.ScriptRun, model.SessionResult, error) {
	s.mu.Lock()
	rs := s.retries[wf.ID]
	s.mu.Unlock()

	if rs != nil && rs.pendingRunID != "" {
		return s.orch.RunRetry(ctx, wf, rs.pendingRunID)
	}
	if wf.PendingRetryRunID != "" {
		return s.orch.RunRetry(ctx, wf, wf.PendingRetryRunID)
	}
	return s.orch.RunScheduled(ctx, wf)
}

func (s *Scheduler) inGlobalPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now().Before(s.globalPauseUntil)
}

// selectCandidate picks the first eligible, due, backoff-elapsed
// workflow, round-robining the starting offset each tick so one
// perpetually-first workflow never starves the rest.
func (s *Scheduler) selectCandidate(ctx context.Context) (*model.Workflow, error) {
	candidates, err := s.store.ListCandidateWorkflows(ctx)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "list candidate workflows")
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	at := now()
	s.mu.Lock()
	start := s.cursor % len(candidates)
	s.mu.Unlock()

	for i := 0; i < len(candidates); i++ {
		wf := candidates[(start+i)%len(candidates)]
		if !wf.Eligible(at) {
			continue
		}
		if s.backoffElapsed(wf.ID, at) {
			s.mu.Lock()
			s.cursor = (start + i + 1) % len(candidates)
			s.mu.Unlock()
			return wf, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) backoffElapsed(workflowID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.retries[workflowID]
	if !ok {
		return true
	}
	return !rs.nextAttempt.After(at)
}

// classify maps a session's outcome to one of the five scheduler signals.
func (s *Scheduler) classify(workflowID string, sr *model.ScriptRun, result model.SessionResult) Signal {
	scriptRunID := ""
	if sr != nil {
		scriptRunID = sr.ID
	}

	switch result.Kind {
	case model.SessionCompleted, model.SessionSuspended:
		return Signal{Kind: SignalDone, ScriptRunID: scriptRunID}
	}

	// taxonomy.Internal never reaches classify: Tick returns it as an error
	// before calling in here.
	kind := taxonomy.Kind(result.ErrorType)
	switch kind {
	case taxonomy.Network:
		return Signal{Kind: SignalRetry, Err: result.Err, ErrorType: result.ErrorType, ScriptRunID: scriptRunID}
	case taxonomy.PaymentRequired:
		return Signal{Kind: SignalPaymentRequired, Err: result.Err, ErrorType: result.ErrorType, ScriptRunID: scriptRunID}
	default:
		return Signal{Kind: SignalNeedsAttention, Err: result.Err, ErrorType: result.ErrorType, ScriptRunID: scriptRunID}
	}
}

func (s *Scheduler) handle(ctx context.Context, wf *model.Workflow, sig Signal) error {
	switch sig.Kind {
	case SignalDone:
		return s.handleDone(ctx, wf)
	case SignalRetry:
		return s.handleRetry(ctx, wf, sig)
	case SignalPaymentRequired:
		return s.handlePaymentRequired(ctx, wf, sig)
	case SignalNeedsAttention:
		return s.handleNeedsAttention(ctx, wf, sig)
	case SignalMaintenance:
		return s.handleMaintenance(ctx, wf, sig)
	}
	return nil
}

func (s *Scheduler) handleDone(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	delete(s.retries, wf.ID)
	s.mu.Unlock()

	next, err := schedule.Next(wf.Schedule, now())
	if err != nil {
		return err
	}
	wf.NextRunTimestamp = next
	wf.PendingRetryRunID = ""
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update workflow after session")
	}
	return nil
}

// handleRetry schedules a backoff retry of the failed HandlerRun. The
// delay is min(10s * 2^(n-1), 10min); after MaxNetworkRetries consecutive
// failures the workflow escalates to error status instead of retrying
// again.
func (s *Scheduler) handleRetry(ctx context.Context, wf *model.Workflow, sig Signal) error {
	failedRunID, err := s.lastHandlerRunID(ctx, sig.ScriptRunID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rs, ok := s.retries[wf.ID]
	if !ok {
		rs = &retryState{}
		s.retries[wf.ID] = rs
	}
	rs.consecutiveFailures++
	n := rs.consecutiveFailures
	s.mu.Unlock()

	if n > taxonomy.MaxNetworkRetries {
		s.mu.Lock()
		delete(s.retries, wf.ID)
		s.mu.Unlock()
		wf.SetError(errString(sig.Err))
		return s.saveWorkflow(ctx, wf)
	}

	delaySeconds := math.Min(10*math.Pow(2, float64(n-1)), 600)
	s.mu.Lock()
	rs.nextAttempt = now().Add(time.Duration(delaySeconds) * time.Second)
	rs.pendingRunID = failedRunID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) handlePaymentRequired(ctx context.Context, wf *model.Workflow, sig Signal) error {
	newUntil := now().Add(taxonomy.GlobalPauseDuration * time.Second)
	s.mu.Lock()
	if newUntil.After(s.globalPauseUntil) {
		s.globalPauseUntil = newUntil
	}
	s.mu.Unlock()

	wf.SetError(errString(sig.Err))
	return s.saveWorkflow(ctx, wf)
}

func (s *Scheduler) handleNeedsAttention(ctx context.Context, wf *model.Workflow, sig Signal) error {
	s.mu.Lock()
	delete(s.retries, wf.ID)
	s.mu.Unlock()
	wf.SetError(errString(sig.Err))
	return s.saveWorkflow(ctx, wf)
}

func (s *Scheduler) handleMaintenance(ctx context.Context, wf *model.Workflow, sig Signal) error {
	wf.Maintenance = true
	wf.SetError(errString(sig.Err))
	return s.saveWorkflow(ctx, wf)
}

func (s *Scheduler) saveWorkflow(ctx context.Context, wf *model.Workflow) error {
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update workflow")
	}
	return nil
}

func (s *Scheduler) lastHandlerRunID(ctx context.Context, scriptRunID string) (string, error) {
	if scriptRunID == "" {
		return "", nil
	}
	runs, err := s.store.ListHandlerRunsByScriptRun(ctx, scriptRunID)
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.Internal, err, "list handler runs for session")
	}
	if len(runs) == 0 {
		return "", nil
	}
	return runs[len(runs)-1].ID, nil
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
