// Package sqlite is the SQLite-backed implementation of store.Store,
// grounded on the teacher's pkg/stores.SQLiteStore: the same
// WAL/foreign-keys/busy-timeout DSN, the same golang-migrate/iofs
// migration wiring, and the same ExecContext/QueryRowContext shape,
// adapted to the workflow-engine schema.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements store.Store against a SQLite database.
type Store struct {
	db   *sql.DB
	path string

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// Open creates, connects, and migrates a SQLite-backed Store in one step.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New constructs a Store without connecting; call Open for the usual path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, taxonomy.NewLogicError("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &Store{
		path:            cfg.Path,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
	}, nil
}

func (s *Store) init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "open database")
	}
	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return taxonomy.Wrap(taxonomy.Internal, err, "ping database")
	}
	s.db = db
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "create migration source")
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "create migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "create migration instance")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return taxonomy.Wrap(taxonomy.Internal, err, "run migrations")
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshal(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "marshal column")
	}
	return string(b), nil
}

func unmarshalMap(raw sql.NullString, into *map[string]interface{}) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), into)
}

func unmarshalInto(raw sql.NullString, v interface{}) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), v)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// --- Workflows ---

func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	if w.ID == "" {
		w.ID = newID()
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	hc, err := marshal(w.HandlerConfig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, title, status, maintenance, schedule_interval, schedule_cron,
			next_run_timestamp, pending_retry_run_id, error, handler_config, active_script_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Title, w.Status, w.Maintenance, w.Schedule.Interval, w.Schedule.Cron,
		nullTime(w.NextRunTimestamp), w.PendingRetryRunID, w.Error, hc, w.ActiveScriptID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "create workflow")
	}
	return nil
}

func scanWorkflow(row interface {
	Scan(dest ...interface{}) error
}) (*model.Workflow, error) {
	w := &model.Workflow{}
	var nextRun sql.NullTime
	var handlerConfig sql.NullString
	err := row.Scan(&w.ID, &w.Title, &w.Status, &w.Maintenance, &w.Schedule.Interval, &w.Schedule.Cron,
		&nextRun, &w.PendingRetryRunID, &w.Error, &handlerConfig, &w.ActiveScriptID, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taxonomy.NewLogicError("workflow not found")
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "scan workflow")
	}
	if nextRun.Valid {
		t := nextRun.Time
		w.NextRunTimestamp = &t
	}
	if err := unmarshalInto(handlerConfig, &w.HandlerConfig); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal handler_config")
	}
	return w, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, maintenance, schedule_interval, schedule_cron,
			next_run_timestamp, pending_retry_run_id, error, handler_config, active_script_id, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	w.UpdatedAt = time.Now()
	hc, err := marshal(w.HandlerConfig)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET title = ?, status = ?, maintenance = ?, schedule_interval = ?, schedule_cron = ?,
			next_run_timestamp = ?, pending_retry_run_id = ?, error = ?, handler_config = ?, active_script_id = ?, updated_at = ?
		WHERE id = ?`,
		w.Title, w.Status, w.Maintenance, w.Schedule.Interval, w.Schedule.Cron,
		nullTime(w.NextRunTimestamp), w.PendingRetryRunID, w.Error, hc, w.ActiveScriptID, w.UpdatedAt, w.ID)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update workflow")
	}
	return requireRow(res, "workflow not found: "+w.ID)
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "begin delete workflow")
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM events WHERE topic_id IN (SELECT id FROM topics WHERE workflow_id = ?)`,
		`DELETE FROM topics WHERE workflow_id = ?`,
		`DELETE FROM mutations WHERE handler_run_id IN (SELECT id FROM handler_runs WHERE workflow_id = ?)`,
		`DELETE FROM handler_runs WHERE workflow_id = ?`,
		`DELETE FROM handler_state WHERE workflow_id = ?`,
		`DELETE FROM script_runs WHERE workflow_id = ?`,
		`DELETE FROM workflows WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return taxonomy.Wrap(taxonomy.Internal, err, "delete workflow cascade")
		}
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "commit delete workflow")
	}
	return nil
}

func (s *Store) ListCandidateWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, maintenance, schedule_interval, schedule_cron,
			next_run_timestamp, pending_retry_run_id, error, handler_config, active_script_id, created_at, updated_at
		FROM workflows WHERE status = ? AND maintenance = 0 ORDER BY id`, model.WorkflowActive)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "list candidate workflows")
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) ListWorkflowsWithIncompleteRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workflow_id FROM handler_runs WHERE phase NOT IN (?, ?) ORDER BY workflow_id`,
		model.PhaseCommitted, model.PhaseFailed)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "list workflows with incomplete runs")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, taxonomy.Wrap(taxonomy.Internal, err, "scan workflow id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- HandlerRuns ---

func (s *Store) CreateHandlerRun(ctx context.Context, r *model.HandlerRun) error {
	if r.ID == "" {
		r.ID = newID()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	prepare, err := marshal(r.PrepareResult)
	if err != nil {
		return err
	}
	input, err := marshal(r.InputState)
	if err != nil {
		return err
	}
	output, err := marshal(r.OutputState)
	if err != nil {
		return err
	}
	logs, err := marshal(r.Logs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handler_runs (id, script_run_id, workflow_id, handler_type, handler_name, phase, status,
			retry_of, prepare_result, input_state, output_state, mutation_outcome, created_at, updated_at,
			committed_at, error, error_type, cost, logs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScriptRunID, r.WorkflowID, r.HandlerType, r.HandlerName, r.Phase, r.Status,
		r.RetryOf, prepare, input, output, r.MutationOutcome, r.CreatedAt, r.UpdatedAt,
		nullTime(r.CommittedAt), r.Error, r.ErrorType, r.Cost, logs)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "create handler run")
	}
	return nil
}

func scanHandlerRun(row interface {
	Scan(dest ...interface{}) error
}) (*model.HandlerRun, error) {
	r := &model.HandlerRun{}
	var committedAt sql.NullTime
	var prepare, input, output, logs sql.NullString
	err := row.Scan(&r.ID, &r.ScriptRunID, &r.WorkflowID, &r.HandlerType, &r.HandlerName, &r.Phase, &r.Status,
		&r.RetryOf, &prepare, &input, &output, &r.MutationOutcome, &r.CreatedAt, &r.UpdatedAt,
		&committedAt, &r.Error, &r.ErrorType, &r.Cost, &logs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taxonomy.NewLogicError("handler run not found")
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "scan handler run")
	}
	if committedAt.Valid {
		t := committedAt.Time
		r.CommittedAt = &t
	}
	if err := unmarshalInto(prepare, &r.PrepareResult); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal prepare_result")
	}
	if err := unmarshalMap(input, &r.InputState); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal input_state")
	}
	if err := unmarshalMap(output, &r.OutputState); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal output_state")
	}
	if err := unmarshalInto(logs, &r.Logs); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal logs")
	}
	return r, nil
}

const handlerRunColumns = `id, script_run_id, workflow_id, handler_type, handler_name, phase, status,
	retry_of, prepare_result, input_state, output_state, mutation_outcome, created_at, updated_at,
	committed_at, error, error_type, cost, logs`

func (s *Store) GetHandlerRun(ctx context.Context, id string) (*model.HandlerRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+handlerRunColumns+" FROM handler_runs WHERE id = ?", id)
	return scanHandlerRun(row)
}

func (s *Store) UpdateHandlerRun(ctx context.Context, r *model.HandlerRun) error {
	existing, err := s.GetHandlerRun(ctx, r.ID)
	if err != nil {
		return err
	}
	if existing.Phase != r.Phase && !existing.Phase.Advances(r.Phase, r.HandlerType) {
		return taxonomy.NewInternalError("illegal phase transition " + string(existing.Phase) + " -> " + string(r.Phase))
	}
	r.UpdatedAt = time.Now()
	prepare, err := marshal(r.PrepareResult)
	if err != nil {
		return err
	}
	input, err := marshal(r.InputState)
	if err != nil {
		return err
	}
	output, err := marshal(r.OutputState)
	if err != nil {
		return err
	}
	logs, err := marshal(r.Logs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE handler_runs SET phase = ?, status = ?, retry_of = ?, prepare_result = ?, input_state = ?,
			output_state = ?, mutation_outcome = ?, updated_at = ?, committed_at = ?, error = ?, error_type = ?,
			cost = ?, logs = ?
		WHERE id = ?`,
		r.Phase, r.Status, r.RetryOf, prepare, input, output, r.MutationOutcome, r.UpdatedAt,
		nullTime(r.CommittedAt), r.Error, r.ErrorType, r.Cost, logs, r.ID)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update handler run")
	}
	return requireRow(res, "handler run not found: "+r.ID)
}

func (s *Store) ListHandlerRunsByScriptRun(ctx context.Context, scriptRunID string) ([]*model.HandlerRun, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+handlerRunColumns+" FROM handler_runs WHERE script_run_id = ? ORDER BY created_at ASC", scriptRunID)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "list handler runs by script run")
	}
	defer rows.Close()
	var out []*model.HandlerRun
	for rows.Next() {
		r, err := scanHandlerRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListIncompleteHandlerRuns(ctx context.Context, workflowID string) ([]*model.HandlerRun, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+handlerRunColumns+` FROM handler_runs
		WHERE workflow_id = ? AND phase NOT IN (?, ?) ORDER BY created_at DESC`,
		workflowID, model.PhaseCommitted, model.PhaseFailed)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "list incomplete handler runs")
	}
	defer rows.Close()
	var out []*model.HandlerRun
	for rows.Next() {
		r, err := scanHandlerRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AdvancePhase(ctx context.Context, handlerRunID string, newPhase model.Phase, outputState map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "begin advance phase")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+handlerRunColumns+" FROM handler_runs WHERE id = ?", handlerRunID)
	r, err := scanHandlerRun(row)
	if err != nil {
		return err
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
	var committedAt interface{}
	if newPhase == model.PhaseCommitted {
		r.Status = model.RunCommitted
		committedAt = now
	} else {
		committedAt = nullTime(r.CommittedAt)
	}
	output, err := marshal(r.OutputState)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE handler_runs SET phase = ?, status = ?, output_state = ?, updated_at = ?, committed_at = ?
		WHERE id = ?`, r.Phase, r.Status, output, now, committedAt, handlerRunID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "advance phase")
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "commit advance phase")
	}
	return nil
}

// --- Mutations ---

func (s *Store) CreateMutation(ctx context.Context, m *model.Mutation) error {
	if m.ID == "" {
		m.ID = newID()
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	params, err := marshal(m.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations (id, handler_run_id, tool_namespace, tool_method, params, idempotency_key,
			status, result, error, reconciliation_attempts, resolved_by, created_at, updated_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.HandlerRunID, m.ToolNamespace, m.ToolMethod, params, m.IdempotencyKey,
		m.Status, nil, m.Error, m.ReconciliationAttempts, string(m.ResolvedBy), m.CreatedAt, m.UpdatedAt, nullTime(m.AppliedAt))
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "create mutation (handler_run_id must be unique)")
	}
	return nil
}

func scanMutation(row interface {
	Scan(dest ...interface{}) error
}) (*model.Mutation, error) {
	m := &model.Mutation{}
	var params, result sql.NullString
	var resolvedBy sql.NullString
	var appliedAt sql.NullTime
	err := row.Scan(&m.ID, &m.HandlerRunID, &m.ToolNamespace, &m.ToolMethod, &params, &m.IdempotencyKey,
		&m.Status, &result, &m.Error, &m.ReconciliationAttempts, &resolvedBy, &m.CreatedAt, &m.UpdatedAt, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taxonomy.NewLogicError("mutation not found")
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "scan mutation")
	}
	m.ResolvedBy = model.ResolvedBy(resolvedBy.String)
	if appliedAt.Valid {
		t := appliedAt.Time
		m.AppliedAt = &t
	}
	if err := unmarshalMap(params, &m.Params); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal params")
	}
	if err := unmarshalMap(result, &m.Result); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal result")
	}
	return m, nil
}

const mutationColumns = `id, handler_run_id, tool_namespace, tool_method, params, idempotency_key,
	status, result, error, reconciliation_attempts, resolved_by, created_at, updated_at, applied_at`

func (s *Store) GetMutation(ctx context.Context, id string) (*model.Mutation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+mutationColumns+" FROM mutations WHERE id = ?", id)
	return scanMutation(row)
}

func (s *Store) GetMutationByHandlerRun(ctx context.Context, handlerRunID string) (*model.Mutation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+mutationColumns+" FROM mutations WHERE handler_run_id = ?", handlerRunID)
	return scanMutation(row)
}

func (s *Store) ListInFlightMutations(ctx context.Context) ([]*model.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+mutationColumns+" FROM mutations WHERE status = ?", model.MutationInFlight)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "list in-flight mutations")
	}
	defer rows.Close()
	var out []*model.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkMutationInFlight(ctx context.Context, mutationID string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE mutations SET status = ?, updated_at = ? WHERE id = ?`,
		model.MutationInFlight, now, mutationID)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "mark mutation in-flight")
	}
	return requireRow(res, "mutation not found: "+mutationID)
}

func (s *Store) MarkMutationApplied(ctx context.Context, mutationID string, result map[string]interface{}) error {
	return s.finishMutation(ctx, mutationID, model.MutationApplied, model.MutationOutcomeSuccess, result, "")
}

func (s *Store) MarkMutationFailed(ctx context.Context, mutationID string, reason string) error {
	return s.finishMutation(ctx, mutationID, model.MutationFailed, model.MutationOutcomeFailure, nil, reason)
}

func (s *Store) finishMutation(ctx context.Context, mutationID string, status model.MutationStatus, outcome model.MutationOutcome, result map[string]interface{}, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "begin finish mutation")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+mutationColumns+" FROM mutations WHERE id = ?", mutationID)
	m, err := scanMutation(row)
	if err != nil {
		return err
	}
	now := time.Now()
	resultJSON, err := marshal(result)
	if err != nil {
		return err
	}
	var appliedAt interface{}
	if status == model.MutationApplied {
		appliedAt = now
	}
	if _, err := tx.ExecContext(ctx, `UPDATE mutations SET status = ?, result = ?, error = ?, updated_at = ?, applied_at = ? WHERE id = ?`,
		status, resultJSON, reason, now, appliedAt, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update mutation")
	}

	if err := advanceToMutatedTx(ctx, tx, m.HandlerRunID, outcome, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "commit finish mutation")
	}
	return nil
}

func advanceToMutatedTx(ctx context.Context, tx *sql.Tx, handlerRunID string, outcome model.MutationOutcome, now time.Time) error {
	row := tx.QueryRowContext(ctx, "SELECT "+handlerRunColumns+" FROM handler_runs WHERE id = ?", handlerRunID)
	r, err := scanHandlerRun(row)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "handler run not found for mutation outcome")
	}
	phase := r.Phase
	if r.Phase.Advances(model.PhaseMutated, r.HandlerType) {
		phase = model.PhaseMutated
	}
	if _, err := tx.ExecContext(ctx, `UPDATE handler_runs SET mutation_outcome = ?, phase = ?, updated_at = ? WHERE id = ?`,
		outcome, phase, now, handlerRunID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "advance handler run to mutated")
	}
	return nil
}

func (s *Store) MarkMutationIndeterminate(ctx context.Context, mutationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "begin mark indeterminate")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+mutationColumns+" FROM mutations WHERE id = ?", mutationID)
	m, err := scanMutation(row)
	if err != nil {
		return err
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE mutations SET status = ?, reconciliation_attempts = reconciliation_attempts + 1, updated_at = ? WHERE id = ?`,
		model.MutationIndeterminate, now, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "mark mutation indeterminate")
	}

	row2 := tx.QueryRowContext(ctx, "SELECT "+handlerRunColumns+" FROM handler_runs WHERE id = ?", m.HandlerRunID)
	r, err := scanHandlerRun(row2)
	if err == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE workflows SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			model.WorkflowError, "mutation "+mutationID+" is indeterminate and requires resolution", now, r.WorkflowID); err != nil {
			return taxonomy.Wrap(taxonomy.Internal, err, "set workflow error for indeterminate mutation")
		}
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "commit mark indeterminate")
	}
	return nil
}

func (s *Store) ResolveMutationFailed(ctx context.Context, mutationID string) error {
	return s.resolveMutation(ctx, mutationID, false)
}

func (s *Store) ResolveMutationSkipped(ctx context.Context, mutationID string) error {
	return s.resolveMutation(ctx, mutationID, true)
}

func (s *Store) resolveMutation(ctx context.Context, mutationID string, skip bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "begin resolve mutation")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+mutationColumns+" FROM mutations WHERE id = ?", mutationID)
	m, err := scanMutation(row)
	if err != nil {
		return err
	}
	if m.Status != model.MutationIndeterminate {
		return taxonomy.NewLogicError("mutation is not indeterminate: " + mutationID)
	}
	now := time.Now()

	outcome := model.MutationOutcomeFailure
	resolvedBy := model.ResolvedUserAssertFailed
	eventStatusUpdate := `UPDATE events SET status = ?, reserved_by_run_id = '', updated_at = ? WHERE reserved_by_run_id = ? AND status = ?`
	eventNewStatus := interface{}(model.EventPending)
	if skip {
		outcome = model.MutationOutcomeSkipped
		resolvedBy = model.ResolvedUserSkip
		eventNewStatus = model.EventSkipped
	}

	if _, err := tx.ExecContext(ctx, `UPDATE mutations SET status = ?, resolved_by = ?, updated_at = ? WHERE id = ?`,
		model.MutationFailed, resolvedBy, now, mutationID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "update mutation resolution")
	}

	if skip {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ?, updated_at = ? WHERE reserved_by_run_id = ? AND status = ?`,
			eventNewStatus, now, m.HandlerRunID, model.EventReserved); err != nil {
			return taxonomy.Wrap(taxonomy.Internal, err, "skip reserved events")
		}
	} else {
		if _, err := tx.ExecContext(ctx, eventStatusUpdate, eventNewStatus, now, m.HandlerRunID, model.EventReserved); err != nil {
			return taxonomy.Wrap(taxonomy.Internal, err, "release reserved events")
		}
	}

	if err := advanceToMutatedTx(ctx, tx, m.HandlerRunID, outcome, now); err != nil {
		return err
	}

	row2 := tx.QueryRowContext(ctx, "SELECT "+handlerRunColumns+" FROM handler_runs WHERE id = ?", m.HandlerRunID)
	r, err := scanHandlerRun(row2)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "load handler run for workflow update")
	}
	pendingRetry := ""
	if skip {
		pendingRetry = r.ID
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET status = ?, error = '', pending_retry_run_id = ?, updated_at = ? WHERE id = ?`,
		model.WorkflowActive, pendingRetry, now, r.WorkflowID); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "clear workflow error")
	}

	if err := tx.Commit(); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "commit resolve mutation")
	}
	return nil
}

// --- Topics / Events ---

func (s *Store) GetOrCreateTopic(ctx context.Context, workflowID, name string) (*model.Topic, error) {
	return getOrCreateTopic(ctx, s.db, workflowID, name)
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func getOrCreateTopic(ctx context.Context, db execQueryer, workflowID, name string) (*model.Topic, error) {
	t := &model.Topic{}
	err := db.QueryRowContext(ctx, `SELECT id, workflow_id, name, created_at FROM topics WHERE workflow_id = ? AND name = ?`,
		workflowID, name).Scan(&t.ID, &t.WorkflowID, &t.Name, &t.CreatedAt)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "get topic")
	}
	t = &model.Topic{ID: newID(), WorkflowID: workflowID, Name: name, CreatedAt: time.Now()}
	if _, err := db.ExecContext(ctx, `INSERT INTO topics (id, workflow_id, name, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.Name, t.CreatedAt); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "create topic")
	}
	return t, nil
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*model.Event, error) {
	e := &model.Event{}
	var payload sql.NullString
	var reservedBy, createdBy sql.NullString
	err := row.Scan(&e.ID, &e.TopicID, &e.MessageID, &e.Title, &payload, &e.Status,
		&reservedBy, &createdBy, &e.AttemptNumber, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taxonomy.NewLogicError("event not found")
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "scan event")
	}
	e.ReservedByRunID = reservedBy.String
	e.CreatedByRunID = createdBy.String
	if err := unmarshalMap(payload, &e.Payload); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal payload")
	}
	return e, nil
}

const eventColumns = `id, topic_id, message_id, title, payload, status, reserved_by_run_id, created_by_run_id, attempt_number, created_at, updated_at`

func (s *Store) PublishEvent(ctx context.Context, workflowID, topicName string, messageID, title string, payload map[string]interface{}, producingRunID string) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "begin publish event")
	}
	defer func() { _ = tx.Rollback() }()

	topic, err := getOrCreateTopic(ctx, tx, workflowID, topicName)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE topic_id = ? AND message_id = ?", topic.ID, messageID)
	if existing, err := scanEvent(row); err == nil {
		if err := tx.Commit(); err != nil {
			return nil, taxonomy.Wrap(taxonomy.Internal, err, "commit publish event (idempotent)")
		}
		return existing, nil // idempotent: original event wins
	}

	now := time.Now()
	e := &model.Event{
		ID: newID(), TopicID: topic.ID, MessageID: messageID, Title: title, Payload: payload,
		Status: model.EventPending, CreatedByRunID: producingRunID, AttemptNumber: 1, CreatedAt: now, UpdatedAt: now,
	}
	payloadJSON, err := marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, topic_id, message_id, title, payload, status, reserved_by_run_id, created_by_run_id,
			attempt_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TopicID, e.MessageID, e.Title, payloadJSON, e.Status, "", e.CreatedByRunID, e.AttemptNumber, e.CreatedAt, e.UpdatedAt); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "insert event")
	}
	if err := tx.Commit(); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "commit publish event")
	}
	return e, nil
}

func (s *Store) PeekEvents(ctx context.Context, workflowID, topicName string, filter store.EventFilter) ([]*model.Event, error) {
	var topicID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM topics WHERE workflow_id = ? AND name = ?`, workflowID, topicName).Scan(&topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "resolve topic for peek")
	}

	query := "SELECT " + eventColumns + " FROM events WHERE topic_id = ?"
	args := []interface{}{topicID}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "peek events")
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetEventsByIDs(ctx context.Context, workflowID, topicName string, messageIDs []string) ([]*model.Event, error) {
	var topicID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM topics WHERE workflow_id = ? AND name = ?`, workflowID, topicName).Scan(&topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "resolve topic for get-by-ids")
	}

	var out []*model.Event
	for _, mid := range messageIDs {
		row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE topic_id = ? AND message_id = ?", topicID, mid)
		e, err := scanEvent(row)
		if err != nil {
			continue // not found for this id: simply omitted
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ReserveEvents(ctx context.Context, runID string, reservations []model.EventReservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "begin reserve events")
	}
	defer func() { _ = tx.Rollback() }()

	var workflowID string
	err = tx.QueryRowContext(ctx, `SELECT workflow_id FROM handler_runs WHERE id = ?`, runID).Scan(&workflowID)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "resolve workflow for reserve")
	}

	now := time.Now()
	for _, res := range reservations {
		var topicID string
		// topic names are unique per workflow, not globally, so the lookup
		// must be scoped to the reserving run's workflow.
		err := tx.QueryRowContext(ctx, `SELECT id FROM topics WHERE workflow_id = ? AND name = ?`, workflowID, res.Topic).Scan(&topicID)
		if errors.Is(err, sql.ErrNoRows) {
			continue // reserve on a non-existent topic is a no-op
		}
		if err != nil {
			return taxonomy.Wrap(taxonomy.Internal, err, "resolve topic for reserve")
		}
		for _, mid := range res.IDs {
			result, err := tx.ExecContext(ctx, `
				UPDATE events SET status = ?, reserved_by_run_id = ?, updated_at = ?
				WHERE topic_id = ? AND message_id = ? AND status = ?`,
				model.EventReserved, runID, now, topicID, mid, model.EventPending)
			if err != nil {
				return taxonomy.Wrap(taxonomy.Internal, err, "reserve event")
			}
			_, _ = result.RowsAffected() // already-reserved events are silently skipped
		}
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "commit reserve events")
	}
	return nil
}

func (s *Store) ConsumeEvents(ctx context.Context, runID string) error {
	return s.transitionReservedEvents(ctx, runID, model.EventConsumed, false)
}

func (s *Store) SkipEvents(ctx context.Context, runID string) error {
	return s.transitionReservedEvents(ctx, runID, model.EventSkipped, false)
}

func (s *Store) ReleaseEvents(ctx context.Context, runID string) error {
	return s.transitionReservedEvents(ctx, runID, model.EventPending, true)
}

func (s *Store) transitionReservedEvents(ctx context.Context, runID string, newStatus model.EventStatus, clearOwner bool) error {
	now := time.Now()
	owner := runID
	if clearOwner {
		owner = ""
	}
	// Releasing a reservation back to pending increments attempt_number,
	// counting the reservation round-trip the event just went through.
	attemptClause := ""
	if newStatus == model.EventPending {
		attemptClause = "attempt_number = attempt_number + 1, "
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, reserved_by_run_id = ?, `+attemptClause+`updated_at = ?
		WHERE reserved_by_run_id = ? AND status = ?`,
		newStatus, owner, now, runID, model.EventReserved)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "transition reserved events")
	}
	return nil
}

// --- HandlerState ---

func (s *Store) GetHandlerState(ctx context.Context, workflowID, handlerName string) (*model.HandlerState, error) {
	st := &model.HandlerState{WorkflowID: workflowID, HandlerName: handlerName}
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT state, updated_at FROM handler_state WHERE workflow_id = ? AND handler_name = ?`,
		workflowID, handlerName).Scan(&raw, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		st.State = map[string]interface{}{}
		return st, nil
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "get handler state")
	}
	if err := unmarshalMap(raw, &st.State); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal handler state")
	}
	return st, nil
}

func (s *Store) PutHandlerState(ctx context.Context, state *model.HandlerState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	raw, err := marshal(state.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handler_state (workflow_id, handler_name, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id, handler_name) DO UPDATE SET
			state = excluded.state, updated_at = excluded.updated_at
		WHERE excluded.updated_at >= handler_state.updated_at`,
		state.WorkflowID, state.HandlerName, raw, state.UpdatedAt)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "put handler state")
	}
	return nil
}

// --- ScriptRuns ---

func (s *Store) CreateScriptRun(ctx context.Context, sr *model.ScriptRun) error {
	if sr.ID == "" {
		sr.ID = newID()
	}
	if sr.StartedAt.IsZero() {
		sr.StartedAt = time.Now()
	}
	ids, err := marshal(sr.HandlerRunIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO script_runs (id, workflow_id, trigger, started_at, finished_at, result_kind, result_reason, result_error_type, handler_run_ids)
		VALUES (?, ?, ?, ?, NULL, NULL, NULL, NULL, ?)`,
		sr.ID, sr.WorkflowID, sr.Trigger, sr.StartedAt, ids)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "create script run")
	}
	return nil
}

func (s *Store) GetScriptRun(ctx context.Context, id string) (*model.ScriptRun, error) {
	sr := &model.ScriptRun{}
	var finishedAt sql.NullTime
	var resultKind, resultReason, resultErrorType sql.NullString
	var handlerRunIDs sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, trigger, started_at, finished_at, result_kind, result_reason, result_error_type, handler_run_ids
		FROM script_runs WHERE id = ?`, id).Scan(
		&sr.ID, &sr.WorkflowID, &sr.Trigger, &sr.StartedAt, &finishedAt,
		&resultKind, &resultReason, &resultErrorType, &handlerRunIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taxonomy.NewLogicError("script run not found: " + id)
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "get script run")
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		sr.FinishedAt = &t
		sr.Result = &model.SessionResult{
			Kind:      model.SessionResultKind(resultKind.String),
			Reason:    resultReason.String,
			ErrorType: resultErrorType.String,
		}
	}
	if err := unmarshalInto(handlerRunIDs, &sr.HandlerRunIDs); err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "unmarshal handler_run_ids")
	}
	return sr, nil
}

func (s *Store) FinishScriptRun(ctx context.Context, id string, result model.SessionResult, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE script_runs SET finished_at = ?, result_kind = ?, result_reason = ?, result_error_type = ?
		WHERE id = ?`, finishedAt, string(result.Kind), result.Reason, result.ErrorType, id)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "finish script run")
	}
	return requireRow(res, "script run not found: "+id)
}

func (s *Store) ListInProgressScriptRuns(ctx context.Context) ([]*model.ScriptRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM script_runs WHERE finished_at IS NULL`)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Internal, err, "list in-progress script runs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, taxonomy.Wrap(taxonomy.Internal, err, "scan script run id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*model.ScriptRun
	for _, id := range ids {
		sr, err := s.GetScriptRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

func requireRow(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "rows affected")
	}
	if n == 0 {
		return taxonomy.NewLogicError(notFoundMsg)
	}
	return nil
}
