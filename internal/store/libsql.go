// Package store persists workflow definitions, runs, and the per-run
// event journal in an embedded libSQL database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/loom/pkg/schema"
)

// LibSQLStore is the embedded libSQL persistence layer.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

// SaveWorkflow stores or replaces a named workflow definition.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *StoredWorkflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (name, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   description=excluded.description,
		   definition=excluded.definition,
		   updated_at=excluded.updated_at`,
		wf.Name, nullStr(wf.Description), string(wf.Definition), timeOrNow(wf.CreatedAt), time.Now().UTC(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save workflow %q: %s", wf.Name, err.Error()).WithCause(err)
	}
	return nil
}

// GetWorkflow returns a stored workflow definition by name.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, name string) (*StoredWorkflow, error) {
	wf := &StoredWorkflow{}
	var description sql.NullString
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description, definition, created_at, updated_at FROM workflows WHERE name = ?`, name,
	).Scan(&wf.Name, &description, &definition, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get workflow %q: %s", name, err.Error()).WithCause(err)
	}
	wf.Description = description.String
	wf.Definition = []byte(definition)
	return wf, nil
}

// ListWorkflows returns all stored workflow definitions, sorted by name.
func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*StoredWorkflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, definition, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list workflows: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*StoredWorkflow
	for rows.Next() {
		wf := &StoredWorkflow{}
		var description sql.NullString
		var definition string
		if err := rows.Scan(&wf.Name, &description, &definition, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan workflow: %s", err.Error()).WithCause(err)
		}
		wf.Description = description.String
		wf.Definition = []byte(definition)
		out = append(out, wf)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a stored workflow definition.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete workflow %q: %s", name, err.Error()).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}
	return nil
}

// --- Runs ---

// CreateRun records a new run in the running state.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = schema.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, input, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, nullStr(run.Input), string(run.Status), timeOrNow(run.StartedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run %s: %s", run.ID, err.Error()).WithCause(err)
	}
	return nil
}

// FinishRun records a run's terminal status and output.
func (s *LibSQLStore) FinishRun(ctx context.Context, runID string, status schema.RunStatus, output, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), nullStr(output), nullStr(errMsg), time.Now().UTC(), runID,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finish run %s: %s", runID, err.Error()).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	return nil
}

// GetRun returns a run by id.
func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	run := &Run{}
	var input, output, errMsg sql.NullString
	var status string
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, input, status, output, error, started_at, finished_at FROM runs WHERE id = ?`, runID,
	).Scan(&run.ID, &run.Workflow, &input, &status, &output, &errMsg, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get run %s: %s", runID, err.Error()).WithCause(err)
	}
	run.Input = input.String
	run.Status = schema.RunStatus(status)
	run.Output = output.String
	run.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// ListRuns returns runs matching the filter, most recent first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow, input, status, output, error, started_at, finished_at FROM runs`
	var conds []string
	var args []any
	if filter.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list runs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		var input, output, errMsg sql.NullString
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Workflow, &input, &status, &output, &errMsg, &run.StartedAt, &finished); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan run: %s", err.Error()).WithCause(err)
		}
		run.Input = input.String
		run.Status = schema.RunStatus(status)
		run.Output = output.String
		run.Error = errMsg.String
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Run events ---

// AppendRunEvent appends an event with a monotonically increasing
// per-run sequence.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, ev *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin event tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, ev.RunID,
	).Scan(&seq)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "next event sequence: %s", err.Error()).WithCause(err)
	}
	ev.Sequence = seq

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := nullableJSON(ev.Payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal event payload: %s", err.Error()).WithCause(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, type, task_id, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, seq, ev.Type, nullStr(ev.TaskID), payload, ev.Timestamp,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert event: %s", err.Error()).WithCause(err)
	}
	return tx.Commit()
}

// GetRunEvents returns events for a run with sequence > since, ordered
// by sequence ascending.
func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sequence, type, task_id, payload, timestamp
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get run events: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*RunEvent
	for rows.Next() {
		ev := &RunEvent{}
		var taskID, payload sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.Type, &taskID, &payload, &ev.Timestamp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan event: %s", err.Error()).WithCause(err)
		}
		ev.TaskID = taskID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore, "decode event payload: %s", err.Error()).WithCause(err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Scheduled jobs ---

// CreateScheduledJob stores a cron-triggered run of a stored workflow.
func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow, cron_expr, input, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Workflow, job.CronExpr, nullStr(job.Input), boolInt(job.Enabled), timeOrNow(job.CreatedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create scheduled job %s: %s", job.ID, err.Error()).WithCause(err)
	}
	return nil
}

// ListScheduledJobs returns all scheduled jobs, enabled first.
func (s *LibSQLStore) ListScheduledJobs(ctx context.Context) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow, cron_expr, input, enabled, last_run, created_at
		 FROM scheduled_jobs ORDER BY enabled DESC, created_at`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list scheduled jobs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var input sql.NullString
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.Workflow, &job.CronExpr, &input, &enabled, &lastRun, &job.CreatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan scheduled job: %s", err.Error()).WithCause(err)
		}
		job.Input = input.String
		job.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			job.LastRun = &t
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// TouchScheduledJob records a job's last trigger time.
func (s *LibSQLStore) TouchScheduledJob(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET last_run = ? WHERE id = ?`, at, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "touch scheduled job %s: %s", id, err.Error()).WithCause(err)
	}
	return nil
}

// DeleteScheduledJob removes a scheduled job.
func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete scheduled job %s: %s", id, err.Error()).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	return nil
}

// --- helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
