// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite backend for single-node deployments.
// It uses the pure-Go modernc.org/sqlite driver, so no CGO is required.
//
// The pool is capped at one connection. SQLite serializes writers anyway,
// and a single connection turns the queue claim into a plain
// read-then-update with no row locking needed.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/pkg/engine"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.RunQueue        = (*Backend)(nil)
	_ backend.CheckpointStore = (*Backend)(nil)
	_ backend.TriggerStore    = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an in-memory
	// database (tests).
	Path string

	// WAL enables write-ahead logging for better concurrency.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			template_name TEXT NOT NULL,
			workflow_hash TEXT,
			status TEXT NOT NULL,
			inputs TEXT,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			resume_payload TEXT,
			suspended_node TEXT,
			trigger_id TEXT,
			claimed_by TEXT,
			claimed_at TEXT,
			heartbeat_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_created_at ON workflow_runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			superstep INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, superstep)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_triggers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			template_name TEXT NOT NULL,
			inputs_template TEXT,
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			is_active INTEGER NOT NULL DEFAULT 1,
			next_run_at TEXT,
			last_run_at TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_triggers_next ON workflow_triggers(next_run_at)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const runColumns = `id, template_name, workflow_hash, status, inputs, result, error,
	retry_count, cancel_requested, resume_payload, suspended_node, trigger_id,
	claimed_by, claimed_at, heartbeat_at, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	return createRunExec(ctx, b.db, run)
}

func createRunExec(ctx context.Context, db execer, run *backend.Run) error {
	inputs, err := marshalJSON(run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	result, err := marshalJSON(run.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	payload, err := marshalJSON(run.ResumePayload)
	if err != nil {
		return fmt.Errorf("failed to marshal resume_payload: %w", err)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err = db.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TemplateName, nullString(run.WorkflowHash), run.Status,
		inputs, result, nullString(run.Error),
		run.RetryCount, run.CancelRequested, payload,
		nullString(run.SuspendedNode), nullString(run.TriggerID),
		nullString(run.ClaimedBy), formatTime(run.ClaimedAt), formatTime(run.HeartbeatAt),
		run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	return getRunQuery(ctx, b.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRunQuery(ctx context.Context, db querier, id string) (*backend.Run, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.NotFoundError{Entity: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

const updateRunSet = `
	UPDATE workflow_runs SET
		status = ?, inputs = ?, result = ?, error = ?,
		retry_count = ?, cancel_requested = ?, resume_payload = ?,
		suspended_node = ?, claimed_by = ?, claimed_at = ?,
		updated_at = ?`

// UpdateRun updates an existing run unconditionally. Workers must use
// FinishRun instead so claim ownership is enforced.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	args, err := updateRunArgs(run)
	if err != nil {
		return err
	}
	args = append(args, run.ID)
	res, err := b.db.ExecContext(ctx, updateRunSet+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &backend.NotFoundError{Entity: "run", ID: run.ID}
	}
	return nil
}

// FinishRun writes a claimed run's new state and releases the claim.
func (b *Backend) FinishRun(ctx context.Context, run *backend.Run, workerID string) error {
	released := *run
	released.ClaimedBy = ""
	released.ClaimedAt = nil
	args, err := updateRunArgs(&released)
	if err != nil {
		return err
	}
	args = append(args, run.ID, workerID)
	res, err := b.db.ExecContext(ctx, updateRunSet+` WHERE id = ? AND claimed_by = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &backend.ClaimLostError{RunID: run.ID, WorkerID: workerID}
	}
	run.UpdatedAt = released.UpdatedAt
	return nil
}

func updateRunArgs(run *backend.Run) ([]any, error) {
	inputs, err := marshalJSON(run.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inputs: %w", err)
	}
	result, err := marshalJSON(run.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	payload, err := marshalJSON(run.ResumePayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resume_payload: %w", err)
	}

	run.UpdatedAt = time.Now().UTC()
	return []any{
		run.Status, inputs, result, nullString(run.Error),
		run.RetryCount, run.CancelRequested, payload,
		nullString(run.SuspendedNode), nullString(run.ClaimedBy), formatTime(run.ClaimedAt),
		run.UpdatedAt.Format(time.RFC3339),
	}, nil
}

// ClaimRun atomically claims the oldest eligible run. With a single
// pooled connection the read-then-update pair cannot interleave with
// another claimer, so no row locking is needed. RFC3339 UTC strings
// compare lexicographically, which keeps the staleness check in SQL.
func (b *Backend) ClaimRun(ctx context.Context, workerID string, staleTimeout time.Duration) (*backend.Run, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	staleBefore := time.Now().UTC().Add(-staleTimeout).Format(time.RFC3339)
	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM workflow_runs
		WHERE (status = ? AND (claimed_by IS NULL OR claimed_at < ?))
		   OR (status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)
		ORDER BY created_at
		LIMIT 1`,
		backend.StatusQueued, staleBefore, backend.StatusRunning, staleBefore).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable run: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, claimed_by = ?, claimed_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ?`,
		backend.StatusRunning, workerID, now, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run %s: %w", id, err)
	}

	run, err := getRunQuery(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return run, nil
}

// Heartbeat refreshes the claim's liveness timestamp.
func (b *Backend) Heartbeat(ctx context.Context, runID, workerID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET heartbeat_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		now, runID, workerID, backend.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &backend.ClaimLostError{RunID: runID, WorkerID: workerID}
	}
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Template != "" {
		where += ` AND template_name = ?`
		args = append(args, filter.Template)
	}

	var total int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// SaveCheckpoint saves a snapshot keyed by (run_id, superstep).
func (b *Backend) SaveCheckpoint(ctx context.Context, runID string, snap *engine.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, superstep, snapshot, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, superstep) DO UPDATE SET snapshot = excluded.snapshot`,
		runID, snap.Superstep, string(data), snap.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint retrieves the highest-superstep snapshot for a run.
func (b *Backend) LatestCheckpoint(ctx context.Context, runID string) (*engine.Snapshot, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `
		SELECT snapshot FROM workflow_checkpoints
		WHERE run_id = ? ORDER BY superstep DESC LIMIT 1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListCheckpoints retrieves all snapshots for a run in superstep order.
func (b *Backend) ListCheckpoints(ctx context.Context, runID string) ([]*engine.Snapshot, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT snapshot FROM workflow_checkpoints
		WHERE run_id = ? ORDER BY superstep`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var snaps []*engine.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		var snap engine.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

const triggerColumns = `id, name, template_name, inputs_template, cron_expression,
	timezone, is_active, next_run_at, last_run_at, last_error, created_at, updated_at`

// CreateTrigger creates a new trigger.
func (b *Backend) CreateTrigger(ctx context.Context, trigger *backend.Trigger) error {
	inputs, err := marshalJSON(trigger.InputsTemplate)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs_template: %w", err)
	}
	now := time.Now().UTC()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.ID, trigger.Name, trigger.TemplateName, inputs,
		trigger.CronExpression, trigger.Timezone, trigger.IsActive,
		formatTime(trigger.NextRunAt), formatTime(trigger.LastRunAt), nullString(trigger.LastError),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (b *Backend) GetTrigger(ctx context.Context, id string) (*backend.Trigger, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM workflow_triggers WHERE id = ?`, id)
	trigger, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.NotFoundError{Entity: "trigger", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return trigger, nil
}

// UpdateTrigger updates an existing trigger.
func (b *Backend) UpdateTrigger(ctx context.Context, trigger *backend.Trigger) error {
	inputs, err := marshalJSON(trigger.InputsTemplate)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs_template: %w", err)
	}
	trigger.UpdatedAt = time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_triggers SET
			name = ?, template_name = ?, inputs_template = ?,
			cron_expression = ?, timezone = ?, is_active = ?,
			next_run_at = ?, last_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		trigger.Name, trigger.TemplateName, inputs,
		trigger.CronExpression, trigger.Timezone, trigger.IsActive,
		formatTime(trigger.NextRunAt), formatTime(trigger.LastRunAt), nullString(trigger.LastError),
		trigger.UpdatedAt.Format(time.RFC3339),
		trigger.ID)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &backend.NotFoundError{Entity: "trigger", ID: trigger.ID}
	}
	return nil
}

// DeleteTrigger deletes a trigger by ID.
func (b *Backend) DeleteTrigger(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM workflow_triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &backend.NotFoundError{Entity: "trigger", ID: id}
	}
	return nil
}

// ListTriggers lists all triggers ordered by creation time.
func (b *Backend) ListTriggers(ctx context.Context) ([]*backend.Trigger, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM workflow_triggers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*backend.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// ProcessDueTriggers applies the fire verdicts for all due triggers in
// one transaction. The single pooled connection serializes schedulers,
// so every firing is enqueued exactly once.
func (b *Backend) ProcessDueTriggers(ctx context.Context, now time.Time, fire func(*backend.Trigger) backend.TriggerFiring) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trigger transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.UTC().Format(time.RFC3339)
	rows, err := tx.QueryContext(ctx, `
		SELECT `+triggerColumns+` FROM workflow_triggers
		WHERE is_active AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to select due triggers: %w", err)
	}
	var due []*backend.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan due trigger: %w", err)
		}
		due = append(due, trigger)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read due triggers: %w", err)
	}

	nowStr := now.UTC().Format(time.RFC3339)
	for _, trigger := range due {
		firing := fire(trigger)
		if firing.Err != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE workflow_triggers
				SET is_active = 0, last_error = ?, updated_at = ?
				WHERE id = ?`,
				firing.Err.Error(), nowStr, trigger.ID)
			if err != nil {
				return fmt.Errorf("failed to deactivate trigger %s: %w", trigger.ID, err)
			}
			continue
		}

		if err := createRunExec(ctx, tx, firing.Run); err != nil {
			return fmt.Errorf("failed to enqueue run for trigger %s: %w", trigger.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE workflow_triggers
			SET last_run_at = ?, next_run_at = ?, last_error = NULL, updated_at = ?
			WHERE id = ?`,
			nowStr, firing.NextRunAt.UTC().Format(time.RFC3339), nowStr, trigger.ID)
		if err != nil {
			return fmt.Errorf("failed to advance trigger %s: %w", trigger.ID, err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*backend.Run, error) {
	var run backend.Run
	var workflowHash, inputs, result, errMsg, payload sql.NullString
	var suspendedNode, triggerID, claimedBy sql.NullString
	var claimedAt, heartbeatAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&run.ID, &run.TemplateName, &workflowHash, &run.Status,
		&inputs, &result, &errMsg,
		&run.RetryCount, &run.CancelRequested, &payload,
		&suspendedNode, &triggerID,
		&claimedBy, &claimedAt, &heartbeatAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.WorkflowHash = workflowHash.String
	run.Error = errMsg.String
	run.SuspendedNode = suspendedNode.String
	run.TriggerID = triggerID.String
	run.ClaimedBy = claimedBy.String
	run.ClaimedAt = parseTime(claimedAt)
	run.HeartbeatAt = parseTime(heartbeatAt)
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if err := unmarshalJSON(inputs, &run.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if err := unmarshalJSON(result, &run.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if err := unmarshalJSON(payload, &run.ResumePayload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume_payload: %w", err)
	}
	return &run, nil
}

func scanTrigger(row rowScanner) (*backend.Trigger, error) {
	var trigger backend.Trigger
	var inputs, lastError sql.NullString
	var nextRunAt, lastRunAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&trigger.ID, &trigger.Name, &trigger.TemplateName, &inputs,
		&trigger.CronExpression, &trigger.Timezone, &trigger.IsActive,
		&nextRunAt, &lastRunAt, &lastError,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.LastError = lastError.String
	trigger.NextRunAt = parseTime(nextRunAt)
	trigger.LastRunAt = parseTime(lastRunAt)
	trigger.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	trigger.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if err := unmarshalJSON(inputs, &trigger.InputsTemplate); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs_template: %w", err)
	}
	return &trigger, nil
}

func marshalJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(src sql.NullString, dst *map[string]any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
