// Copyright 2025 Comfy Deploy
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

// Package sqlite provides a SQLite store implementation for single-node
// deployments. Admission counting relies on conditional UPDATE statements,
// which SQLite serializes, so admit/release are atomic across goroutines
// and across processes sharing the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.DeploymentStore = (*Store)(nil)
	_ store.MachineStore    = (*Store)(nil)
	_ store.RunStore        = (*Store)(nil)
	_ store.OutputStore     = (*Store)(nil)
	_ store.Store           = (*Store)(nil)
)

// Store is a SQLite store implementation.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle so the queue tables can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version_id TEXT NOT NULL,
			machine_id TEXT,
			machine_group_id TEXT,
			environment TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			workflow_api TEXT,
			workflow TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			auth_token TEXT,
			status TEXT NOT NULL,
			operational_status TEXT NOT NULL DEFAULT 'idle',
			current_queue INTEGER NOT NULL DEFAULT 0,
			capacity INTEGER NOT NULL DEFAULT 1,
			disabled INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS machine_group_members (
			group_id TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (group_id, machine_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version_id TEXT NOT NULL,
			deployment_id TEXT,
			inputs TEXT,
			machine_id TEXT NOT NULL,
			origin TEXT NOT NULL,
			origin_url TEXT,
			queue_job_id TEXT,
			user_id TEXT,
			org_id TEXT,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_queue_job_id ON runs(queue_job_id)`,
		`CREATE TABLE IF NOT EXISTS run_outputs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			data TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_outputs_run_id ON run_outputs(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, id string) (*store.Deployment, error) {
	query := `
		SELECT id, workflow_id, workflow_version_id, machine_id, machine_group_id,
			environment, created_at, updated_at
		FROM deployments WHERE id = ?
	`

	var d store.Deployment
	var machineID, groupID sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.WorkflowID, &d.WorkflowVersionID, &machineID, &groupID,
		&d.Environment, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "deployment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	if machineID.Valid {
		d.MachineID = machineID.String
	}
	if groupID.Valid {
		d.MachineGroupID = groupID.String
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &d, nil
}

// GetWorkflowVersion retrieves a workflow version by ID.
func (s *Store) GetWorkflowVersion(ctx context.Context, id string) (*store.WorkflowVersion, error) {
	query := `
		SELECT id, workflow_id, version, workflow_api, workflow, created_at
		FROM workflow_versions WHERE id = ?
	`

	var v store.WorkflowVersion
	var apiJSON, workflowJSON sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&v.ID, &v.WorkflowID, &v.Version, &apiJSON, &workflowJSON, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow version", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow version: %w", err)
	}

	if apiJSON.Valid && apiJSON.String != "" {
		if err := json.Unmarshal([]byte(apiJSON.String), &v.WorkflowAPI); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow_api: %w", err)
		}
	}
	if workflowJSON.Valid && workflowJSON.String != "" {
		if err := json.Unmarshal([]byte(workflowJSON.String), &v.Workflow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &v, nil
}

// PutDeployment creates or replaces a deployment.
func (s *Store) PutDeployment(ctx context.Context, d *store.Deployment) error {
	query := `
		INSERT INTO deployments (id, workflow_id, workflow_version_id, machine_id,
			machine_group_id, environment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			workflow_version_id = excluded.workflow_version_id,
			machine_id = excluded.machine_id,
			machine_group_id = excluded.machine_group_id,
			environment = excluded.environment,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.WorkflowID, d.WorkflowVersionID, nullString(d.MachineID),
		nullString(d.MachineGroupID), string(d.Environment),
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put deployment: %w", err)
	}
	return nil
}

// PutWorkflowVersion creates or replaces a workflow version.
func (s *Store) PutWorkflowVersion(ctx context.Context, v *store.WorkflowVersion) error {
	apiJSON, err := json.Marshal(v.WorkflowAPI)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow_api: %w", err)
	}
	workflowJSON, err := json.Marshal(v.Workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	query := `
		INSERT INTO workflow_versions (id, workflow_id, version, workflow_api, workflow, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			version = excluded.version,
			workflow_api = excluded.workflow_api,
			workflow = excluded.workflow
	`

	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, query,
		v.ID, v.WorkflowID, v.Version, string(apiJSON), string(workflowJSON),
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put workflow version: %w", err)
	}
	return nil
}

// GetMachine retrieves a machine by ID.
func (s *Store) GetMachine(ctx context.Context, id string) (*store.Machine, error) {
	row := s.db.QueryRowContext(ctx, machineSelect+" WHERE id = ?", id)
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "machine", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return m, nil
}

// ListMachines returns all machines ordered by name.
func (s *Store) ListMachines(ctx context.Context) ([]*store.Machine, error) {
	rows, err := s.db.QueryContext(ctx, machineSelect+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var out []*store.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListGroupMachines returns the members of a machine group in stored order.
func (s *Store) ListGroupMachines(ctx context.Context, groupID string) ([]*store.Machine, error) {
	query := machineSelect + `
		JOIN machine_group_members g ON g.machine_id = machines.id
		WHERE g.group_id = ?
		ORDER BY g.position
	`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group machines: %w", err)
	}
	defer rows.Close()

	var out []*store.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, &errors.NotFoundError{Resource: "machine group", ID: groupID}
	}
	return out, nil
}

// UpsertMachine creates or replaces a machine record.
func (s *Store) UpsertMachine(ctx context.Context, m *store.Machine) error {
	query := `
		INSERT INTO machines (id, name, kind, endpoint, auth_token, status,
			operational_status, current_queue, capacity, disabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			endpoint = excluded.endpoint,
			auth_token = excluded.auth_token,
			status = excluded.status,
			operational_status = excluded.operational_status,
			current_queue = excluded.current_queue,
			capacity = excluded.capacity,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at
	`

	opStatus := m.OperationalStatus
	if opStatus == "" {
		opStatus = store.OperationalIdle
	}

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.Name, string(m.Kind), m.Endpoint, nullString(m.AuthToken),
		string(m.Status), string(opStatus), m.CurrentQueue, m.Capacity,
		boolToInt(m.Disabled), time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert machine: %w", err)
	}
	return nil
}

// SetGroupMachines replaces the membership of a machine group.
func (s *Store) SetGroupMachines(ctx context.Context, groupID string, machineIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM machine_group_members WHERE group_id = ?", groupID); err != nil {
		return fmt.Errorf("failed to clear group: %w", err)
	}
	for i, id := range machineIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO machine_group_members (group_id, machine_id, position) VALUES (?, ?, ?)",
			groupID, id, i,
		)
		if err != nil {
			return fmt.Errorf("failed to add group member: %w", err)
		}
	}

	return tx.Commit()
}

// AdmitMachine atomically increments current_queue under the capacity
// invariant. The eligibility condition lives inside the UPDATE so there
// is no read-then-write race.
func (s *Store) AdmitMachine(ctx context.Context, id string, capacityHint int) (bool, error) {
	query := `
		UPDATE machines SET
			current_queue = current_queue + 1,
			operational_status = 'busy',
			updated_at = ?
		WHERE id = ?
			AND disabled = 0
			AND status = 'ready'
			AND current_queue < CASE
				WHEN ? > 0 AND ? < capacity THEN ?
				ELSE capacity
			END
	`

	result, err := s.db.ExecContext(ctx, query,
		time.Now().Format(time.RFC3339), id, capacityHint, capacityHint, capacityHint,
	)
	if err != nil {
		return false, fmt.Errorf("failed to admit machine: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// ReleaseMachine atomically decrements current_queue, clamped at zero.
func (s *Store) ReleaseMachine(ctx context.Context, id string) error {
	query := `
		UPDATE machines SET
			current_queue = MAX(0, current_queue - 1),
			operational_status = CASE
				WHEN current_queue <= 1 THEN 'idle'
				ELSE 'busy'
			END,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to release machine: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "machine", ID: id}
	}
	return nil
}

// SetMachineQueue overwrites current_queue with a reconciled depth.
func (s *Store) SetMachineQueue(ctx context.Context, id string, depth int) error {
	if depth < 0 {
		depth = 0
	}

	query := `
		UPDATE machines SET
			current_queue = ?,
			operational_status = CASE WHEN ? = 0 THEN 'idle' ELSE 'busy' END,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, depth, depth, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to set machine queue: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "machine", ID: id}
	}
	return nil
}

// CreateRun creates a new run row.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		INSERT INTO runs (id, workflow_id, workflow_version_id, deployment_id, inputs,
			machine_id, origin, origin_url, queue_job_id, user_id, org_id, status,
			retry_count, max_retries, created_at, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.WorkflowID, run.WorkflowVersionID, nullString(run.DeploymentID),
		string(inputsJSON), run.MachineID, string(run.Origin), nullString(run.OriginURL),
		nullString(run.QueueJobID), nullString(run.UserID), nullString(run.OrgID),
		string(run.Status), run.RetryCount, run.MaxRetries,
		now.Format(time.RFC3339), formatTime(run.StartedAt), formatTime(run.EndedAt),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunByQueueJobID retrieves the run created for a queue job, if any.
func (s *Store) GetRunByQueueJobID(ctx context.Context, jobID string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+" WHERE queue_job_id = ? ORDER BY created_at DESC LIMIT 1", jobID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run by queue job: %w", err)
	}
	return run, nil
}

// UpdateRun updates an existing run row.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		UPDATE runs SET
			workflow_id = ?, workflow_version_id = ?, deployment_id = ?, inputs = ?,
			machine_id = ?, origin = ?, origin_url = ?, queue_job_id = ?,
			user_id = ?, org_id = ?, status = ?, retry_count = ?, max_retries = ?,
			started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		run.WorkflowID, run.WorkflowVersionID, nullString(run.DeploymentID),
		string(inputsJSON), run.MachineID, string(run.Origin), nullString(run.OriginURL),
		nullString(run.QueueJobID), nullString(run.UserID), nullString(run.OrgID),
		string(run.Status), run.RetryCount, run.MaxRetries,
		formatTime(run.StartedAt), formatTime(run.EndedAt), now.Format(time.RFC3339),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	run.UpdatedAt = now
	return nil
}

// ListRunOutputs returns all output rows for a run, oldest first.
func (s *Store) ListRunOutputs(ctx context.Context, runID string) ([]*store.RunOutput, error) {
	query := `
		SELECT id, run_id, data, created_at, updated_at
		FROM run_outputs WHERE run_id = ? ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run outputs: %w", err)
	}
	defer rows.Close()

	var out []*store.RunOutput
	for rows.Next() {
		var row store.RunOutput
		var dataJSON sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&row.ID, &row.RunID, &dataJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run output: %w", err)
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &row.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal output data: %w", err)
			}
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		row.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, &row)
	}
	return out, rows.Err()
}

// ReplaceRunOutput writes the canonical output row for a run, removing any
// duplicates, in a single transaction.
func (s *Store) ReplaceRunOutput(ctx context.Context, runID string, data store.OutputData) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal output data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)

	var id, createdAt string
	err = tx.QueryRowContext(ctx,
		"SELECT id, created_at FROM run_outputs WHERE run_id = ? ORDER BY created_at LIMIT 1", runID,
	).Scan(&id, &createdAt)
	switch err {
	case sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			"INSERT INTO run_outputs (id, run_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			newOutputID(), runID, string(dataJSON), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run output: %w", err)
		}
	case nil:
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM run_outputs WHERE run_id = ? AND id != ?", runID, id,
		); err != nil {
			return fmt.Errorf("failed to delete duplicate outputs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE run_outputs SET data = ?, updated_at = ? WHERE id = ?",
			string(dataJSON), now, id,
		); err != nil {
			return fmt.Errorf("failed to update run output: %w", err)
		}
	default:
		return fmt.Errorf("failed to load canonical output: %w", err)
	}

	return tx.Commit()
}

// ClearRunOutputs removes all output rows for a run.
func (s *Store) ClearRunOutputs(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_outputs WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to clear run outputs: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
