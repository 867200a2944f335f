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

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

var _ Queue = (*SQLite)(nil)

// SQLite is a Queue persisted in a queue_jobs table. It shares the store's
// database handle so a job enqueue and its run row land in one file.
type SQLite struct {
	db *sql.DB

	// ownsDB is set when the queue opened the handle itself.
	ownsDB bool
}

// NewSQLite creates a queue over an existing database handle and runs its
// migration.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	q := &SQLite{db: db}
	if err := q.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate queue tables: %w", err)
	}
	return q, nil
}

func (q *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS queue_jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			state TEXT NOT NULL,
			payload TEXT,
			attempts_made INTEGER NOT NULL DEFAULT 0,
			delay_until INTEGER NOT NULL DEFAULT 0,
			locked_until INTEGER NOT NULL DEFAULT 0,
			token TEXT NOT NULL DEFAULT '',
			return_value TEXT,
			failed_reason TEXT,
			processed_on INTEGER NOT NULL DEFAULT 0,
			finished_on INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim
			ON queue_jobs(queue, state, priority, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_locked
			ON queue_jobs(state, locked_until)`,
	}

	for _, migration := range migrations {
		if _, err := q.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

const jobSelect = `
	SELECT id, queue, priority, timestamp, state, payload, attempts_made,
		delay_until, locked_until, token, return_value, failed_reason,
		processed_on, finished_on
	FROM queue_jobs
`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var state string
	var payload, returnValue, failedReason sql.NullString

	err := row.Scan(
		&j.ID, &j.Queue, &j.Priority, &j.Timestamp, &state, &payload,
		&j.AttemptsMade, &j.DelayUntil, &j.LockedUntil, &j.Token,
		&returnValue, &failedReason, &j.ProcessedOn, &j.FinishedOn,
	)
	if err != nil {
		return nil, err
	}

	j.State = State(state)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if returnValue.Valid {
		j.ReturnValue = json.RawMessage(returnValue.String)
	}
	if failedReason.Valid {
		j.FailedReason = failedReason.String
	}
	return &j, nil
}

// Enqueue adds a job.
func (q *SQLite) Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts *EnqueueOptions) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:        newJobID(queue, now),
		Queue:     queue,
		Priority:  DefaultPriority(now),
		Timestamp: now.UnixMilli(),
		State:     StateWaiting,
		Payload:   payload,
	}

	if opts != nil {
		if opts.Priority != nil {
			job.Priority = *opts.Priority
			job.State = StatePrioritized
		}
		if opts.Delay > 0 {
			job.State = StateDelayed
			job.DelayUntil = now.Add(opts.Delay).UnixMilli()
		}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, priority, timestamp, state, payload, delay_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Priority, job.Timestamp, string(job.State),
		string(job.Payload), job.DelayUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

// Get retrieves a job by ID.
func (q *SQLite) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx, jobSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs in the given queue and state, claim order.
func (q *SQLite) List(ctx context.Context, queue string, state State, offset, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1 // no bound
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := q.db.QueryContext(ctx,
		jobSelect+" WHERE queue = ? AND state = ? ORDER BY priority, timestamp, id LIMIT ? OFFSET ?",
		queue, string(state), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Counts tallies jobs per state for one queue.
func (q *SQLite) Counts(ctx context.Context, queue string) (Counts, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM queue_jobs WHERE queue = ? GROUP BY state", queue,
	)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, err
		}
		switch State(state) {
		case StateWaiting:
			c.Waiting = n
		case StatePrioritized:
			c.Prioritized = n
		case StateActive:
			c.Active = n
		case StateDelayed:
			c.Delayed = n
		case StateCompleted:
			c.Completed = n
		case StateFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// Claim moves the next claimable job to active under a fresh token. The
// select and update run in one transaction; with SQLite's single writer
// that makes the claim atomic.
func (q *SQLite) Claim(ctx context.Context, queue string, lockDuration time.Duration) (*Job, error) {
	nowMS := time.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Promote delayed jobs whose delay elapsed.
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_jobs SET state = ?, delay_until = 0
		WHERE queue = ? AND state = ? AND delay_until <= ?`,
		string(StateWaiting), queue, string(StateDelayed), nowMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx,
		jobSelect+` WHERE queue = ? AND state IN (?, ?)
		ORDER BY priority, timestamp, id LIMIT 1`,
		queue, string(StateWaiting), string(StatePrioritized),
	))
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next job: %w", err)
	}

	job.State = StateActive
	job.Token = newToken()
	job.LockedUntil = nowMS + lockDuration.Milliseconds()
	job.AttemptsMade++
	job.ProcessedOn = nowMS

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_jobs SET state = ?, token = ?, locked_until = ?,
			attempts_made = ?, processed_on = ?
		WHERE id = ?`,
		string(StateActive), job.Token, job.LockedUntil,
		job.AttemptsMade, job.ProcessedOn, job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// mutateActive runs an update that requires the claim token, translating a
// zero-row result into the precise error.
func (q *SQLite) mutateActive(ctx context.Context, id, token, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 1 {
		return nil
	}

	var exists int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_jobs WHERE id = ?", id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrJobNotFound
	}
	return ErrTokenMismatch
}

// MoveToDelayed parks an active job until the given time.
func (q *SQLite) MoveToDelayed(ctx context.Context, id string, until time.Time, token string) error {
	return q.mutateActive(ctx, id, token, `
		UPDATE queue_jobs SET state = ?, delay_until = ?, token = '', locked_until = 0
		WHERE id = ? AND state = ? AND token = ?`,
		string(StateDelayed), until.UnixMilli(), id, string(StateActive), token,
	)
}

// UpdateData shallow-merges patch into the job payload.
func (q *SQLite) UpdateData(ctx context.Context, id string, patch json.RawMessage) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT payload FROM queue_jobs WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job payload: %w", err)
	}

	merged, err := mergePayload(json.RawMessage(payload.String), patch)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE queue_jobs SET payload = ? WHERE id = ?", string(merged), id,
	); err != nil {
		return fmt.Errorf("failed to update job payload: %w", err)
	}

	return tx.Commit()
}

// Complete marks an active job completed.
func (q *SQLite) Complete(ctx context.Context, id string, token string, returnValue json.RawMessage) error {
	return q.mutateActive(ctx, id, token, `
		UPDATE queue_jobs SET state = ?, return_value = ?, token = '',
			locked_until = 0, finished_on = ?
		WHERE id = ? AND state = ? AND token = ?`,
		string(StateCompleted), string(returnValue), time.Now().UnixMilli(),
		id, string(StateActive), token,
	)
}

// Fail marks an active job failed.
func (q *SQLite) Fail(ctx context.Context, id string, token string, reason string) error {
	return q.mutateActive(ctx, id, token, `
		UPDATE queue_jobs SET state = ?, failed_reason = ?, token = '',
			locked_until = 0, finished_on = ?
		WHERE id = ? AND state = ? AND token = ?`,
		string(StateFailed), reason, time.Now().UnixMilli(),
		id, string(StateActive), token,
	)
}

// Remove deletes a job. Token enforced only while active.
func (q *SQLite) Remove(ctx context.Context, id string, token string) error {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_jobs
		WHERE id = ? AND (state != ? OR token = ?)`,
		id, string(StateActive), token,
	)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 1 {
		return nil
	}

	var exists int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_jobs WHERE id = ?", id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrJobNotFound
	}
	return ErrTokenMismatch
}

// Requeue returns an active job to waiting without counting an attempt.
func (q *SQLite) Requeue(ctx context.Context, id string, token string) error {
	return q.mutateActive(ctx, id, token, `
		UPDATE queue_jobs SET state = ?, token = '', locked_until = 0,
			attempts_made = attempts_made - 1
		WHERE id = ? AND state = ? AND token = ?`,
		string(StateWaiting), id, string(StateActive), token,
	)
}

// RequeueStalled returns expired-lock active jobs to waiting.
func (q *SQLite) RequeueStalled(ctx context.Context) ([]string, error) {
	nowMS := time.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM queue_jobs WHERE state = ? AND locked_until <= ?",
		string(StateActive), nowMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find stalled jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_jobs SET state = ?, token = '', locked_until = 0
			WHERE state = ? AND locked_until <= ?`,
			string(StateWaiting), string(StateActive), nowMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue stalled jobs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Clean removes finished jobs older than maxAge, keeping at most keep newest.
func (q *SQLite) Clean(ctx context.Context, queue string, state State, maxAge time.Duration, keep int) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()

	result, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_jobs
		WHERE queue = ? AND state = ? AND (
			finished_on < ?
			OR id NOT IN (
				SELECT id FROM queue_jobs
				WHERE queue = ? AND state = ?
				ORDER BY finished_on DESC LIMIT ?
			)
		)`,
		queue, string(state), cutoff, queue, string(state), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean jobs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// Close releases the handle only when this queue opened it.
func (q *SQLite) Close() error {
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}
