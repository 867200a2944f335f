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

// Package queue provides a durable prioritized job queue with claim tokens.
//
// Jobs move through states: waiting or prioritized on enqueue, active while
// claimed by a worker, delayed while waiting out a retry backoff, and
// completed or failed at the end. A worker claims a job together with a
// one-time token; every mutation of an active job requires that token, so a
// worker whose lock expired cannot clobber a job another worker reclaimed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting     State = "waiting"
	StatePrioritized State = "prioritized"
	StateActive      State = "active"
	StateDelayed     State = "delayed"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// ErrTokenMismatch is returned when a mutation presents a token that does
// not match the job's current claim.
var ErrTokenMismatch = errors.New("queue: claim token mismatch")

// ErrJobNotFound is returned when the referenced job does not exist.
var ErrJobNotFound = errors.New("queue: job not found")

// priorityModulus bounds default priorities so the value stays well inside
// an int64 while preserving coarse enqueue-time ordering.
const priorityModulus = 1 << 21

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Priority     int64           `json:"priority"`
	Timestamp    int64           `json:"timestamp"` // enqueue time, unix ms
	State        State           `json:"state"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attempts_made"`
	DelayUntil   int64           `json:"delay_until,omitempty"`  // unix ms
	LockedUntil  int64           `json:"locked_until,omitempty"` // unix ms
	Token        string          `json:"-"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	ProcessedOn  int64           `json:"processed_on,omitempty"` // unix ms
	FinishedOn   int64           `json:"finished_on,omitempty"`  // unix ms
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// Priority overrides the default time-derived priority. Jobs with an
	// explicit priority enter the prioritized state.
	Priority *int64

	// Delay schedules the job to become claimable only after the given
	// duration. The job enters the delayed state.
	Delay time.Duration
}

// Counts is a per-state tally for one queue.
type Counts struct {
	Waiting     int `json:"waiting"`
	Prioritized int `json:"prioritized"`
	Active      int `json:"active"`
	Delayed     int `json:"delayed"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// Backlog is the number of jobs that are claimable now or will be.
func (c Counts) Backlog() int {
	return c.Waiting + c.Prioritized + c.Delayed
}

// Queue is a durable prioritized job queue.
//
// Claim ordering is (priority, timestamp) ascending across the waiting and
// prioritized states, after promoting any delayed jobs whose delay elapsed.
type Queue interface {
	// Enqueue adds a job and returns it. The default priority derives from
	// the enqueue time so earlier jobs sort first.
	Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts *EnqueueOptions) (*Job, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs in the given queue and state, claim order,
	// skipping offset jobs. A limit <= 0 means no bound.
	List(ctx context.Context, queue string, state State, offset, limit int) ([]*Job, error)

	// Counts tallies jobs per state for one queue.
	Counts(ctx context.Context, queue string) (Counts, error)

	// Claim atomically moves the next claimable job to active, assigns a
	// fresh token, sets the lock expiry, and increments attempts. Returns
	// (nil, nil) when nothing is claimable.
	Claim(ctx context.Context, queue string, lockDuration time.Duration) (*Job, error)

	// MoveToDelayed parks an active job until the given time. Requires the
	// claim token.
	MoveToDelayed(ctx context.Context, id string, until time.Time, token string) error

	// UpdateData shallow-merges patch into the job's payload object.
	UpdateData(ctx context.Context, id string, patch json.RawMessage) error

	// Complete marks an active job completed. Requires the claim token.
	Complete(ctx context.Context, id string, token string, returnValue json.RawMessage) error

	// Fail marks an active job failed. Requires the claim token.
	Fail(ctx context.Context, id string, token string, reason string) error

	// Remove deletes a job. The token is enforced only while the job is
	// active; non-active jobs can be removed administratively.
	Remove(ctx context.Context, id string, token string) error

	// Requeue returns an active job to waiting without counting an
	// attempt. Requires the claim token.
	Requeue(ctx context.Context, id string, token string) error

	// RequeueStalled returns every active job whose lock expired to
	// waiting, across all queues, and reports their IDs.
	RequeueStalled(ctx context.Context) ([]string, error)

	// Clean removes completed or failed jobs in a queue older than maxAge,
	// keeping at most keep newest. Returns the number removed.
	Clean(ctx context.Context, queue string, state State, maxAge time.Duration, keep int) (int, error)

	// Close releases queue resources.
	Close() error
}

// DefaultPriority derives the enqueue-time priority for a job enqueued at t.
func DefaultPriority(t time.Time) int64 {
	return (t.UnixMilli() / 1000) % priorityModulus
}

// claimable reports whether the job can be handed to a worker at now (ms).
func (j *Job) claimable(nowMS int64) bool {
	switch j.State {
	case StateWaiting, StatePrioritized:
		return true
	case StateDelayed:
		return j.DelayUntil <= nowMS
	default:
		return false
	}
}

// claimBefore orders jobs for claiming: priority ascending, then enqueue
// time ascending, then ID for a stable total order.
func claimBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
