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
	"encoding/json"
	"sort"
	"sync"
	"time"
)

var _ Queue = (*Memory)(nil)

// Memory is an in-memory Queue for tests and development.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*Job

	// now is swappable for tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// SetClock overrides the queue clock. Test use only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Enqueue adds a job.
func (m *Memory) Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts *EnqueueOptions) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	job := &Job{
		ID:        newJobID(queue, now),
		Queue:     queue,
		Priority:  DefaultPriority(now),
		Timestamp: now.UnixMilli(),
		State:     StateWaiting,
		Payload:   append(json.RawMessage(nil), payload...),
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

	m.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

// Get retrieves a job by ID.
func (m *Memory) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// List returns jobs in the given queue and state, claim order.
func (m *Memory) List(ctx context.Context, queue string, state State, offset, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Job
	for _, job := range m.jobs {
		if job.Queue == queue && job.State == state {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return claimBefore(out[i], out[j]) })

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Counts tallies jobs per state for one queue.
func (m *Memory) Counts(ctx context.Context, queue string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c Counts
	for _, job := range m.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.State {
		case StateWaiting:
			c.Waiting++
		case StatePrioritized:
			c.Prioritized++
		case StateActive:
			c.Active++
		case StateDelayed:
			c.Delayed++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Claim moves the next claimable job to active under a fresh token.
func (m *Memory) Claim(ctx context.Context, queue string, lockDuration time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMS := m.now().UnixMilli()

	// Promote delayed jobs whose delay elapsed.
	for _, job := range m.jobs {
		if job.Queue == queue && job.State == StateDelayed && job.DelayUntil <= nowMS {
			job.State = StateWaiting
			job.DelayUntil = 0
		}
	}

	var next *Job
	for _, job := range m.jobs {
		if job.Queue != queue || !job.claimable(nowMS) {
			continue
		}
		if next == nil || claimBefore(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	next.State = StateActive
	next.Token = newToken()
	next.LockedUntil = nowMS + lockDuration.Milliseconds()
	next.AttemptsMade++
	next.ProcessedOn = nowMS

	cp := *next
	return &cp, nil
}

// MoveToDelayed parks an active job until the given time.
func (m *Memory) MoveToDelayed(ctx context.Context, id string, until time.Time, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StateActive || job.Token != token {
		return ErrTokenMismatch
	}

	job.State = StateDelayed
	job.DelayUntil = until.UnixMilli()
	job.Token = ""
	job.LockedUntil = 0
	return nil
}

// UpdateData shallow-merges patch into the job payload.
func (m *Memory) UpdateData(ctx context.Context, id string, patch json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	merged, err := mergePayload(job.Payload, patch)
	if err != nil {
		return err
	}
	job.Payload = merged
	return nil
}

// Complete marks an active job completed.
func (m *Memory) Complete(ctx context.Context, id string, token string, returnValue json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StateActive || job.Token != token {
		return ErrTokenMismatch
	}

	job.State = StateCompleted
	job.ReturnValue = append(json.RawMessage(nil), returnValue...)
	job.Token = ""
	job.LockedUntil = 0
	job.FinishedOn = m.now().UnixMilli()
	return nil
}

// Fail marks an active job failed.
func (m *Memory) Fail(ctx context.Context, id string, token string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StateActive || job.Token != token {
		return ErrTokenMismatch
	}

	job.State = StateFailed
	job.FailedReason = reason
	job.Token = ""
	job.LockedUntil = 0
	job.FinishedOn = m.now().UnixMilli()
	return nil
}

// Remove deletes a job. Token enforced only while active.
func (m *Memory) Remove(ctx context.Context, id string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State == StateActive && job.Token != token {
		return ErrTokenMismatch
	}

	delete(m.jobs, id)
	return nil
}

// Requeue returns an active job to waiting without counting an attempt.
func (m *Memory) Requeue(ctx context.Context, id string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StateActive || job.Token != token {
		return ErrTokenMismatch
	}

	job.State = StateWaiting
	job.Token = ""
	job.LockedUntil = 0
	job.AttemptsMade--
	return nil
}

// RequeueStalled returns expired-lock active jobs to waiting.
func (m *Memory) RequeueStalled(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMS := m.now().UnixMilli()
	var ids []string
	for _, job := range m.jobs {
		if job.State == StateActive && job.LockedUntil <= nowMS {
			job.State = StateWaiting
			job.Token = ""
			job.LockedUntil = 0
			ids = append(ids, job.ID)
		}
	}
	return ids, nil
}

// Clean removes finished jobs older than maxAge, keeping at most keep newest.
func (m *Memory) Clean(ctx context.Context, queue string, state State, maxAge time.Duration, keep int) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge).UnixMilli()

	var finished []*Job
	for _, job := range m.jobs {
		if job.Queue == queue && job.State == state {
			finished = append(finished, job)
		}
	}
	// Newest first so the keep window is the most recent jobs.
	sort.Slice(finished, func(i, j int) bool { return finished[i].FinishedOn > finished[j].FinishedOn })

	removed := 0
	for i, job := range finished {
		if i >= keep || job.FinishedOn < cutoff {
			delete(m.jobs, job.ID)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the memory queue.
func (m *Memory) Close() error {
	return nil
}

// mergePayload shallow-merges a JSON object patch into base.
func mergePayload(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, err
	}
	for key, value := range delta {
		merged[key] = value
	}
	return json.Marshal(merged)
}
