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

// Package memory provides an in-memory store for tests and development.
// Atomicity of admission counting is provided by a single mutex; a
// multi-process deployment needs the sqlite store instead.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.DeploymentStore = (*Store)(nil)
	_ store.MachineStore    = (*Store)(nil)
	_ store.RunStore        = (*Store)(nil)
	_ store.OutputStore     = (*Store)(nil)
	_ store.Store           = (*Store)(nil)
)

// Store is an in-memory store implementation.
type Store struct {
	mu          sync.Mutex
	deployments map[string]*store.Deployment
	versions    map[string]*store.WorkflowVersion
	machines    map[string]*store.Machine
	groups      map[string][]string
	runs        map[string]*store.Run
	outputs     map[string][]*store.RunOutput
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		deployments: make(map[string]*store.Deployment),
		versions:    make(map[string]*store.WorkflowVersion),
		machines:    make(map[string]*store.Machine),
		groups:      make(map[string][]string),
		runs:        make(map[string]*store.Run),
		outputs:     make(map[string][]*store.RunOutput),
	}
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, id string) (*store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "deployment", ID: id}
	}
	cp := *d
	return &cp, nil
}

// GetWorkflowVersion retrieves a workflow version by ID.
func (s *Store) GetWorkflowVersion(ctx context.Context, id string) (*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow version", ID: id}
	}
	cp := *v
	return &cp, nil
}

// PutDeployment creates or replaces a deployment.
func (s *Store) PutDeployment(ctx context.Context, d *store.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	cp.UpdatedAt = time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.deployments[d.ID] = &cp
	return nil
}

// PutWorkflowVersion creates or replaces a workflow version.
func (s *Store) PutWorkflowVersion(ctx context.Context, v *store.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *v
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.versions[v.ID] = &cp
	return nil
}

// GetMachine retrieves a machine by ID.
func (s *Store) GetMachine(ctx context.Context, id string) (*store.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getMachineLocked(id)
}

func (s *Store) getMachineLocked(id string) (*store.Machine, error) {
	m, ok := s.machines[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "machine", ID: id}
	}
	cp := *m
	return &cp, nil
}

// ListMachines returns all machines ordered by name.
func (s *Store) ListMachines(ctx context.Context) ([]*store.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListGroupMachines returns the members of a machine group.
func (s *Store) ListGroupMachines(ctx context.Context, groupID string) ([]*store.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.groups[groupID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "machine group", ID: groupID}
	}

	out := make([]*store.Machine, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.machines[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpsertMachine creates or replaces a machine record.
func (s *Store) UpsertMachine(ctx context.Context, m *store.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	cp.UpdatedAt = time.Now()
	s.machines[m.ID] = &cp
	return nil
}

// SetGroupMachines replaces the membership of a machine group.
func (s *Store) SetGroupMachines(ctx context.Context, groupID string, machineIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(machineIDs))
	copy(ids, machineIDs)
	s.groups[groupID] = ids
	return nil
}

// AdmitMachine atomically increments current_queue under the capacity invariant.
func (s *Store) AdmitMachine(ctx context.Context, id string, capacityHint int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return false, &errors.NotFoundError{Resource: "machine", ID: id}
	}

	limit := m.Capacity
	if capacityHint > 0 && capacityHint < limit {
		limit = capacityHint
	}

	if m.Disabled || m.Status != store.MachineStatusReady || m.CurrentQueue >= limit {
		return false, nil
	}

	m.CurrentQueue++
	m.OperationalStatus = store.OperationalBusy
	m.UpdatedAt = time.Now()
	return true, nil
}

// ReleaseMachine atomically decrements current_queue, clamped at zero.
func (s *Store) ReleaseMachine(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return &errors.NotFoundError{Resource: "machine", ID: id}
	}

	if m.CurrentQueue > 0 {
		m.CurrentQueue--
	}
	if m.CurrentQueue == 0 {
		m.OperationalStatus = store.OperationalIdle
	}
	m.UpdatedAt = time.Now()
	return nil
}

// SetMachineQueue overwrites current_queue with a reconciled depth.
func (s *Store) SetMachineQueue(ctx context.Context, id string, depth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return &errors.NotFoundError{Resource: "machine", ID: id}
	}

	if depth < 0 {
		depth = 0
	}
	m.CurrentQueue = depth
	if depth == 0 {
		m.OperationalStatus = store.OperationalIdle
	} else {
		m.OperationalStatus = store.OperationalBusy
	}
	m.UpdatedAt = time.Now()
	return nil
}

// CreateRun creates a new run row.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := *run
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.runs[run.ID] = &cp

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	cp := *r
	return &cp, nil
}

// GetRunByQueueJobID retrieves the run created for a queue job, if any.
func (s *Store) GetRunByQueueJobID(ctx context.Context, jobID string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.QueueJobID == jobID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "run", ID: jobID}
}

// UpdateRun updates an existing run row.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	cp := *run
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.runs[run.ID] = &cp

	run.UpdatedAt = cp.UpdatedAt
	return nil
}

// ListRunOutputs returns all output rows for a run, oldest first.
func (s *Store) ListRunOutputs(ctx context.Context, runID string) ([]*store.RunOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.outputs[runID]
	out := make([]*store.RunOutput, 0, len(rows))
	for _, row := range rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

// ReplaceRunOutput writes the canonical output row, removing duplicates.
func (s *Store) ReplaceRunOutput(ctx context.Context, runID string, data store.OutputData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	row := &store.RunOutput{
		ID:        uuid.NewString(),
		RunID:     runID,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing := s.outputs[runID]; len(existing) > 0 {
		row.ID = existing[0].ID
		row.CreatedAt = existing[0].CreatedAt
	}
	s.outputs[runID] = []*store.RunOutput{row}
	return nil
}

// ClearRunOutputs removes all output rows for a run.
func (s *Store) ClearRunOutputs(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.outputs, runID)
	return nil
}

// InsertRunOutput appends a raw output row without merging. Tests use this
// to simulate historical duplicate rows.
func (s *Store) InsertRunOutput(ctx context.Context, row *store.RunOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *row
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.outputs[row.RunID] = append(s.outputs[row.RunID], &cp)
	return nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}
