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

// Package store provides persistence for deployments, machines, runs, and
// run outputs.
//
// # Interface Hierarchy
//
// The store package uses interface segregation to allow minimal implementations:
//
//   - DeploymentStore: read access to deployments and workflow versions
//   - MachineStore: machine reads plus atomic admission counting
//   - RunStore: run lifecycle rows
//   - OutputStore: merged artifact records
//
// The Store interface composes all of these plus io.Closer for full-featured
// implementations. Components should accept the narrowest interface they need.
package store

import (
	"context"
	"io"
	"time"
)

// Environment identifies where a deployment serves traffic.
type Environment string

const (
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
	EnvPublicShare Environment = "public-share"
)

// MachineKind identifies the backend protocol a machine speaks.
type MachineKind string

const (
	MachineKindClassic          MachineKind = "classic"
	MachineKindComfyServerless  MachineKind = "comfy-deploy-serverless"
	MachineKindModalServerless  MachineKind = "modal-serverless"
	MachineKindRunpodServerless MachineKind = "runpod-serverless"
)

// MachineStatus is the provisioning status of a machine.
type MachineStatus string

const (
	MachineStatusReady    MachineStatus = "ready"
	MachineStatusBuilding MachineStatus = "building"
	MachineStatusError    MachineStatus = "error"
)

// OperationalStatus reflects whether a machine currently has work admitted.
type OperationalStatus string

const (
	OperationalIdle OperationalStatus = "idle"
	OperationalBusy OperationalStatus = "busy"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not-started"
	RunStatusRunning    RunStatus = "running"
	RunStatusUploading  RunStatus = "uploading"
	RunStatusSuccess    RunStatus = "success"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether s is a terminal run status.
// Terminal transitions are one-way.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// RunOrigin records where a run was initiated from.
type RunOrigin string

const (
	RunOriginAPI    RunOrigin = "api"
	RunOriginManual RunOrigin = "manual"
	RunOriginRetry  RunOrigin = "retry"
)

// Deployment binds a workflow version to a machine or machine group.
// Exactly one of MachineID or MachineGroupID is set; staging deployments
// never use a machine group.
type Deployment struct {
	ID                string      `json:"id"`
	WorkflowID        string      `json:"workflow_id"`
	WorkflowVersionID string      `json:"workflow_version_id"`
	MachineID         string      `json:"machine_id,omitempty"`
	MachineGroupID    string      `json:"machine_group_id,omitempty"`
	Environment       Environment `json:"environment"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// WorkflowVersion is an immutable snapshot of a workflow graph.
// WorkflowAPI is the node graph keyed by node id; Workflow is the full
// editor document sent to classic machines alongside the API graph.
type WorkflowVersion struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Version     int            `json:"version"`
	WorkflowAPI map[string]any `json:"workflow_api"`
	Workflow    map[string]any `json:"workflow,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Machine is a compute backend with a bounded concurrent capacity.
//
// CurrentQueue and OperationalStatus are owned exclusively by the machine
// registry: every mutation goes through AdmitMachine / ReleaseMachine /
// SetMachineQueue, each an atomic conditional update in the backing store.
type Machine struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Kind              MachineKind       `json:"kind"`
	Endpoint          string            `json:"endpoint"`
	AuthToken         string            `json:"auth_token,omitempty"`
	Status            MachineStatus     `json:"status"`
	OperationalStatus OperationalStatus `json:"operational_status"`
	CurrentQueue      int               `json:"current_queue"`
	Capacity          int               `json:"capacity"`
	Disabled          bool              `json:"disabled"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Run records one execution attempt of a workflow version on a machine.
type Run struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	WorkflowVersionID string         `json:"workflow_version_id"`
	DeploymentID      string         `json:"deployment_id,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	MachineID         string         `json:"machine_id"`
	Origin            RunOrigin      `json:"origin"`
	// OriginURL is the callback base URL the machine reports status to.
	// Kept on the row so execution-level retries can rebuild the endpoints.
	OriginURL  string     `json:"origin_url,omitempty"`
	QueueJobID string     `json:"queue_job_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	OrgID      string     `json:"org_id,omitempty"`
	Status     RunStatus  `json:"status"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunOutput is the merged artifact record for a run.
// At most one canonical row exists per run id; historical duplicates are
// folded together and removed on the next write.
type RunOutput struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Data      OutputData `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Principal is an already-resolved identity attached to a run request.
type Principal struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`
}

// DeploymentStore provides read access to deployments and workflow versions.
type DeploymentStore interface {
	// GetDeployment retrieves a deployment by ID.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)

	// GetWorkflowVersion retrieves a workflow version by ID.
	GetWorkflowVersion(ctx context.Context, id string) (*WorkflowVersion, error)

	// PutDeployment creates or replaces a deployment.
	PutDeployment(ctx context.Context, d *Deployment) error

	// PutWorkflowVersion creates or replaces a workflow version.
	PutWorkflowVersion(ctx context.Context, v *WorkflowVersion) error
}

// MachineStore provides machine reads plus atomic admission counting.
type MachineStore interface {
	// GetMachine retrieves a machine by ID.
	GetMachine(ctx context.Context, id string) (*Machine, error)

	// ListMachines returns all machines.
	ListMachines(ctx context.Context) ([]*Machine, error)

	// ListGroupMachines returns the members of a machine group.
	// Membership is immutable during a single dispatch attempt.
	ListGroupMachines(ctx context.Context, groupID string) ([]*Machine, error)

	// UpsertMachine creates or replaces a machine record.
	UpsertMachine(ctx context.Context, m *Machine) error

	// SetGroupMachines replaces the membership of a machine group.
	SetGroupMachines(ctx context.Context, groupID string, machineIDs []string) error

	// AdmitMachine atomically increments current_queue if the machine is
	// eligible and current_queue < min(capacity, capacityHint). A
	// capacityHint <= 0 means no hint. Returns false without mutating when
	// the condition does not hold. The update also sets
	// operational_status to busy.
	AdmitMachine(ctx context.Context, id string, capacityHint int) (bool, error)

	// ReleaseMachine atomically decrements current_queue, clamped at zero,
	// and sets operational_status to idle when the count reaches zero.
	ReleaseMachine(ctx context.Context, id string) error

	// SetMachineQueue overwrites current_queue with a reconciled depth
	// observed from the backend, adjusting operational_status to match.
	SetMachineQueue(ctx context.Context, id string, depth int) error
}

// RunStore provides run lifecycle rows.
type RunStore interface {
	// CreateRun creates a new run row.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunByQueueJobID retrieves the run created for a queue job, if any.
	GetRunByQueueJobID(ctx context.Context, jobID string) (*Run, error)

	// UpdateRun updates an existing run row.
	UpdateRun(ctx context.Context, run *Run) error
}

// OutputStore provides merged artifact records.
type OutputStore interface {
	// ListRunOutputs returns all output rows for a run, oldest first.
	// More than one row can exist from historical duplicate writes.
	ListRunOutputs(ctx context.Context, runID string) ([]*RunOutput, error)

	// ReplaceRunOutput writes the canonical output row for a run,
	// removing any duplicates, in a single atomic operation.
	ReplaceRunOutput(ctx context.Context, runID string, data OutputData) error

	// ClearRunOutputs removes all output rows for a run.
	ClearRunOutputs(ctx context.Context, runID string) error
}

// Store composes all segregated interfaces plus io.Closer.
type Store interface {
	DeploymentStore
	MachineStore
	RunStore
	OutputStore
	io.Closer
}

// Eligible reports whether a machine can accept new work:
// not disabled, status ready, and below capacity.
func (m *Machine) Eligible() bool {
	return !m.Disabled && m.Status == MachineStatusReady && m.CurrentQueue < m.Capacity
}
