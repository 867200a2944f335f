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

package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/comfydeploy/dispatch/internal/store"
)

const machineSelect = `
	SELECT machines.id, machines.name, machines.kind, machines.endpoint,
		machines.auth_token, machines.status, machines.operational_status,
		machines.current_queue, machines.capacity, machines.disabled,
		machines.updated_at
	FROM machines
`

const runSelect = `
	SELECT id, workflow_id, workflow_version_id, deployment_id, inputs,
		machine_id, origin, origin_url, queue_job_id, user_id, org_id, status,
		retry_count, max_retries, created_at, started_at, ended_at, updated_at
	FROM runs
`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (*store.Machine, error) {
	var m store.Machine
	var authToken sql.NullString
	var disabled int
	var updatedAt string

	err := row.Scan(
		&m.ID, &m.Name, &m.Kind, &m.Endpoint, &authToken, &m.Status,
		&m.OperationalStatus, &m.CurrentQueue, &m.Capacity, &disabled, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if authToken.Valid {
		m.AuthToken = authToken.String
	}
	m.Disabled = disabled != 0
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &m, nil
}

func scanRun(row scanner) (*store.Run, error) {
	var r store.Run
	var deploymentID, inputsJSON, originURL, queueJobID, userID, orgID sql.NullString
	var createdAt, updatedAt string
	var startedAt, endedAt sql.NullString

	err := row.Scan(
		&r.ID, &r.WorkflowID, &r.WorkflowVersionID, &deploymentID, &inputsJSON,
		&r.MachineID, &r.Origin, &originURL, &queueJobID, &userID, &orgID,
		&r.Status, &r.RetryCount, &r.MaxRetries, &createdAt, &startedAt,
		&endedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if deploymentID.Valid {
		r.DeploymentID = deploymentID.String
	}
	if inputsJSON.Valid && inputsJSON.String != "" {
		if err := json.Unmarshal([]byte(inputsJSON.String), &r.Inputs); err != nil {
			return nil, err
		}
	}
	if originURL.Valid {
		r.OriginURL = originURL.String
	}
	if queueJobID.Valid {
		r.QueueJobID = queueJobID.String
	}
	if userID.Valid {
		r.UserID = userID.String
	}
	if orgID.Valid {
		r.OrgID = orgID.String
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.StartedAt = parseTime(startedAt)
	r.EndedAt = parseTime(endedAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
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

func newOutputID() string {
	return uuid.NewString()
}
