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

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/queue"
	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/pkg/errors"
)

// externalTextClass is the graph node class whose default value doubles as
// the injected input.
const externalTextClass = "ComfyUIDeployExternalText"

// RunStarter creates run rows and sends start RPCs to machines.
type RunStarter struct {
	store  store.Store
	client *http.Client
	apiURL string
	logger *slog.Logger
}

// NewRunStarter creates a run starter. apiURL is the externally reachable
// base URL for callback endpoints; when empty, each request's origin URL
// is used instead.
func NewRunStarter(st store.Store, client *http.Client, apiURL string, logger *slog.Logger) *RunStarter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RunStarter{
		store:  st,
		client: client,
		apiURL: strings.TrimSuffix(apiURL, "/"),
		logger: log.WithComponent(logger, "run-starter"),
	}
}

type startParams struct {
	Job        *queue.Job
	Request    RunRequest
	Deployment *store.Deployment
	Machine    *store.Machine
}

// Start creates a run row and sends the start RPC. On RPC failure the run
// row is marked failed and returned alongside the error so the caller can
// decide whether to retry with a fresh row.
func (s *RunStarter) Start(ctx context.Context, p startParams) (*store.Run, error) {
	version, err := s.store.GetWorkflowVersion(ctx, p.Deployment.WorkflowVersionID)
	if err != nil {
		return nil, err
	}

	origin := s.origin(p.Request.OriginURL)

	runOrigin := p.Request.Origin
	if runOrigin == "" {
		runOrigin = store.RunOriginAPI
	}

	run := &store.Run{
		ID:                uuid.NewString(),
		WorkflowID:        p.Deployment.WorkflowID,
		WorkflowVersionID: version.ID,
		DeploymentID:      p.Deployment.ID,
		Inputs:            p.Request.Inputs,
		MachineID:         p.Machine.ID,
		Origin:            runOrigin,
		OriginURL:         origin,
		QueueJobID:        p.Job.ID,
		UserID:            p.Request.UserID,
		OrgID:             p.Request.OrgID,
		Status:            store.RunStatusNotStarted,
		MaxRetries:        3,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if err := s.send(ctx, run, version, p.Machine, origin); err != nil {
		s.markFailed(ctx, run)
		return run, err
	}

	now := time.Now()
	run.Status = store.RunStatusRunning
	run.StartedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("failed to mark run running",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
	startsTotal.WithLabelValues(string(p.Machine.Kind), "started").Inc()
	return run, nil
}

// Retry re-sends an existing run to its machine, reusing the run id so
// callbacks from any attempt resolve to the same row.
func (s *RunStarter) Retry(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	version, err := s.store.GetWorkflowVersion(ctx, run.WorkflowVersionID)
	if err != nil {
		return err
	}
	m, err := s.store.GetMachine(ctx, run.MachineID)
	if err != nil {
		return err
	}

	origin := s.origin(run.OriginURL)
	if err := s.send(ctx, run, version, m, origin); err != nil {
		s.markFailed(ctx, run)
		startsTotal.WithLabelValues(string(m.Kind), "retry_failed").Inc()
		return err
	}

	now := time.Now()
	run.Status = store.RunStatusRunning
	run.StartedAt = &now
	run.EndedAt = nil
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("failed to mark retried run running",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
	startsTotal.WithLabelValues(string(m.Kind), "retried").Inc()
	return nil
}

func (s *RunStarter) origin(fallback string) string {
	if s.apiURL != "" {
		return s.apiURL
	}
	return strings.TrimSuffix(fallback, "/")
}

// send builds the kind-specific request body and POSTs it.
func (s *RunStarter) send(ctx context.Context, run *store.Run, version *store.WorkflowVersion,
	m *store.Machine, origin string) error {

	graph, err := injectInputs(version.WorkflowAPI, run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to prepare workflow graph: %w", err)
	}

	callback := map[string]any{
		"workflow_api_raw":     graph,
		"status_endpoint":      origin + "/api/update-run",
		"file_upload_endpoint": origin + "/api/file-upload",
		"prompt_id":            run.ID,
	}

	var url string
	var body map[string]any
	switch m.Kind {
	case store.MachineKindClassic:
		url = strings.TrimSuffix(m.Endpoint, "/") + "/comfyui-deploy/run"
		body = callback
		body["workflow"] = version.Workflow
	case store.MachineKindComfyServerless, store.MachineKindModalServerless:
		url = strings.TrimSuffix(m.Endpoint, "/") + "/run"
		body = map[string]any{"input": callback}
	case store.MachineKindRunpodServerless:
		if m.AuthToken == "" && !isLocalEndpoint(m.Endpoint) {
			return &errors.ValidationError{Field: "auth_token", Message: "runpod machines require an auth token"}
		}
		url = strings.TrimSuffix(m.Endpoint, "/") + "/run"
		body = map[string]any{"input": callback}
	default:
		return &errors.ValidationError{Field: "kind", Message: "unknown machine kind " + string(m.Kind)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		startsTotal.WithLabelValues(string(m.Kind), "rpc_error").Inc()
		return &errors.BackendError{MachineID: m.ID, Message: "start request failed", Cause: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		startsTotal.WithLabelValues(string(m.Kind), "rejected").Inc()
		return &errors.BackendError{
			MachineID:  m.ID,
			StatusCode: resp.StatusCode,
			Message:    "machine rejected run: " + strings.TrimSpace(string(snippet)),
		}
	}
	return nil
}

func (s *RunStarter) markFailed(ctx context.Context, run *store.Run) {
	now := time.Now()
	run.Status = store.RunStatusFailed
	run.EndedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("failed to mark run failed",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
}

// injectInputs deep-copies the node graph and writes request inputs into
// the external-input nodes that declare a matching input_id.
func injectInputs(graph map[string]any, inputs map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(graph)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return copied, nil
	}

	for _, node := range copied {
		nodeMap, ok := node.(map[string]any)
		if !ok {
			continue
		}
		nodeInputs, ok := nodeMap["inputs"].(map[string]any)
		if !ok {
			continue
		}
		inputID, ok := nodeInputs["input_id"].(string)
		if !ok {
			continue
		}
		value, provided := inputs[inputID]
		if !provided {
			continue
		}

		nodeInputs["input_id"] = value
		if class, _ := nodeMap["class_type"].(string); class == externalTextClass {
			nodeInputs["default_value"] = value
		}
	}
	return copied, nil
}

func isLocalEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "localhost") || strings.Contains(endpoint, "127.0.0.1")
}
