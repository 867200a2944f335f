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

// Package api is the HTTP edge: run enqueue and status, machine callbacks,
// admin endpoints, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comfydeploy/dispatch/internal/dispatch"
	"github.com/comfydeploy/dispatch/internal/ingest"
	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/machine"
	"github.com/comfydeploy/dispatch/internal/queue"
	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/internal/supervisor"
	"github.com/comfydeploy/dispatch/pkg/errors"
)

// perJobWaitEstimate is the rough seconds-per-job figure behind the
// estimated_wait_time field.
const perJobWaitEstimate = 30

// defaultJobPageSize bounds job listings when no limit is given.
const defaultJobPageSize = 100

// Server holds handler dependencies.
type Server struct {
	store      store.Store
	jobs       queue.Queue
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	registry   *machine.Registry
	sup        *supervisor.Supervisor
	logger     *slog.Logger

	// callbackToken, when set, is required as a Bearer token on the
	// update-run endpoint.
	callbackToken string
}

// New creates the API server.
func New(st store.Store, jobs queue.Queue, dispatcher *dispatch.Dispatcher,
	ingestor *ingest.Ingestor, registry *machine.Registry, sup *supervisor.Supervisor,
	callbackToken string, logger *slog.Logger) *Server {
	return &Server{
		store:         st,
		jobs:          jobs,
		dispatcher:    dispatcher,
		ingestor:      ingestor,
		registry:      registry,
		sup:           sup,
		callbackToken: callbackToken,
		logger:        log.WithComponent(logger, "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/run", s.handleCreateRun)
	mux.HandleFunc("GET /api/run", s.handleGetRun)
	mux.HandleFunc("POST /api/update-run", s.handleUpdateRun)
	mux.HandleFunc("GET /api/machines", s.handleListMachines)
	mux.HandleFunc("POST /api/machines/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type createRunRequest struct {
	DeploymentID string         `json:"deployment_id"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	OriginURL    string         `json:"origin_url,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	OrgID        string         `json:"org_id,omitempty"`
}

type createRunResponse struct {
	JobID             string `json:"job_id"`
	Status            string `json:"status"`
	EstimatedWaitTime int    `json:"estimated_wait_time"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id is required")
		return
	}

	deployment, err := s.store.GetDeployment(r.Context(), req.DeploymentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Staging deployments pin a single machine; a group here means the
	// deployment record is malformed.
	if deployment.Environment == store.EnvStaging && deployment.MachineGroupID != "" {
		writeError(w, http.StatusBadRequest, "staging deployments cannot target a machine group")
		return
	}

	job, err := s.dispatcher.Enqueue(r.Context(), dispatch.RunRequest{
		DeploymentID: req.DeploymentID,
		Inputs:       req.Inputs,
		Origin:       store.RunOriginAPI,
		OriginURL:    req.OriginURL,
		UserID:       req.UserID,
		OrgID:        req.OrgID,
	})
	if err != nil {
		s.logger.Error("failed to enqueue run", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}

	counts, err := s.jobs.Counts(r.Context(), dispatch.QueueName)
	if err != nil {
		counts = queue.Counts{}
	}

	writeJSON(w, http.StatusOK, createRunResponse{
		JobID:             job.ID,
		Status:            "queued",
		EstimatedWaitTime: (counts.Waiting + counts.Prioritized) * perJobWaitEstimate,
	})
}

type runStatusResponse struct {
	JobID       string            `json:"job_id"`
	QueueStatus string            `json:"queue_status"`
	Attempts    int               `json:"attempts,omitempty"`
	Run         *store.Run        `json:"run,omitempty"`
	Outputs     *store.OutputData `json:"outputs,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	resp := runStatusResponse{JobID: jobID}

	job, err := s.jobs.Get(r.Context(), jobID)
	switch {
	case err == nil:
		resp.QueueStatus = string(job.State)
		resp.Attempts = job.AttemptsMade
	case errors.Is(err, queue.ErrJobNotFound):
		// Cleaned from the queue; the run row is the surviving record.
		resp.QueueStatus = string(queue.StateCompleted)
	default:
		s.logger.Error("failed to load job", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	run, err := s.store.GetRunByQueueJobID(r.Context(), jobID)
	if err == nil {
		resp.Run = run
		if rows, err := s.store.ListRunOutputs(r.Context(), run.ID); err == nil && len(rows) > 0 {
			merged := rows[0].Data
			for _, row := range rows[1:] {
				merged = store.MergeOutputData(merged, row.Data)
			}
			resp.Outputs = &merged
		}
	} else {
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			s.logger.Error("failed to load run", log.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
		if resp.QueueStatus == string(queue.StateCompleted) && resp.Attempts == 0 {
			// Neither a job nor a run: the id is unknown.
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type updateRunRequest struct {
	RunID      string            `json:"run_id"`
	Status     store.RunStatus   `json:"status,omitempty"`
	OutputData *store.OutputData `json:"output_data,omitempty"`
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	if s.callbackToken != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.callbackToken {
			writeError(w, http.StatusUnauthorized, "invalid callback token")
			return
		}
	}

	var req updateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	if err := s.ingestor.Apply(r.Context(), req.RunID, req.Status, req.OutputData); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type machineView struct {
	ID                string                  `json:"id"`
	Name              string                  `json:"name"`
	Kind              store.MachineKind       `json:"kind"`
	Status            store.MachineStatus     `json:"status"`
	OperationalStatus store.OperationalStatus `json:"operational_status"`
	CurrentQueue      int                     `json:"current_queue"`
	Capacity          int                     `json:"capacity"`
	Disabled          bool                    `json:"disabled"`
	EligibilityReason string                  `json:"eligibility_reason,omitempty"`
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.store.ListMachines(r.Context())
	if err != nil {
		s.logger.Error("failed to list machines", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list machines")
		return
	}

	out := make([]machineView, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineView{
			ID:                m.ID,
			Name:              m.Name,
			Kind:              m.Kind,
			Status:            m.Status,
			OperationalStatus: m.OperationalStatus,
			CurrentQueue:      m.CurrentQueue,
			Capacity:          m.Capacity,
			Disabled:          m.Disabled,
			EligibilityReason: machine.EligibilityReason(m),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": out})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	depth, err := s.registry.Reconcile(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine_id": id, "current_queue": depth})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		queueName = dispatch.QueueName
	}
	state := queue.State(r.URL.Query().Get("state"))
	if state == "" {
		state = queue.StateWaiting
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultJobPageSize
	}

	jobs, err := s.jobs.List(r.Context(), queueName, state, offset, limit)
	if err != nil {
		s.logger.Error("failed to list jobs", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sup.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read status", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var nf *errors.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Error())
		return
	}
	var ve *errors.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	s.logger.Error("request failed", log.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
