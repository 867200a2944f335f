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

// Package dispatch claims queued run requests and places them on machines.
//
// Two modes share the same claim-admit-start pipeline. Worker mode runs a
// fixed pool that polls the queue; a job that finds no machine is parked
// with a delay and retried. Event mode drains the queue only when woken by
// an enqueue or a machine release, and a job that finds no machine goes
// straight back to waiting since the next wake implies new capacity.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/machine"
	"github.com/comfydeploy/dispatch/internal/notify"
	"github.com/comfydeploy/dispatch/internal/queue"
	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/pkg/errors"
)

// QueueName is the job queue run requests ride on.
const QueueName = "workflow"

// startRunMaxAttempts bounds dispatch retries when the start RPC itself
// fails after a machine was admitted.
const startRunMaxAttempts = 3

// Result classifies one dispatch attempt.
type Result string

const (
	ResultProcessed           Result = "processed"
	ResultNoWaitingJobs       Result = "no_waiting_jobs"
	ResultNoAvailableMachines Result = "no_available_machines"
	ResultMachineQueueFull    Result = "machine_queue_full"
	ResultDeploymentNotFound  Result = "deployment_not_found"
	ResultStartFailed         Result = "start_failed"
)

// RunRequest is the queue job payload for one requested run.
type RunRequest struct {
	DeploymentID string          `json:"deployment_id"`
	Inputs       map[string]any  `json:"inputs,omitempty"`
	Origin       store.RunOrigin `json:"origin,omitempty"`
	OriginURL    string          `json:"origin_url,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	OrgID        string          `json:"org_id,omitempty"`
}

// Config tunes the dispatcher.
type Config struct {
	// Concurrency is the worker pool size in worker mode. Default 5.
	Concurrency int

	// EventDriven selects event mode instead of the polling worker pool.
	EventDriven bool

	// LockDuration is how long a claimed job stays locked. Default 30m.
	LockDuration time.Duration

	// MaxQueueRetries caps attempts for jobs that keep finding no
	// machine. Default 200.
	MaxQueueRetries int

	// QueueRetryDelay is the park time before a no-machine job is
	// retried in worker mode. Default 30s.
	QueueRetryDelay time.Duration

	// PollInterval is how often idle workers re-check the queue. In
	// event mode the tick is only a liveness fallback for lost wakes.
	// Default 1s in worker mode, 30s in event mode.
	PollInterval time.Duration

	// ProcessBound caps jobs drained per event-mode wake so one wake
	// cannot monopolize the loop. Default 100.
	ProcessBound int

	// APIURL is the externally reachable base URL of this service, used
	// to build callback endpoints. Falls back to the request's origin
	// URL when empty.
	APIURL string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 5
	}
	if out.LockDuration <= 0 {
		out.LockDuration = 30 * time.Minute
	}
	if out.MaxQueueRetries <= 0 {
		out.MaxQueueRetries = 200
	}
	if out.QueueRetryDelay <= 0 {
		out.QueueRetryDelay = 30 * time.Second
	}
	if out.PollInterval <= 0 {
		if out.EventDriven {
			out.PollInterval = 30 * time.Second
		} else {
			out.PollInterval = time.Second
		}
	}
	if out.ProcessBound <= 0 {
		out.ProcessBound = 100
	}
	return out
}

// Dispatcher claims run requests and starts them on machines.
type Dispatcher struct {
	cfg      Config
	jobs     queue.Queue
	store    store.Store
	registry *machine.Registry
	selector machine.Selector
	notifier *notify.Notifier
	starter  *RunStarter
	logger   *slog.Logger
	tracer   trace.Tracer

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	quit    chan struct{}
	stopped chan struct{}
}

// New creates a dispatcher.
func New(cfg Config, jobs queue.Queue, st store.Store, registry *machine.Registry,
	selector machine.Selector, notifier *notify.Notifier, starter *RunStarter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		jobs:     jobs,
		store:    st,
		registry: registry,
		selector: selector,
		notifier: notifier,
		starter:  starter,
		logger:   log.WithComponent(logger, "dispatcher"),
		tracer:   otel.Tracer("github.com/comfydeploy/dispatch/internal/dispatch"),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the event-mode loop. Callers invoke it after enqueuing a run
// or releasing a machine slot. Safe to call in either mode; worker mode
// workers also listen for it to cut poll latency.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop for the configured mode.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan struct{})
	d.cancel = cancel
	d.quit = quit
	d.stopped = make(chan struct{})

	var wg sync.WaitGroup
	if d.cfg.EventDriven {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.eventLoop(ctx, quit)
		}()
	} else {
		for i := 0; i < d.cfg.Concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.workerLoop(ctx, quit)
			}()
		}
	}
	go func() {
		wg.Wait()
		close(d.stopped)
	}()
}

// Stop halts the dispatch loop. A graceful stop lets in-flight attempts
// finish before returning. With force set, in-flight start RPCs are
// aborted; their jobs stall and are requeued after the lock expires.
func (d *Dispatcher) Stop(force bool) {
	d.mu.Lock()
	cancel, quit, stopped := d.cancel, d.quit, d.stopped
	d.cancel = nil
	d.quit = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	if force {
		cancel()
	} else {
		close(quit)
	}
	<-stopped
	cancel()
}

// eventLoop drains the queue on wake signals. The ticker is not a work
// source; it is a recovery net for jobs whose wake was lost, such as an
// enqueue racing a full wake channel or a crash between enqueue and wake.
func (d *Dispatcher) eventLoop(ctx context.Context, quit <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.ProcessAllAvailable(ctx)
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, quit <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, err := d.TryNext(ctx)
		if err != nil {
			d.logger.Error("dispatch attempt failed", log.Error(err))
		}
		if result == ResultProcessed {
			select {
			case <-quit:
				return
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// ProcessAllAvailable drains claimable jobs until the queue is empty, no
// machine can take work, or the per-wake bound is hit.
func (d *Dispatcher) ProcessAllAvailable(ctx context.Context) {
	for i := 0; i < d.cfg.ProcessBound; i++ {
		result, err := d.TryNext(ctx)
		if err != nil {
			d.logger.Error("dispatch attempt failed", log.Error(err))
		}
		if result != ResultProcessed {
			return
		}
	}
}

// TryNext claims one job and attempts to place it. The returned Result
// tells the caller whether it is worth trying again immediately.
func (d *Dispatcher) TryNext(ctx context.Context) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.TryNext")
	defer span.End()

	start := time.Now()
	result, err := d.tryNext(ctx)
	span.SetAttributes(attribute.String("dispatch.result", string(result)))
	attemptsTotal.WithLabelValues(string(result)).Inc()
	attemptDuration.Observe(time.Since(start).Seconds())
	return result, err
}

func (d *Dispatcher) tryNext(ctx context.Context) (Result, error) {
	job, err := d.jobs.Claim(ctx, QueueName, d.cfg.LockDuration)
	if err != nil {
		return ResultNoWaitingJobs, err
	}
	if job == nil {
		return ResultNoWaitingJobs, nil
	}

	logger := d.logger.With(slog.String(log.JobIDKey, job.ID))

	var req RunRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		logger.Error("malformed run request", log.Error(err))
		d.jobs.Fail(ctx, job.ID, job.Token, "malformed payload: "+err.Error())
		return ResultProcessed, nil
	}

	deployment, err := d.store.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			logger.Warn("deployment not found for queued run",
				slog.String("deployment_id", req.DeploymentID))
			d.failJob(ctx, job, req, nil, "deployment not found: "+req.DeploymentID)
			return ResultDeploymentNotFound, nil
		}
		d.jobs.Requeue(ctx, job.ID, job.Token)
		return ResultNoWaitingJobs, err
	}

	candidates, err := d.candidates(ctx, deployment)
	if err != nil {
		d.jobs.Requeue(ctx, job.ID, job.Token)
		return ResultNoWaitingJobs, err
	}

	admitted := d.admitOne(ctx, candidates)
	if admitted == nil {
		return d.parkJob(ctx, job, req, d.reportUnplaced(candidates, logger), logger)
	}

	logger = logger.With(slog.String(log.MachineIDKey, admitted.ID))

	run, err := d.starter.Start(ctx, startParams{
		Job:        job,
		Request:    req,
		Deployment: deployment,
		Machine:    admitted,
	})
	if err != nil {
		if relErr := d.registry.Release(ctx, admitted.ID); relErr != nil {
			logger.Warn("failed to release machine after start failure", log.Error(relErr))
		}
		return d.handleStartFailure(ctx, job, req, run, err, logger)
	}

	logger.Info("run dispatched",
		slog.String(log.RunIDKey, run.ID),
		slog.Int("attempt", job.AttemptsMade))

	if d.cfg.EventDriven {
		// Event mode treats the queue as pending-only: a dispatched job
		// leaves no completed residue.
		if err := d.jobs.Remove(ctx, job.ID, job.Token); err != nil {
			logger.Warn("failed to remove dispatched job", log.Error(err))
		}
	} else {
		returnValue, _ := json.Marshal(map[string]string{"run_id": run.ID, "machine_id": admitted.ID})
		if err := d.jobs.Complete(ctx, job.ID, job.Token, returnValue); err != nil {
			logger.Warn("failed to complete dispatched job", log.Error(err))
		}
	}
	return ResultProcessed, nil
}

// candidates resolves the deployment's machine or machine group into the
// candidate list, freshly read so queue depths are current.
func (d *Dispatcher) candidates(ctx context.Context, deployment *store.Deployment) ([]*store.Machine, error) {
	if deployment.MachineGroupID != "" {
		return d.store.ListGroupMachines(ctx, deployment.MachineGroupID)
	}
	m, err := d.store.GetMachine(ctx, deployment.MachineID)
	if err != nil {
		return nil, err
	}
	return []*store.Machine{m}, nil
}

// admitOne walks the selector's ordering and returns the first machine
// that atomically admits, or nil when every candidate refuses.
func (d *Dispatcher) admitOne(ctx context.Context, candidates []*store.Machine) *store.Machine {
	for _, m := range d.selector.Pick(candidates) {
		ok, err := d.registry.Admit(ctx, m.ID, 0)
		if err != nil {
			d.logger.Warn("machine admission errored",
				slog.String(log.MachineIDKey, m.ID), log.Error(err))
			continue
		}
		if ok {
			return m
		}
	}
	return nil
}

// reportUnplaced logs why each candidate could not take the run and
// classifies the outcome. machine_queue_full means at least one machine
// was blocked only by queue room or lost the admission race; anything
// else means the candidate set had no usable machine at all.
func (d *Dispatcher) reportUnplaced(candidates []*store.Machine, logger *slog.Logger) Result {
	result := ResultNoAvailableMachines
	for _, m := range candidates {
		reason := machine.EligibilityReason(m)
		switch {
		case reason == "":
			// Eligible on read but another dispatch won the slot.
			reason = "admission refused"
			result = ResultMachineQueueFull
		case !m.Disabled && m.Status == store.MachineStatusReady:
			result = ResultMachineQueueFull
		}
		logger.Info("machine cannot take run",
			slog.String(log.MachineIDKey, m.ID),
			slog.String("reason", reason))
	}
	return result
}

// parkJob handles a claim that found no machine. Event mode puts the job
// straight back; worker mode parks it with a delay, failing it once the
// retry ceiling is hit.
func (d *Dispatcher) parkJob(ctx context.Context, job *queue.Job, req RunRequest, result Result, logger *slog.Logger) (Result, error) {
	if d.cfg.EventDriven {
		if err := d.jobs.Requeue(ctx, job.ID, job.Token); err != nil {
			return result, err
		}
		return result, nil
	}

	if job.AttemptsMade >= d.cfg.MaxQueueRetries {
		logger.Error("run request exhausted queue retries",
			slog.Int("attempts", job.AttemptsMade))
		d.failJob(ctx, job, req, nil, "no available machines after max retries")
		return result, nil
	}

	if err := d.jobs.MoveToDelayed(ctx, job.ID, time.Now().Add(d.cfg.QueueRetryDelay), job.Token); err != nil {
		return result, err
	}
	return result, nil
}

// handleStartFailure deals with a start RPC that failed after admission.
// The machine slot is already released by the caller.
func (d *Dispatcher) handleStartFailure(ctx context.Context, job *queue.Job, req RunRequest,
	run *store.Run, startErr error, logger *slog.Logger) (Result, error) {

	logger.Warn("failed to start run on machine",
		slog.Int("attempt", job.AttemptsMade), log.Error(startErr))

	if job.AttemptsMade < startRunMaxAttempts {
		if err := d.jobs.MoveToDelayed(ctx, job.ID, time.Now().Add(d.cfg.QueueRetryDelay), job.Token); err != nil {
			return ResultStartFailed, err
		}
		return ResultStartFailed, nil
	}

	reason := "failed to start run: " + startErr.Error()
	d.failJob(ctx, job, req, run, reason)
	return ResultStartFailed, nil
}

// failJob marks the job failed and emits exactly one failure notification
// so the caller's webhook still hears about runs that never reached a
// machine. The notification carries the run id when a run row exists.
func (d *Dispatcher) failJob(ctx context.Context, job *queue.Job, req RunRequest, run *store.Run, reason string) {
	if err := d.jobs.Fail(ctx, job.ID, job.Token, reason); err != nil {
		d.logger.Warn("failed to fail job",
			slog.String(log.JobIDKey, job.ID), log.Error(err))
	}

	if run != nil {
		d.notifyRunFailed(ctx, run, reason)
		return
	}

	// No run row was ever created, so the notification carries a
	// synthetic id derived from the job.
	notification := notify.Notification{
		WorkflowRunID: "queue-job-" + job.ID,
		Status:        store.RunStatusFailed,
		JobID:         job.ID,
		DeploymentID:  req.DeploymentID,
		Error:         &store.RunError{Type: "dispatch_failed", Message: reason},
		CompletedAt:   time.Now(),
	}
	if err := d.notifier.Publish(ctx, notification); err != nil {
		d.logger.Warn("failed to publish dispatch failure notification",
			slog.String(log.JobIDKey, job.ID), log.Error(err))
	}
}

func (d *Dispatcher) notifyRunFailed(ctx context.Context, run *store.Run, reason string) {
	notification := notify.Notification{
		WorkflowRunID: run.ID,
		Status:        store.RunStatusFailed,
		JobID:         run.QueueJobID,
		DeploymentID:  run.DeploymentID,
		Error:         &store.RunError{Type: "dispatch_failed", Message: reason},
		CompletedAt:   time.Now(),
	}
	if err := d.notifier.Publish(ctx, notification); err != nil {
		d.logger.Warn("failed to publish run failure notification",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
}

// RetryRun re-sends a run to its machine for an execution-level retry.
// The run row and id are reused so callback idempotence holds across
// attempts.
func (d *Dispatcher) RetryRun(ctx context.Context, runID string) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.RetryRun",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	if err := d.starter.Retry(ctx, runID); err != nil {
		if run, getErr := d.store.GetRun(ctx, runID); getErr == nil {
			d.notifyRunFailed(ctx, run, "failed to restart run: "+err.Error())
		}
		return err
	}
	return nil
}

// Enqueue adds a run request to the queue and wakes the loop. Returns the
// queue job.
func (d *Dispatcher) Enqueue(ctx context.Context, req RunRequest) (*queue.Job, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}
	job, err := d.jobs.Enqueue(ctx, QueueName, payload, nil)
	if err != nil {
		return nil, err
	}
	d.Wake()
	return job, nil
}
