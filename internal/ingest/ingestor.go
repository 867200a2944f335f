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

// Package ingest applies status callbacks from machines to run state.
//
// Machines report progress with repeated, unordered, sometimes duplicated
// POSTs. The ingestor serializes callbacks per run, folds output deltas
// into one canonical record, and makes the terminal transition exactly
// once: release the machine slot, wake the dispatcher, and emit the
// notification.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/notify"
	"github.com/comfydeploy/dispatch/internal/retry"
	"github.com/comfydeploy/dispatch/internal/store"
)

// Dispatcher is the dispatch surface the ingestor needs: a wake signal on
// freed capacity and execution-level retry.
type Dispatcher interface {
	Wake()
	RetryRun(ctx context.Context, runID string) error
}

// Releaser frees a machine admission slot.
type Releaser interface {
	Release(ctx context.Context, id string) error
}

// Config tunes the ingestor.
type Config struct {
	// RetryEnabled turns on execution-level retries for retryable
	// failures.
	RetryEnabled bool

	// RetryDelay is the pause before re-sending a failed run to its
	// machine. Default 5s.
	RetryDelay time.Duration
}

// Ingestor applies machine callbacks.
type Ingestor struct {
	cfg        Config
	store      store.Store
	releaser   Releaser
	dispatcher Dispatcher
	notifier   *notify.Notifier
	logger     *slog.Logger

	locks *keyedMutex

	// schedule is swappable for tests; production uses time.AfterFunc.
	schedule func(d time.Duration, fn func())
}

// New creates an ingestor.
func New(cfg Config, st store.Store, releaser Releaser, dispatcher Dispatcher,
	notifier *notify.Notifier, logger *slog.Logger) *Ingestor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Ingestor{
		cfg:        cfg,
		store:      st,
		releaser:   releaser,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     log.WithComponent(logger, "ingestor"),
		locks:      newKeyedMutex(),
		schedule:   func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Apply folds one callback into the run. status may be empty for
// output-only callbacks. Callbacks for terminal runs are acknowledged and
// dropped, which makes duplicate terminal callbacks harmless.
func (i *Ingestor) Apply(ctx context.Context, runID string, status store.RunStatus, delta *store.OutputData) error {
	unlock := i.locks.lock(runID)
	defer unlock()

	run, err := i.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	logger := log.WithRunContext(i.logger, run.ID, run.MachineID)
	callbacksTotal.WithLabelValues(string(status)).Inc()

	if run.Status.Terminal() {
		logger.Debug("callback for terminal run dropped",
			slog.String("status", string(status)))
		return nil
	}

	merged, err := i.mergeOutputs(ctx, runID, delta)
	if err != nil {
		return err
	}

	switch {
	case status == store.RunStatusFailed:
		return i.handleFailure(ctx, run, merged, logger)
	case status == store.RunStatusSuccess:
		return i.complete(ctx, run, store.RunStatusSuccess, merged, logger)
	case status != "" && status != run.Status:
		run.Status = status
		return i.store.UpdateRun(ctx, run)
	default:
		return nil
	}
}

// mergeOutputs folds any historical duplicate rows plus the new delta into
// the canonical output row and returns the merged data.
func (i *Ingestor) mergeOutputs(ctx context.Context, runID string, delta *store.OutputData) (store.OutputData, error) {
	rows, err := i.store.ListRunOutputs(ctx, runID)
	if err != nil {
		return store.OutputData{}, err
	}

	var merged store.OutputData
	for _, row := range rows {
		merged = store.MergeOutputData(merged, row.Data)
	}

	dirty := len(rows) > 1
	if delta != nil && !delta.Empty() {
		merged = store.MergeOutputData(merged, *delta)
		dirty = true
	}

	if dirty {
		if err := i.store.ReplaceRunOutput(ctx, runID, merged); err != nil {
			return store.OutputData{}, err
		}
	}
	return merged, nil
}

// handleFailure decides between an execution-level retry and a terminal
// failure.
func (i *Ingestor) handleFailure(ctx context.Context, run *store.Run, merged store.OutputData, logger *slog.Logger) error {
	errorType, errorMessage := "", ""
	if merged.Error != nil {
		errorType = merged.Error.Type
		errorMessage = merged.Error.Message
	}

	if i.cfg.RetryEnabled && run.RetryCount < run.MaxRetries && retry.Retryable(errorType, errorMessage) {
		return i.scheduleRetry(ctx, run, logger)
	}
	return i.complete(ctx, run, store.RunStatusFailed, merged, logger)
}

// scheduleRetry clears the failed attempt's outputs, releases the machine
// slot, and re-sends the run after a pause.
func (i *Ingestor) scheduleRetry(ctx context.Context, run *store.Run, logger *slog.Logger) error {
	if err := i.store.ClearRunOutputs(ctx, run.ID); err != nil {
		return err
	}

	run.RetryCount++
	run.Status = store.RunStatusNotStarted
	if err := i.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if err := i.releaser.Release(ctx, run.MachineID); err != nil {
		logger.Warn("failed to release machine before retry", log.Error(err))
	}
	i.dispatcher.Wake()

	logger.Info("scheduling execution retry",
		slog.Int("retry_count", run.RetryCount),
		slog.Int("max_retries", run.MaxRetries))
	retriesTotal.Inc()

	runID := run.ID
	i.schedule(i.cfg.RetryDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := i.dispatcher.RetryRun(ctx, runID); err != nil {
			i.logger.Error("execution retry failed",
				slog.String(log.RunIDKey, runID), log.Error(err))
		}
	})
	return nil
}

// complete makes the one-way terminal transition.
func (i *Ingestor) complete(ctx context.Context, run *store.Run, status store.RunStatus,
	merged store.OutputData, logger *slog.Logger) error {

	now := time.Now()
	run.Status = status
	run.EndedAt = &now
	if err := i.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if err := i.releaser.Release(ctx, run.MachineID); err != nil {
		logger.Warn("failed to release machine on completion", log.Error(err))
	}
	i.dispatcher.Wake()

	notification := notify.Notification{
		WorkflowRunID: run.ID,
		Status:        status,
		JobID:         run.QueueJobID,
		DeploymentID:  run.DeploymentID,
		CompletedAt:   now,
	}
	if !merged.Empty() {
		outputs := merged
		notification.Outputs = &outputs
	}
	if merged.Error != nil {
		notification.Error = merged.Error
	}
	if err := i.notifier.Publish(ctx, notification); err != nil {
		logger.Warn("failed to publish terminal notification", log.Error(err))
	}

	logger.Info("run completed", slog.String("status", string(status)))
	return nil
}
