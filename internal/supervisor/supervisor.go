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

// Package supervisor owns the background lifecycle: dispatch and delivery
// loops, the stalled-job sweep, finished-job retention, and the periodic
// machine reconcile.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comfydeploy/dispatch/internal/dispatch"
	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/notify"
	"github.com/comfydeploy/dispatch/internal/queue"
)

// component is a startable background loop. Stop with force set abandons
// in-flight work instead of draining it.
type component interface {
	Start()
	Stop(force bool)
}

// reconciler sweeps machine queue depths.
type reconciler interface {
	ReconcileAll(ctx context.Context) error
}

// Config tunes the supervisor's sweeps.
type Config struct {
	// StalledInterval is how often expired job locks are swept. Default 30m.
	StalledInterval time.Duration

	// RetentionInterval is how often finished jobs are cleaned. Default 5m.
	RetentionInterval time.Duration

	// ReconcileInterval is how often machines are reconciled. Zero
	// disables the sweep.
	ReconcileInterval time.Duration

	// Retention ages; see the retention sweep.
	RunCompletedAge    time.Duration
	RunCompletedCount  int
	RunFailedAge       time.Duration
	NotifyCompletedAge time.Duration
	NotifyFailedAge    time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StalledInterval <= 0 {
		out.StalledInterval = 30 * time.Minute
	}
	if out.RetentionInterval <= 0 {
		out.RetentionInterval = 5 * time.Minute
	}
	if out.RunCompletedAge <= 0 {
		out.RunCompletedAge = time.Hour
	}
	if out.RunCompletedCount <= 0 {
		out.RunCompletedCount = 1000
	}
	if out.RunFailedAge <= 0 {
		out.RunFailedAge = 24 * time.Hour
	}
	if out.NotifyCompletedAge <= 0 {
		out.NotifyCompletedAge = 24 * time.Hour
	}
	if out.NotifyFailedAge <= 0 {
		out.NotifyFailedAge = 7 * 24 * time.Hour
	}
	return out
}

// Status is a point-in-time snapshot of the supervised system.
type Status struct {
	Running       bool         `json:"running"`
	Runs          queue.Counts `json:"runs"`
	Notifications queue.Counts `json:"notifications"`
}

// Supervisor starts and stops the background loops as one unit.
type Supervisor struct {
	cfg        Config
	jobs       queue.Queue
	components []component
	reconciler reconciler
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a supervisor over the dispatch and notification loops.
func New(cfg Config, jobs queue.Queue, dispatcher *dispatch.Dispatcher,
	notifier *notify.Notifier, rec reconciler, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg.withDefaults(),
		jobs:       jobs,
		components: []component{dispatcher, notifier},
		reconciler: rec,
		logger:     log.WithComponent(logger, "supervisor"),
	}
}

// Start launches all loops and sweeps. Idempotent.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})

	for _, c := range s.components {
		c.Start()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(s.stopped)
	}()

	s.logger.Info("supervisor started")
}

// Stop halts everything. A graceful stop drains in-flight dispatches and
// deliveries before returning. With force set, in-flight work is aborted
// and the sweep loop is abandoned instead of awaited.
func (s *Supervisor) Stop(force bool) {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if !force {
		<-stopped
	}

	for _, c := range s.components {
		c.Stop(force)
	}
	s.logger.Info("supervisor stopped", slog.Bool("force", force))
}

// Status reports whether the supervisor runs and the queue tallies.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()

	runs, err := s.jobs.Counts(ctx, dispatch.QueueName)
	if err != nil {
		return Status{}, err
	}
	notifications, err := s.jobs.Counts(ctx, notify.QueueName)
	if err != nil {
		return Status{}, err
	}
	return Status{Running: running, Runs: runs, Notifications: notifications}, nil
}

func (s *Supervisor) sweepLoop(ctx context.Context) {
	stalled := time.NewTicker(s.cfg.StalledInterval)
	defer stalled.Stop()
	retention := time.NewTicker(s.cfg.RetentionInterval)
	defer retention.Stop()

	var reconcile <-chan time.Time
	if s.cfg.ReconcileInterval > 0 && s.reconciler != nil {
		t := time.NewTicker(s.cfg.ReconcileInterval)
		defer t.Stop()
		reconcile = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stalled.C:
			s.sweepStalled(ctx)
		case <-retention.C:
			s.sweepRetention(ctx)
		case <-reconcile:
			if err := s.reconciler.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("reconcile sweep failed", log.Error(err))
			}
		}
	}
}

func (s *Supervisor) sweepStalled(ctx context.Context) {
	ids, err := s.jobs.RequeueStalled(ctx)
	if err != nil {
		s.logger.Error("stalled sweep failed", log.Error(err))
		return
	}
	if len(ids) > 0 {
		s.logger.Warn("requeued stalled jobs", slog.Int("count", len(ids)))
	}
}

func (s *Supervisor) sweepRetention(ctx context.Context) {
	sweeps := []struct {
		queue string
		state queue.State
		age   time.Duration
		keep  int
	}{
		{dispatch.QueueName, queue.StateCompleted, s.cfg.RunCompletedAge, s.cfg.RunCompletedCount},
		{dispatch.QueueName, queue.StateFailed, s.cfg.RunFailedAge, 1 << 20},
		{notify.QueueName, queue.StateCompleted, s.cfg.NotifyCompletedAge, 1 << 20},
		{notify.QueueName, queue.StateFailed, s.cfg.NotifyFailedAge, 1 << 20},
	}
	for _, sw := range sweeps {
		removed, err := s.jobs.Clean(ctx, sw.queue, sw.state, sw.age, sw.keep)
		if err != nil {
			s.logger.Error("retention sweep failed",
				slog.String(log.QueueKey, sw.queue), log.Error(err))
			continue
		}
		if removed > 0 {
			s.logger.Debug("cleaned finished jobs",
				slog.String(log.QueueKey, sw.queue),
				slog.String("state", string(sw.state)),
				slog.Int("removed", removed))
		}
	}
}
