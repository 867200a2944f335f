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

// Package machine tracks compute backends, their admission counts, and the
// selection strategy used to place work on them.
package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/pkg/errors"
)

// reconcileTimeout bounds a single queue-depth probe.
const reconcileTimeout = 5 * time.Second

// Registry wraps the machine store with admission accounting, eligibility
// reporting, and drift reconciliation against live backends.
type Registry struct {
	machines store.MachineStore
	client   *http.Client
	logger   *slog.Logger

	// sweepLimiter paces full-fleet reconciliation sweeps.
	sweepLimiter *rate.Limiter
}

// NewRegistry creates a machine registry.
func NewRegistry(machines store.MachineStore, client *http.Client, logger *slog.Logger) *Registry {
	if client == nil {
		client = &http.Client{Timeout: reconcileTimeout}
	}
	return &Registry{
		machines:     machines,
		client:       client,
		logger:       log.WithComponent(logger, "machine-registry"),
		sweepLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Admit reserves one admission slot on the machine. capacityHint, when
// positive, lowers the effective bound below the machine's capacity for
// this admission.
func (r *Registry) Admit(ctx context.Context, id string, capacityHint int) (bool, error) {
	ok, err := r.machines.AdmitMachine(ctx, id, capacityHint)
	if err != nil {
		return false, err
	}
	if ok {
		admissionsTotal.WithLabelValues(id, "admitted").Inc()
	} else {
		admissionsTotal.WithLabelValues(id, "rejected").Inc()
	}
	return ok, nil
}

// Release frees one admission slot on the machine.
func (r *Registry) Release(ctx context.Context, id string) error {
	if err := r.machines.ReleaseMachine(ctx, id); err != nil {
		return err
	}
	releasesTotal.WithLabelValues(id).Inc()
	return nil
}

// EligibilityReason explains why a machine cannot accept work, or returns
// an empty string when it can.
func EligibilityReason(m *store.Machine) string {
	if m.Disabled {
		return "disabled"
	}
	if m.Status != store.MachineStatusReady {
		return fmt.Sprintf("status=%s", m.Status)
	}
	if m.CurrentQueue >= m.Capacity {
		return fmt.Sprintf("queue_full(%d/%d)", m.CurrentQueue, m.Capacity)
	}
	return ""
}

// queueStatus is the payload a classic backend serves at GET /queue.
type queueStatus struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// Reconcile probes a classic machine's live queue and overwrites the
// tracked admission count with the observed depth. Serverless machines
// have no queue endpoint, so their counters are trusted as-is.
func (r *Registry) Reconcile(ctx context.Context, id string) (int, error) {
	m, err := r.machines.GetMachine(ctx, id)
	if err != nil {
		return 0, err
	}
	if m.Kind != store.MachineKindClassic {
		return m.CurrentQueue, nil
	}

	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	url := strings.TrimSuffix(m.Endpoint, "/") + "/queue"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build reconcile request: %w", err)
	}
	if m.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.AuthToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, &errors.BackendError{MachineID: id, Message: "queue probe failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &errors.BackendError{MachineID: id, StatusCode: resp.StatusCode, Message: "queue probe returned non-200"}
	}

	var status queueStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return 0, &errors.BackendError{MachineID: id, Message: "failed to decode queue status", Cause: err}
	}

	depth := len(status.Running) + len(status.Pending)
	if depth != m.CurrentQueue {
		r.logger.Info("reconciled machine queue drift",
			slog.String(log.MachineIDKey, id),
			slog.Int("tracked", m.CurrentQueue),
			slog.Int("observed", depth))
		reconcileDriftTotal.WithLabelValues(id).Inc()
	}
	if err := r.machines.SetMachineQueue(ctx, id, depth); err != nil {
		return 0, err
	}
	currentQueueGauge.WithLabelValues(id).Set(float64(depth))
	return depth, nil
}

// ReconcileAll reconciles every classic machine, pacing the probes so a
// large fleet does not see a burst. Probe failures are logged and skipped;
// a machine that cannot be reached keeps its tracked count.
func (r *Registry) ReconcileAll(ctx context.Context) error {
	machines, err := r.machines.ListMachines(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, m := range machines {
		if m.Kind != store.MachineKindClassic || m.Disabled {
			continue
		}
		id := m.ID
		g.Go(func() error {
			if err := r.sweepLimiter.Wait(ctx); err != nil {
				return err
			}
			if _, err := r.Reconcile(ctx, id); err != nil {
				r.logger.Warn("machine reconcile failed",
					slog.String(log.MachineIDKey, id),
					log.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
