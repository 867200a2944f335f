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

// Package notify delivers terminal run notifications to a webhook with
// at-least-once semantics. Deliveries ride the durable job queue, so a
// crash between enqueue and POST replays the notification on restart.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/queue"
	"github.com/comfydeploy/dispatch/internal/store"
)

// QueueName is the job queue notifications ride on.
const QueueName = "notification"

// Notification is the webhook payload for one terminal run.
type Notification struct {
	WorkflowRunID string            `json:"workflow_run_id"`
	Status        store.RunStatus   `json:"status"`
	JobID         string            `json:"job_id,omitempty"`
	DeploymentID  string            `json:"deployment_id,omitempty"`
	Outputs       *store.OutputData `json:"outputs,omitempty"`
	Error         *store.RunError   `json:"error,omitempty"`
	CompletedAt   time.Time         `json:"completed_at"`
}

// envelope is the persisted job payload. The webhook target is snapshotted
// at enqueue time so a config change mid-flight does not redirect queued
// notifications.
type envelope struct {
	Notification Notification `json:"notification"`
	WebhookURL   string       `json:"webhook_url"`
	AuthHeader   string       `json:"auth_header,omitempty"`
}

// Config tunes the notifier.
type Config struct {
	// WebhookURL is the delivery target. Empty disables notifications.
	WebhookURL string

	// AuthHeader, when set, is sent as the Authorization header. Bare
	// tokens are sent as Bearer credentials; values that already carry
	// a scheme are sent verbatim.
	AuthHeader string

	// Concurrency is the delivery worker count. Default 10.
	Concurrency int

	// MaxAttempts is the delivery attempt ceiling. Default 5.
	MaxAttempts int

	// Backoff is the base retry delay, doubled per attempt. Default 2s.
	Backoff time.Duration

	// Timeout bounds a single POST. Default 30s.
	Timeout time.Duration

	// PollInterval is how often idle workers re-check the queue.
	// Default 1s.
	PollInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 10
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.Backoff <= 0 {
		out.Backoff = 2 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	return out
}

// Notifier enqueues and delivers webhook notifications.
type Notifier struct {
	cfg    Config
	jobs   queue.Queue
	client *http.Client
	logger *slog.Logger

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	quit    chan struct{}
	stopped chan struct{}
}

// New creates a notifier over the given job queue.
func New(cfg Config, jobs queue.Queue, client *http.Client, logger *slog.Logger) *Notifier {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Notifier{
		cfg:    cfg,
		jobs:   jobs,
		client: client,
		logger: log.WithComponent(logger, "notifier"),
		wake:   make(chan struct{}, 1),
	}
}

// Enabled reports whether a webhook target is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.WebhookURL != ""
}

// Publish enqueues a notification for delivery. A notifier without a
// webhook target drops it silently.
func (n *Notifier) Publish(ctx context.Context, notification Notification) error {
	if !n.Enabled() {
		return nil
	}

	payload, err := json.Marshal(envelope{
		Notification: notification,
		WebhookURL:   n.cfg.WebhookURL,
		AuthHeader:   n.cfg.AuthHeader,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if _, err := n.jobs.Enqueue(ctx, QueueName, payload, nil); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	publishedTotal.WithLabelValues(string(notification.Status)).Inc()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the delivery workers. No-op when notifications are
// disabled.
func (n *Notifier) Start() {
	if !n.Enabled() {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan struct{})
	n.cancel = cancel
	n.quit = quit
	n.stopped = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < n.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.worker(ctx, quit)
		}()
	}
	go func() {
		wg.Wait()
		close(n.stopped)
	}()
}

// Stop halts delivery workers. A graceful stop lets in-flight POSTs
// finish before returning. With force set, in-flight POSTs are abandoned;
// their jobs stall and are requeued by the stalled sweep after the lock
// expires.
func (n *Notifier) Stop(force bool) {
	n.mu.Lock()
	cancel, quit, stopped := n.cancel, n.quit, n.stopped
	n.cancel = nil
	n.quit = nil
	n.mu.Unlock()

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

func (n *Notifier) worker(ctx context.Context, quit <-chan struct{}) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for n.deliverNext(ctx) {
			select {
			case <-quit:
				return
			default:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-n.wake:
		case <-ticker.C:
		}
	}
}

// deliverNext claims and delivers one notification. Returns false when the
// queue is empty or the context ended.
func (n *Notifier) deliverNext(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	// Lock long enough to cover the POST timeout comfortably.
	job, err := n.jobs.Claim(ctx, QueueName, 2*n.cfg.Timeout)
	if err != nil {
		n.logger.Error("failed to claim notification", log.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	var env envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		n.logger.Error("malformed notification payload",
			slog.String(log.JobIDKey, job.ID), log.Error(err))
		n.jobs.Fail(ctx, job.ID, job.Token, "malformed payload: "+err.Error())
		return true
	}

	start := time.Now()
	err = n.post(ctx, env)
	deliveryDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		if err := n.jobs.Complete(ctx, job.ID, job.Token, nil); err != nil {
			n.logger.Warn("failed to complete notification job",
				slog.String(log.JobIDKey, job.ID), log.Error(err))
		}
		deliveredTotal.WithLabelValues("delivered").Inc()
		return true
	}

	n.logger.Warn("notification delivery failed",
		slog.String(log.JobIDKey, job.ID),
		slog.String(log.RunIDKey, env.Notification.WorkflowRunID),
		slog.Int("attempt", job.AttemptsMade),
		log.Error(err))

	if job.AttemptsMade >= n.cfg.MaxAttempts {
		if err := n.jobs.Fail(ctx, job.ID, job.Token, err.Error()); err != nil {
			n.logger.Warn("failed to fail notification job",
				slog.String(log.JobIDKey, job.ID), log.Error(err))
		}
		deliveredTotal.WithLabelValues("exhausted").Inc()
		return true
	}

	backoff := n.cfg.Backoff << (job.AttemptsMade - 1)
	if err := n.jobs.MoveToDelayed(ctx, job.ID, time.Now().Add(backoff), job.Token); err != nil {
		n.logger.Warn("failed to delay notification job",
			slog.String(log.JobIDKey, job.ID), log.Error(err))
	}
	deliveredTotal.WithLabelValues("retried").Inc()
	return true
}

func (n *Notifier) post(ctx context.Context, env envelope) error {
	body, err := json.Marshal(env.Notification)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if env.AuthHeader != "" {
		req.Header.Set("Authorization", bearer(env.AuthHeader))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// bearer prefixes the Bearer scheme unless the configured value already
// carries a scheme of its own.
func bearer(v string) string {
	if strings.Contains(v, " ") {
		return v
	}
	return "Bearer " + v
}
