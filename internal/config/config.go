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

// Package config loads daemon configuration from an optional YAML file
// with environment variable overrides. Environment wins over file, file
// wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comfydeploy/dispatch/pkg/errors"
)

// Config is the full daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite database file. Empty selects the
	// in-memory store.
	DatabasePath string `yaml:"database_path"`

	// APIURL is the externally reachable base URL used to build the
	// callback endpoints handed to machines.
	APIURL string `yaml:"api_url"`

	// CallbackAuthToken, when set, is required as a Bearer token on the
	// update-run endpoint.
	CallbackAuthToken string `yaml:"callback_auth_token"`

	// WorkerConcurrency is the dispatch worker pool size.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// NotificationWorkerConcurrency is the webhook delivery pool size.
	NotificationWorkerConcurrency int `yaml:"notification_worker_concurrency"`

	// LoadBalancerStrategy selects machine ordering within a group:
	// least-load or round-robin.
	LoadBalancerStrategy string `yaml:"load_balancer_strategy"`

	// WorkerLockDuration is how long a claimed dispatch job stays locked.
	WorkerLockDuration time.Duration `yaml:"worker_lock_duration"`

	// WorkerStalledInterval is how often expired locks are swept.
	WorkerStalledInterval time.Duration `yaml:"worker_stalled_interval"`

	// MaxQueueRetries caps attempts for runs that keep finding no machine.
	MaxQueueRetries int `yaml:"max_queue_retries"`

	// QueueRetryDelay is the park time between no-machine attempts.
	QueueRetryDelay time.Duration `yaml:"queue_retry_delay"`

	// UseEventDrivenScheduler selects event mode over the worker pool.
	UseEventDrivenScheduler bool `yaml:"use_event_driven_scheduler"`

	// ExecutionRetryEnabled turns on execution-level retries.
	ExecutionRetryEnabled bool `yaml:"execution_retry_enabled"`

	// ExecutionRetryDelay is the pause before re-sending a failed run.
	ExecutionRetryDelay time.Duration `yaml:"execution_retry_delay"`

	// WebhookNotificationURL is the terminal-run webhook target. Empty
	// disables notifications.
	WebhookNotificationURL string `yaml:"webhook_notification_url"`

	// WebhookAuthorizationHeader is sent verbatim as Authorization on
	// webhook POSTs.
	WebhookAuthorizationHeader string `yaml:"webhook_authorization_header"`

	// ReconcileInterval is how often classic machine queues are probed
	// for drift. Zero disables the sweep.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// Retention tunes the finished-job sweeper.
	Retention Retention `yaml:"retention"`
}

// Retention bounds how long finished queue jobs are kept.
type Retention struct {
	RunCompletedAge    time.Duration `yaml:"run_completed_age"`
	RunCompletedCount  int           `yaml:"run_completed_count"`
	RunFailedAge       time.Duration `yaml:"run_failed_age"`
	NotifyCompletedAge time.Duration `yaml:"notify_completed_age"`
	NotifyFailedAge    time.Duration `yaml:"notify_failed_age"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:                    "127.0.0.1:3011",
		DatabasePath:                  "dispatch.db",
		WorkerConcurrency:             5,
		NotificationWorkerConcurrency: 10,
		LoadBalancerStrategy:          "least-load",
		WorkerLockDuration:            30 * time.Minute,
		WorkerStalledInterval:         30 * time.Minute,
		MaxQueueRetries:               200,
		QueueRetryDelay:               30 * time.Second,
		ExecutionRetryDelay:           5 * time.Second,
		Retention: Retention{
			RunCompletedAge:    time.Hour,
			RunCompletedCount:  1000,
			RunFailedAge:       24 * time.Hour,
			NotifyCompletedAge: 24 * time.Hour,
			NotifyFailedAge:    7 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "config file", Reason: "unreadable", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "config file", Reason: "invalid YAML", Cause: err}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Durations come in as
// millisecond integers to match how deployments already configure them.
func (c *Config) applyEnv() error {
	if v := os.Getenv("API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("CALLBACK_AUTH_TOKEN"); v != "" {
		c.CallbackAuthToken = v
	}
	if v := os.Getenv("LOAD_BALANCER_STRATEGY"); v != "" {
		c.LoadBalancerStrategy = v
	}
	if v := os.Getenv("WEBHOOK_NOTIFICATION_URL"); v != "" {
		c.WebhookNotificationURL = v
	}
	if v := os.Getenv("WEBHOOK_AUTHORIZATION_HEADER"); v != "" {
		c.WebhookAuthorizationHeader = v
	}

	intVars := []struct {
		key string
		dst *int
	}{
		{"WORKER_CONCURRENCY", &c.WorkerConcurrency},
		{"NOTIFICATION_WORKER_CONCURRENCY", &c.NotificationWorkerConcurrency},
		{"MAX_QUEUE_RETRIES", &c.MaxQueueRetries},
	}
	for _, v := range intVars {
		raw := os.Getenv(v.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return &errors.ConfigError{Key: v.key, Reason: "not an integer", Cause: err}
		}
		*v.dst = n
	}

	msVars := []struct {
		key string
		dst *time.Duration
	}{
		{"WORKER_LOCK_DURATION", &c.WorkerLockDuration},
		{"WORKER_STALLED_INTERVAL", &c.WorkerStalledInterval},
		{"QUEUE_RETRY_DELAY", &c.QueueRetryDelay},
		{"COMFYUI_EXECUTION_RETRY_DELAY_MS", &c.ExecutionRetryDelay},
		{"RECONCILE_INTERVAL_MS", &c.ReconcileInterval},
	}
	for _, v := range msVars {
		raw := os.Getenv(v.key)
		if raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &errors.ConfigError{Key: v.key, Reason: "not a millisecond integer", Cause: err}
		}
		*v.dst = time.Duration(ms) * time.Millisecond
	}

	boolVars := []struct {
		key string
		dst *bool
	}{
		{"USE_EVENT_DRIVEN_SCHEDULER", &c.UseEventDrivenScheduler},
		{"COMFYUI_EXECUTION_RETRY_ENABLED", &c.ExecutionRetryEnabled},
	}
	for _, v := range boolVars {
		raw := os.Getenv(v.key)
		if raw == "" {
			continue
		}
		*v.dst = raw == "true" || raw == "1"
	}

	return nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return &errors.ConfigError{Key: "listen_addr", Reason: "must not be empty"}
	}
	if c.WorkerConcurrency < 1 {
		return &errors.ConfigError{Key: "worker_concurrency", Reason: "must be at least 1"}
	}
	if c.NotificationWorkerConcurrency < 1 {
		return &errors.ConfigError{Key: "notification_worker_concurrency", Reason: "must be at least 1"}
	}
	switch c.LoadBalancerStrategy {
	case "least-load", "round-robin":
	default:
		return &errors.ConfigError{
			Key:    "load_balancer_strategy",
			Reason: fmt.Sprintf("unknown strategy %q", c.LoadBalancerStrategy),
		}
	}
	if c.WorkerLockDuration <= 0 {
		return &errors.ConfigError{Key: "worker_lock_duration", Reason: "must be positive"}
	}
	if c.QueueRetryDelay <= 0 {
		return &errors.ConfigError{Key: "queue_retry_delay", Reason: "must be positive"}
	}
	if c.MaxQueueRetries < 1 {
		return &errors.ConfigError{Key: "max_queue_retries", Reason: "must be at least 1"}
	}
	return nil
}
