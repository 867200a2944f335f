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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:3011" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("worker_concurrency = %d", cfg.WorkerConcurrency)
	}
	if cfg.NotificationWorkerConcurrency != 10 {
		t.Errorf("notification_worker_concurrency = %d", cfg.NotificationWorkerConcurrency)
	}
	if cfg.LoadBalancerStrategy != "least-load" {
		t.Errorf("load_balancer_strategy = %q", cfg.LoadBalancerStrategy)
	}
	if cfg.WorkerLockDuration != 30*time.Minute {
		t.Errorf("worker_lock_duration = %v", cfg.WorkerLockDuration)
	}
	if cfg.QueueRetryDelay != 30*time.Second {
		t.Errorf("queue_retry_delay = %v", cfg.QueueRetryDelay)
	}
	if cfg.MaxQueueRetries != 200 {
		t.Errorf("max_queue_retries = %d", cfg.MaxQueueRetries)
	}
	if cfg.UseEventDrivenScheduler {
		t.Error("event scheduler should default off")
	}
	if cfg.ExecutionRetryEnabled {
		t.Error("execution retry should default off")
	}
	if cfg.ExecutionRetryDelay != 5*time.Second {
		t.Errorf("execution_retry_delay = %v", cfg.ExecutionRetryDelay)
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	err := os.WriteFile(path, []byte(`
listen_addr: 0.0.0.0:9000
worker_concurrency: 2
load_balancer_strategy: round-robin
webhook_notification_url: https://file.example/hook
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("QUEUE_RETRY_DELAY", "15000")
	t.Setenv("USE_EVENT_DRIVEN_SCHEDULER", "true")
	t.Setenv("COMFYUI_EXECUTION_RETRY_ENABLED", "1")
	t.Setenv("COMFYUI_EXECUTION_RETRY_DELAY_MS", "2500")
	t.Setenv("WORKER_LOCK_DURATION", "1800000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	// File overrides defaults.
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.LoadBalancerStrategy != "round-robin" {
		t.Errorf("strategy = %q", cfg.LoadBalancerStrategy)
	}
	if cfg.WebhookNotificationURL != "https://file.example/hook" {
		t.Errorf("webhook url = %q", cfg.WebhookNotificationURL)
	}

	// Env overrides file.
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("worker_concurrency = %d, want env value 8", cfg.WorkerConcurrency)
	}
	if cfg.QueueRetryDelay != 15*time.Second {
		t.Errorf("queue_retry_delay = %v", cfg.QueueRetryDelay)
	}
	if !cfg.UseEventDrivenScheduler || !cfg.ExecutionRetryEnabled {
		t.Error("boolean env overrides not applied")
	}
	if cfg.ExecutionRetryDelay != 2500*time.Millisecond {
		t.Errorf("execution_retry_delay = %v", cfg.ExecutionRetryDelay)
	}
	if cfg.WorkerLockDuration != 30*time.Minute {
		t.Errorf("worker_lock_duration = %v", cfg.WorkerLockDuration)
	}
}

func TestLoad_InvalidEnvInteger(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")
	if _, err := Load(""); err == nil {
		t.Error("non-integer env value should fail")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"bad strategy", func(c *Config) { c.LoadBalancerStrategy = "random" }},
		{"zero lock", func(c *Config) { c.WorkerLockDuration = 0 }},
		{"zero retry delay", func(c *Config) { c.QueueRetryDelay = 0 }},
		{"zero max retries", func(c *Config) { c.MaxQueueRetries = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should error")
	}
}
