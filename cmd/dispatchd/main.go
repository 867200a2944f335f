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

// dispatchd is the workflow-run dispatch daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comfydeploy/dispatch/internal/api"
	"github.com/comfydeploy/dispatch/internal/config"
	"github.com/comfydeploy/dispatch/internal/dispatch"
	"github.com/comfydeploy/dispatch/internal/ingest"
	"github.com/comfydeploy/dispatch/internal/log"
	"github.com/comfydeploy/dispatch/internal/machine"
	"github.com/comfydeploy/dispatch/internal/notify"
	"github.com/comfydeploy/dispatch/internal/queue"
	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/internal/store/memory"
	"github.com/comfydeploy/dispatch/internal/store/sqlite"
	"github.com/comfydeploy/dispatch/internal/supervisor"
	"github.com/comfydeploy/dispatch/pkg/httpclient"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		listenAddr  = flag.String("listen", "", "HTTP listen address override")
		dbPath      = flag.String("db", "", "SQLite database path override (\"memory\" for in-memory)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("dispatchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		if *dbPath == "memory" {
			cfg.DatabasePath = ""
		} else {
			cfg.DatabasePath = *dbPath
		}
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	st, jobs, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer jobs.Close()

	// Queue probes are idempotent GETs, so they retry at the transport
	// level. Run starts and webhook POSTs retry at the queue level instead.
	probeClient, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return err
	}
	postCfg := httpclient.DefaultConfig()
	postCfg.RetryAttempts = 0
	postClient, err := httpclient.New(postCfg)
	if err != nil {
		return err
	}

	registry := machine.NewRegistry(st, probeClient, logger)
	selector, err := machine.NewSelector(machine.Strategy(cfg.LoadBalancerStrategy))
	if err != nil {
		return err
	}

	notifier := notify.New(notify.Config{
		WebhookURL:  cfg.WebhookNotificationURL,
		AuthHeader:  cfg.WebhookAuthorizationHeader,
		Concurrency: cfg.NotificationWorkerConcurrency,
	}, jobs, postClient, logger)

	starter := dispatch.NewRunStarter(st, postClient, cfg.APIURL, logger)
	dispatcher := dispatch.New(dispatch.Config{
		Concurrency:     cfg.WorkerConcurrency,
		EventDriven:     cfg.UseEventDrivenScheduler,
		LockDuration:    cfg.WorkerLockDuration,
		MaxQueueRetries: cfg.MaxQueueRetries,
		QueueRetryDelay: cfg.QueueRetryDelay,
		APIURL:          cfg.APIURL,
	}, jobs, st, registry, selector, notifier, starter, logger)

	ingestor := ingest.New(ingest.Config{
		RetryEnabled: cfg.ExecutionRetryEnabled,
		RetryDelay:   cfg.ExecutionRetryDelay,
	}, st, registry, dispatcher, notifier, logger)

	sup := supervisor.New(supervisor.Config{
		StalledInterval:    cfg.WorkerStalledInterval,
		ReconcileInterval:  cfg.ReconcileInterval,
		RunCompletedAge:    cfg.Retention.RunCompletedAge,
		RunCompletedCount:  cfg.Retention.RunCompletedCount,
		RunFailedAge:       cfg.Retention.RunFailedAge,
		NotifyCompletedAge: cfg.Retention.NotifyCompletedAge,
		NotifyFailedAge:    cfg.Retention.NotifyFailedAge,
	}, jobs, dispatcher, notifier, registry, logger)

	server := api.New(st, jobs, dispatcher, ingestor, registry, sup, cfg.CallbackAuthToken, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup.Start()
	defer sup.Stop(false)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", log.Error(err))
	}
	return nil
}

// openBackends selects the persistence pair. A SQLite path gives a durable
// store with the job queue sharing its database handle; an empty path runs
// everything in memory.
func openBackends(ctx context.Context, cfg *config.Config) (store.Store, queue.Queue, error) {
	if cfg.DatabasePath == "" {
		return memory.New(), queue.NewMemory(), nil
	}

	st, err := sqlite.New(sqlite.Config{Path: cfg.DatabasePath, WAL: true})
	if err != nil {
		return nil, nil, err
	}
	jobs, err := queue.NewSQLite(ctx, st.DB())
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, jobs, nil
}
