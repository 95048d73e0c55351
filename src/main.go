// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"forensicworker/src/analyzer"
	"forensicworker/src/artifact"
	"forensicworker/src/auth"
	"forensicworker/src/broadcast"
	"forensicworker/src/config"
	"forensicworker/src/containerization"
	"forensicworker/src/dispatcher"
	"forensicworker/src/logging"
	"forensicworker/src/model"
	"forensicworker/src/processor"
	"forensicworker/src/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		// Flush spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()
	logging.InitializeWorkerMetrics()

	workerID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting worker with UUID: %s", workerID), slog.LevelInfo)

	st, err := openStore(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to open %s task store: %v", cfg.StoreBackend, err))
	}
	defer st.Close()

	runner, cleanup := setupRunner(ctx, cfg)
	defer cleanup()

	registry := analyzer.NewDefaultRegistry(cfg, runner)
	resolver := &artifact.DefaultResolver{Root: cfg.ArtifactRoot, AllowedHosts: cfg.AllowedRemoteHosts}
	broadcaster := broadcast.New()
	workerStats := logging.NewWorkerStats(workerID)

	timeouts := map[model.AnalysisType]time.Duration{}
	for t, limits := range cfg.Limits {
		timeouts[t] = limits.Timeout
	}
	pool := processor.NewPool(st, registry, resolver, broadcaster, workerStats, processor.Options{
		WorkerID:               workerID,
		Workers:                cfg.WorkerCount,
		MaxRunningPerRequester: cfg.MaxRunningPerRequester,
		PollInterval:           cfg.PollInterval,
		CancelPollInterval:     cfg.CancelPollInterval,
		ProgressEventInterval:  cfg.ProgressEventInterval,
		Timeouts:               timeouts,
		Debug:                  cfg.Debug,
	})

	// Tasks left RUNNING by a crashed worker. Only tasks whose heartbeat is
	// older than the window are touched, so live tasks of other workers
	// sharing the store are left alone.
	if cfg.RecoveryStaleAfter > 0 {
		if _, err := pool.Recover(ctx, cfg.RecoveryPolicy, cfg.RecoveryStaleAfter); err != nil {
			panic(fmt.Sprintf("failed to recover interrupted tasks: %v", err))
		}
		go recoverPeriodically(ctx, pool, cfg)
	} else {
		logging.Log("RECOVERY_STALE_AFTER is 0; interrupted task recovery is disabled", slog.LevelWarn)
	}

	if cfg.StoreBackend == "postgres" {
		listener := listenForUpdates(cfg.PostgresConnString())
		defer listener.Close()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-listener.Notify:
					// Immediate trigger from Postgres
					pool.Wake()
				}
			}
		}()
	}

	pool.Start(ctx)
	logging.Log(fmt.Sprintf("Worker started with lanes %v. Waiting for tasks...", registry.Types()), slog.LevelInfo)

	d := dispatcher.New(st, resolver, pool, broadcaster, dispatcher.OptionsFromConfig(cfg))
	srv := NewAPIServer(d, st, workerStats, auth.NewTokens(cfg.JWTSecret), broadcaster, cfg.Debug)
	if err := StartAPIServer(ctx, cfg.APIPort, srv); err != nil {
		logging.Log(fmt.Sprintf("API server error: %v", err), slog.LevelError)
		stop()
	}

	logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
	pool.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.PostgresConnString())
	case "mysql":
		return store.OpenMySQL(cfg.MySQLDSN)
	default:
		logging.Log("Using in-memory task store; tasks do not survive a restart", slog.LevelWarn)
		return store.NewMemoryStore(), nil
	}
}

// setupRunner builds the engine runner for the memory and network analyzers.
func setupRunner(ctx context.Context, cfg *config.Config) (containerization.Runner, func()) {
	if cfg.EngineRuntime == "local" {
		return containerization.LocalRunner{}, func() {}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		panic(fmt.Sprintf("failed to create docker client: %v", err))
	}

	// Create or get sandbox network for isolated container execution
	sandboxNetworkID, err := containerization.EnsureSandboxNetwork(ctx, cli)
	if err != nil {
		panic(fmt.Sprintf("failed to setup sandbox network: %v", err))
	}
	logging.Log(fmt.Sprintf("Sandbox network ready: %s", sandboxNetworkID[:12]), slog.LevelInfo)

	images := map[model.AnalysisType]string{
		model.AnalysisMemory:  cfg.VolatilityImage,
		model.AnalysisNetwork: cfg.TsharkImage,
	}
	for t, img := range images {
		if !cfg.Limits[t].Enabled || img == "" {
			continue
		}
		logging.Log(fmt.Sprintf("Ensuring Docker image %s is available...", img), slog.LevelInfo)
		if err := containerization.PullImage(ctx, cli, img); err != nil {
			logging.Log(fmt.Sprintf("Failed to pull image %s: %v. Execution might fail if image is not present locally.", img, err), slog.LevelWarn)
		}
	}

	runner := containerization.NewDockerRunner(cli, sandboxNetworkID, cfg.ContainerMemoryMB, cfg.ContainerCPULimit)
	go runner.RunContainerReaper(ctx, cfg.ContainerIdleTimeout)

	return runner, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		runner.Cleanup(cleanupCtx)
		cli.Close()
	}
}

func listenForUpdates(connStr string) *pq.Listener {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelWarn)
		}
	}

	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(store.UpdatesChannel); err != nil {
		panic(err)
	}
	return listener
}

// recoverPeriodically sweeps tasks whose worker stopped heartbeating.
func recoverPeriodically(ctx context.Context, pool *processor.Pool, cfg *config.Config) {
	ticker := time.NewTicker(cfg.RecoveryStaleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pool.Recover(ctx, cfg.RecoveryPolicy, cfg.RecoveryStaleAfter); err != nil && ctx.Err() == nil {
				logging.Log(fmt.Sprintf("Periodic recovery sweep failed: %v", err), slog.LevelError)
			}
		}
	}
}
