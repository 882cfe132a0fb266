// Package main is the entry point of the research orchestrator Temporal
// worker. It runs stage tasks dispatched by a server configured with the
// temporal executor backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixir/research-orchestrator/internal/bootstrap"
	"github.com/helixir/research-orchestrator/internal/config"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/events"
	"github.com/helixir/research-orchestrator/internal/executor"
	"github.com/helixir/research-orchestrator/internal/observability"
	rotemporal "github.com/helixir/research-orchestrator/internal/temporal"
	"github.com/helixir/research-orchestrator/internal/temporal/activities"
	"github.com/helixir/research-orchestrator/internal/temporal/workflows"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Backend != config.StorageBackendPostgres {
		return fmt.Errorf("the worker requires the postgres storage backend, got %q", cfg.Storage.Backend)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "worker").Logger()
	logger.Info().Msg("research-orchestrator worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics("research_orchestrator")

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Outbox relaying is left to the server.
	publisher, _, err := bootstrap.NewEventPublisher(cfg, store, false, metrics, logger)
	if err != nil {
		return err
	}
	bus := events.NewBus(events.NewEmitter(events.EmitterConfig{ServiceName: "research-orchestrator-worker"}), publisher, metrics, logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close event bus")
		}
	}()

	runner, err := bootstrap.NewStageRunner(cfg, store.Documents, metrics, logger)
	if err != nil {
		return err
	}
	exec := executor.New(store.Tasks, store.Projects, runner, bus, metrics, logger, executor.Config{
		MaxConcurrent:     cfg.Executor.MaxConcurrent,
		DefaultDeadline:   cfg.Executor.DefaultDeadline,
		HeartbeatInterval: cfg.Executor.HeartbeatInterval,
	})

	temporalClient, err := rotemporal.NewClient(cfg.Temporal, observability.NewTemporalLogger(logger))
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer temporalClient.Close()
	logger.Info().
		Str("host_port", cfg.Temporal.HostPort).
		Str("namespace", cfg.Temporal.Namespace).
		Msg("temporal client connected")

	queues := make([]string, 0, len(domain.StageQueues()))
	for _, q := range domain.StageQueues() {
		queues = append(queues, cfg.Temporal.TaskQueue(q))
	}

	workerConfig := rotemporal.DefaultWorkerConfig()
	workerConfig.MaxConcurrentActivityExecutionSize = int(cfg.Executor.MaxConcurrent)
	manager, err := rotemporal.NewWorkerManager(temporalClient, queues, workerConfig)
	if err != nil {
		return fmt.Errorf("create worker manager: %w", err)
	}

	manager.RegisterWorkflowWithName(workflows.StageWorkflow, rotemporal.StageWorkflowName)
	manager.RegisterActivity(activities.NewStageActivities(store.Tasks, exec, cfg.Executor.HeartbeatInterval))

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer := &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
		}()
	}

	logger.Info().
		Strs("task_queues", manager.TaskQueues()).
		Msg("starting temporal workers")

	// Start stops the workers before returning, so the executor shuts down
	// only after no new activity can reach it.
	err = manager.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := exec.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("executor shutdown error")
	}

	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("worker stopped via signal")
			return nil
		}
		return fmt.Errorf("worker error: %w", err)
	}
	logger.Info().Msg("worker stopped")
	return nil
}
