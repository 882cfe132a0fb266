// Package main is the entry point of the research orchestrator API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/helixir/research-orchestrator/internal/auth"
	"github.com/helixir/research-orchestrator/internal/bootstrap"
	"github.com/helixir/research-orchestrator/internal/config"
	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/dispatch"
	"github.com/helixir/research-orchestrator/internal/events"
	"github.com/helixir/research-orchestrator/internal/executor"
	"github.com/helixir/research-orchestrator/internal/observability"
	httpserver "github.com/helixir/research-orchestrator/internal/server/http"
	rotemporal "github.com/helixir/research-orchestrator/internal/temporal"
)

const (
	serviceName       = "research-orchestrator"
	grpcHealthService = "researchorchestrator.v1.Orchestrator"
	healthPollPeriod  = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// backend bundles the dispatch launcher with what the reconciler needs to
// know about task ownership.
type backend interface {
	dispatch.Launcher
	executor.Owner
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().
		Str("storage", cfg.Storage.Backend).
		Str("executor", cfg.Executor.Backend).
		Msg("research-orchestrator server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics("research_orchestrator")

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, relay, err := bootstrap.NewEventPublisher(cfg, store, true, metrics, logger)
	if err != nil {
		return err
	}
	bus := events.NewBus(events.NewEmitter(events.EmitterConfig{ServiceName: serviceName}), publisher, metrics, logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close event bus")
		}
	}()

	var launcher backend
	switch cfg.Executor.Backend {
	case config.ExecutorBackendTemporal:
		temporalClient, err := rotemporal.NewClient(cfg.Temporal, observability.NewTemporalLogger(logger))
		if err != nil {
			return fmt.Errorf("connect to temporal: %w", err)
		}
		stageLauncher := rotemporal.NewStageLauncher(temporalClient, rotemporal.LauncherConfig{
			TaskQueue:      cfg.Temporal.TaskQueue,
			DefaultTimeout: cfg.Executor.DefaultDeadline,
		})
		defer stageLauncher.Close()
		launcher = stageLauncher
		logger.Info().
			Str("host_port", cfg.Temporal.HostPort).
			Str("namespace", cfg.Temporal.Namespace).
			Msg("temporal client connected")

	default:
		runner, err := bootstrap.NewStageRunner(cfg, store.Documents, metrics, logger)
		if err != nil {
			return err
		}
		exec := executor.New(store.Tasks, store.Projects, runner, bus, metrics, logger, executor.Config{
			MaxConcurrent:     cfg.Executor.MaxConcurrent,
			DefaultDeadline:   cfg.Executor.DefaultDeadline,
			HeartbeatInterval: cfg.Executor.HeartbeatInterval,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := exec.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("executor shutdown error")
			}
		}()
		launcher = exec
	}

	svc := dispatch.NewService(store.Tasks, store.Projects, launcher, bus, metrics, logger, dispatch.Config{
		RatePerMinute: cfg.Dispatch.RatePerMinute,
		Burst:         cfg.Dispatch.Burst,
		MaxDeadline:   cfg.Dispatch.MaxDeadline,
	})

	var locker executor.Locker
	if store.DB != nil {
		locker = executor.NewAdvisoryLocker(store.DB)
	}
	reconciler := executor.NewReconciler(store.Tasks, store.Projects, launcher, locker, bus, metrics, logger, executor.ReconcilerConfig{
		Interval:   cfg.Executor.ReconcileInterval,
		StaleAfter: cfg.Executor.StaleAfter,
		// Temporal workers in other processes own tasks this server never sees.
		SweepOnStart: cfg.Executor.Backend == config.ExecutorBackendLocal,
	})

	var authorizer *auth.Authorizer
	if cfg.Auth.Enabled {
		authorizer = auth.NewAuthorizer(cfg.Auth.Tokens)
	} else {
		logger.Warn().Msg("authentication disabled")
	}

	var (
		healthChecker httpserver.HealthChecker
		notifier      httpserver.Notifier
	)
	if store.DB != nil {
		healthChecker, notifier = store.DB, store.DB
	}
	httpSrv := httpserver.NewServer(httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, svc, authorizer, healthChecker, notifier, metrics, logger)

	grpcServer, healthServer := newGRPCServer()
	grpcListener, err := net.Listen("tcp", cfg.Server.GRPCAddress())
	if err != nil {
		return fmt.Errorf("listen on gRPC port: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("address", cfg.Server.GRPCAddress()).Msg("gRPC server starting")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		watchHealth(gctx, healthServer, store.DB, logger)
		return nil
	})
	if relay != nil {
		defer relay.Close()
		g.Go(func() error { return relay.Run(gctx) })
	}
	if cfg.Kafka.Enabled {
		listener := events.NewListener(events.ListenerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.CommandsTopic,
			GroupID: cfg.Kafka.GroupID,
		}, svc.HandleCommand, logger)
		g.Go(func() error {
			defer listener.Close()
			if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stage command listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down research-orchestrator")
		healthServer.SetServingStatus(grpcHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
		}
		stopGRPC(shutdownCtx, grpcServer, logger)
		return nil
	})

	logger.Info().
		Str("http_address", cfg.Server.HTTPAddress()).
		Str("grpc_address", cfg.Server.GRPCAddress()).
		Msg("research-orchestrator is ready")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
		return err
	}
	logger.Info().Msg("research-orchestrator shutdown complete")
	return nil
}

func newGRPCServer() (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(100),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Minute,
			PermitWithoutStream: true,
		}),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcHealthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)
	return grpcServer, healthServer
}

// watchHealth mirrors database health into the gRPC health service until
// ctx is done. Without a database the service stays SERVING.
func watchHealth(ctx context.Context, hs *health.Server, db *database.DB, logger zerolog.Logger) {
	if db == nil {
		return
	}
	ticker := time.NewTicker(healthPollPeriod)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := healthpb.HealthCheckResponse_SERVING
		if h := db.Health(ctx); h.Status != "healthy" {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			logger.Warn().Str("status", status.String()).Msg("gRPC health status changed")
			last = status
		}
		hs.SetServingStatus(grpcHealthService, status)
	}
}

func stopGRPC(ctx context.Context, s *grpc.Server, logger zerolog.Logger) {
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info().Msg("gRPC server stopped gracefully")
	case <-ctx.Done():
		logger.Warn().Msg("gRPC server forced shutdown due to timeout")
		s.Stop()
	}
}
