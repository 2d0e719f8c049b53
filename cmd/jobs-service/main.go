// jobs-service is the HTTP API server and poll scheduler for training jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trainingjobs/internal/api"
	"trainingjobs/internal/auth"
	"trainingjobs/internal/config"
	"trainingjobs/internal/dispatcher"
	"trainingjobs/internal/fanout"
	"trainingjobs/internal/health"
	"trainingjobs/internal/job"
	"trainingjobs/internal/notify"
	"trainingjobs/internal/observability"
	"trainingjobs/internal/runner/docker"
	"trainingjobs/internal/runner/mlservice"
	"trainingjobs/internal/scheduler"
	"trainingjobs/internal/store/memory"
	"trainingjobs/internal/store/sqlstore"
	"trainingjobs/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// backend is a store that holds both jobs and their derived records.
type backend interface {
	job.Store
	job.ArtifactStore
}

func openStore(ctx context.Context, cfg *config.ServiceConfig) (backend, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		slog.Warn("Using in-memory store; jobs are lost on restart")
		return memory.New(), func() error { return nil }, nil
	case config.StoreSQLite, config.StorePostgres:
		s, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newRunner(cfg *config.ServiceConfig, metrics *observability.Metrics) (job.Runner, func() error, error) {
	switch cfg.Runner {
	case config.RunnerMLService:
		mlCfg := mlservice.LoadConfigFromEnv()
		mlCfg.Breaker.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		}
		c, err := mlservice.New(mlCfg)
		if err != nil {
			return nil, nil, err
		}
		return c, func() error { return nil }, nil
	case config.RunnerDocker:
		r, err := docker.New(docker.LoadConfigFromEnv())
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner %q", cfg.Runner)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return err
	}
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, svcCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	jobRunner, closeRunner, err := newRunner(svcCfg, metrics)
	if err != nil {
		return err
	}
	defer closeRunner()
	slog.Info("Runner configured", "runner", svcCfg.Runner, "store", svcCfg.StoreDriver)

	// Version notifications: HTTP deliveries go through the dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	notifier, natsNotifier, err := notify.Build(notifyCfg, eventDispatcher)
	if err != nil {
		return err
	}

	checks := []health.Check{
		{Name: "store", Probe: health.ProbeFunc(store.Ping)},
		{Name: "runner", Probe: jobRunner},
	}
	if natsNotifier != nil {
		defer natsNotifier.Close()
		checks = append(checks, health.Check{Name: "notifier", Probe: natsNotifier, Optional: true})
	}
	healthChecker := health.NewChecker(checks...)

	jobService := job.NewService(store, store, jobRunner, metrics, job.LoadConfigFromEnv())

	fanOut := fanout.New(store, notifier, metrics, fanout.LoadConfigFromEnv())
	pollScheduler := scheduler.New(store, jobRunner, fanOut, metrics, scheduler.LoadConfigFromEnv())
	pollScheduler.Start()

	var verifier *auth.Verifier
	if svcCfg.JWTSecret != "" {
		verifier = auth.NewVerifier(svcCfg.JWTSecret, svcCfg.JWTIssuer)
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - trusting " + api.UserIDHeader + " header (no JWT_SECRET_FILE configured)")
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Verifier:      verifier,
	})

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	if runErr == nil {
		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()

		// Wait for load balancers to stop sending traffic
		if svcCfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop polling. Claims left by interrupted ticks expire and the
	// next instance picks the jobs up again.
	schedulerCtx, schedulerCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer schedulerCancel()
	if err := pollScheduler.Close(schedulerCtx); err != nil {
		slog.Warn("Scheduler shutdown error", "error", err)
	}

	// Phase 4: Drain version notifications
	slog.Info("Draining notification dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	schedStats := pollScheduler.Stats()
	slog.Info("Scheduler stats", "ticks", schedStats.Ticks)

	// External runs continue without the service; their status is picked up
	// from the store by the next instance.
	slog.Info("Shutdown complete")
	return runErr
}
