package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fleet/internal/api"
	"fleet/internal/config"
	"fleet/internal/demand"
	"fleet/internal/eventbus"
	"fleet/internal/invoker"
	"fleet/internal/monitor"
	"fleet/internal/orchestrator"
	"fleet/internal/registry"
	"fleet/internal/service"

	"github.com/hibiken/asynq"
	"k8s.io/utils/clock"
)

// nodeStore is satisfied by both registry implementations.
type nodeStore interface {
	orchestrator.NodeRegistry
	MarkOnline(ctx context.Context, name string) error
}

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux

	registry    nodeStore
	secrets     *registry.Secrets
	executor    *orchestrator.Executor
	loop        *orchestrator.ProvisioningLoop
	lifecycle   *orchestrator.Lifecycle
	reviewer    *demand.Reviewer
	reconciler  *orchestrator.BootstrapReconciler
	factory     orchestrator.InvokerFactory
	bus         eventbus.EventBus
	controllers []*orchestrator.FleetController

	background sync.WaitGroup
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger
	clk := clock.RealClock{}

	bus := eventbus.NewRedisBus(deps.Redis, logger)

	var nodes nodeStore
	if deps.PG != nil {
		nodes = registry.NewPostgres(deps.PG, deps.Redis)
	} else {
		nodes = registry.NewMemory()
	}
	secrets := registry.NewSecrets()

	executor := orchestrator.NewExecutor(cfg.Fleet.LaunchConcurrency, logger)
	loop := orchestrator.NewProvisioningLoop(logger)
	loop.SetDisabled(cfg.Fleet.ProvisioningDisabled)
	lifecycle := orchestrator.NewLifecycle(nodes, loop, executor, bus, clk, logger)

	containerOpts := invoker.ContainerOptions{
		NetworkName: cfg.Container.NetworkName,
		MemoryMB:    cfg.Container.MemoryMB,
		CPULimit:    cfg.Container.CPU,
	}

	// 启动时清理上一个进程遗留的容器
	var reapers []orchestrator.Reaper
	if deps.Docker != nil {
		reapers = append(reapers, invoker.NewContainer(deps.Docker, "", containerOpts, logger))
	}
	reconciler := orchestrator.NewBootstrapReconciler(nodes, logger, reapers...)

	store := demand.NewRedisStore(deps.Redis)
	loop.SetScheduler(demand.NewNudger(deps.AsynqClient, logger))
	handler := demand.NewHandler(store, loop, logger)
	reviewer := demand.NewReviewer(store, handler, clk, logger)

	svc := service.NewService(loop, lifecycle, nodes, secrets, store, bus, logger)

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{demand.QueueName: 1},
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(demand.TypeReview, handler.HandleReview)

	router := api.NewRouter(svc, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		registry:    nodes,
		secrets:     secrets,
		executor:    executor,
		loop:        loop,
		lifecycle:   lifecycle,
		reviewer:    reviewer,
		reconciler:  reconciler,
		factory:     invoker.NewFactory(deps.Docker, containerOpts, logger),
		bus:         bus,
		logger:      logger,
	}
}

// buildControllers registers one controller per configured pool. Controllers outlive
// the signal context so that shutdown can drain HTTP before cancelling launches.
func (s *Server) buildControllers(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for _, p := range s.cfg.Pools {
		cfg := toPoolConfig(p)
		ctrl := orchestrator.NewFleetController(base, cfg, orchestrator.ControllerDeps{
			Registry:       s.registry,
			Secrets:        s.secrets,
			Executor:       s.executor,
			Events:         s.bus,
			InvokerFactory: s.factory,
			Logger:         s.logger,
			PollInterval:   s.cfg.Fleet.PollInterval,
		})
		s.controllers = append(s.controllers, ctrl)
		s.loop.Register(ctrl, p.Priority)

		if err := ctrl.Err(); err != nil {
			s.logger.Warn("Pool registered in degraded state", "pool", p.ID, "error", err)
		} else {
			s.logger.Info("Pool registered", "pool", p.ID, "provider", cfg.Provider, "labels", cfg.LabelSelector)
		}
	}
	if len(s.controllers) == 0 {
		s.logger.Warn("No pools configured, nothing will be provisioned")
	}
}

func toPoolConfig(p config.PoolConfig) orchestrator.PoolConfig {
	cfg := orchestrator.PoolConfig{
		PoolID:                  p.ID,
		Provider:                orchestrator.ProviderType(p.Provider),
		FunctionRef:             p.FunctionRef,
		CredentialsRef:          p.CredentialsRef,
		Region:                  p.Region,
		LabelSelector:           p.Labels,
		MaxConcurrentExecutions: p.MaxConcurrentExecutions,
		AgentTimeoutSeconds:     p.AgentTimeoutSeconds,
		CallbackBaseURL:         p.CallbackBaseURL,
		InvocationType:          p.InvocationType,
		KeepOnFailure:           p.KeepOnFailure,
		Priority:                p.Priority,
	}
	for _, fn := range p.Functions {
		cfg.Functions = append(cfg.Functions, orchestrator.FunctionRoute{Ref: fn.Ref, Labels: fn.Labels})
	}
	return cfg
}

func (s *Server) Start(ctx context.Context) error {
	if n, err := s.reconciler.Reconcile(ctx); err != nil {
		s.logger.Error("Bootstrap reconcile incomplete", "terminated", n, "error", err)
	}

	s.buildControllers(ctx)

	go func() {
		s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Asynq worker failed", "error", err)
		}
	}()

	s.background.Go(func() {
		s.reviewer.Start(ctx, s.cfg.Fleet.ReviewInterval)
	})
	s.background.Go(func() {
		s.lifecycle.Start(ctx, s.cfg.Fleet.RetentionInterval)
	})

	checks := map[string]monitor.HealthCheck{
		"redis": func(ctx context.Context) error { return s.deps.Redis.Ping(ctx).Err() },
	}
	if s.deps.PG != nil {
		checks["postgres"] = func(ctx context.Context) error {
			_, err := s.deps.PG.ExecContext(ctx, "SELECT 1")
			return err
		}
	}
	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger, checks); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		s.Shutdown()
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()

	s.loop.SetQuietingDown(true)
	for _, c := range s.controllers {
		c.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.executor.Wait()
		s.background.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		s.logger.Warn("Timed out waiting for background work")
	}

	s.secrets.Close()
	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
