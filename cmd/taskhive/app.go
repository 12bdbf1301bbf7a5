package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/taskhive/agent"
	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/config"
	"github.com/c360studio/taskhive/httpapi"
	"github.com/c360studio/taskhive/monitor"
	"github.com/c360studio/taskhive/poller"
	"github.com/c360studio/taskhive/repository"
	"github.com/c360studio/taskhive/retry"
	"github.com/c360studio/taskhive/scanner"
	"github.com/c360studio/taskhive/service"
	"github.com/c360studio/taskhive/task"
)

// App wires the engine together: bus, repository, task service, retry
// controller, scanner, poller, monitor and the HTTP surface.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	bus      bus.Bus
	natsConn *nats.Conn
	repo     repository.TaskRepository
	fileRepo *repository.File

	svc     *service.TaskService
	retries *retry.Controller
	scanner *scanner.Scanner
	poller  *poller.Poller
	monitor *monitor.Monitor

	httpSrv  *http.Server
	httpDone chan struct{}
}

// NewApp creates an application from validated configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		httpDone: make(chan struct{}),
	}
}

// Start builds and starts every component. Components attach to the bus
// before the loops start so no message is missed during boot.
func (a *App) Start(ctx context.Context) error {
	if err := a.startBus(ctx); err != nil {
		return err
	}
	if err := a.startRepository(ctx); err != nil {
		return err
	}

	mon, err := monitor.New(monitor.Config{
		MaxMemoryEntries: a.cfg.Monitor.MaxMemoryEntries,
		LogDirectory:     a.cfg.Monitor.LogDirectory,
		FileRotationSize: a.cfg.Monitor.FileRotationSize,
		AlertThreshold:   a.cfg.Monitor.AlertThreshold,
		CheckInterval:    a.cfg.Monitor.CheckInterval,
	}, a.logger, a.registry)
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}
	a.monitor = mon
	a.bus.Use(mon.Hook())

	a.svc = service.New(a.repo, a.bus, nil, a.logger, a.registry)
	a.retries = retry.NewController(retry.Config{
		MaxRetries:    a.cfg.Retry.MaxRetries,
		InitialDelay:  a.cfg.Retry.InitialDelay,
		MaxDelay:      a.cfg.Retry.MaxDelay,
		BackoffFactor: a.cfg.Retry.BackoffFactor,
	}, a.logger, a.registry)
	if err := a.svc.RegisterCommandHandlers(ctx, a.retries.WrapCommand); err != nil {
		return fmt.Errorf("register command handlers: %w", err)
	}

	a.scanner = scanner.New(scanner.Config{
		Interval: a.cfg.Scanner.Interval,
		Pool:     a.cfg.Scanner.AgentPool,
	}, a.repo, a.bus, a.logger, a.registry)
	if err := a.scanner.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe scanner: %w", err)
	}

	a.poller = poller.New(poller.Config{
		Interval: a.cfg.Poller.Interval,
		AgentID:  a.cfg.Poller.AgentID,
	}, a.repo, a.bus, draftAgent{}, a.logger, a.registry)
	if err := a.poller.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe poller: %w", err)
	}

	if err := a.scanner.Start(ctx); err != nil {
		return fmt.Errorf("start scanner: %w", err)
	}
	if err := a.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	a.startHTTP()
	a.logger.Info("Taskhive ready",
		"bus", a.cfg.Bus.Type,
		"repository", a.cfg.Repository.Type,
		"listen_addr", a.cfg.HTTP.ListenAddr)
	return nil
}

func (a *App) startBus(ctx context.Context) error {
	switch a.cfg.Bus.Type {
	case config.BusNATS:
		a.bus = bus.NewNATS(bus.NATSConfig{URL: a.cfg.Bus.URL}, a.logger, a.registry)
	default:
		a.bus = bus.NewMemory(a.logger, a.registry)
	}
	if err := a.bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	return nil
}

func (a *App) startRepository(ctx context.Context) error {
	switch a.cfg.Repository.Type {
	case config.RepositoryFile:
		repo, err := repository.NewFile(a.cfg.Repository.Path, a.logger)
		if err != nil {
			return fmt.Errorf("open file repository: %w", err)
		}
		a.fileRepo = repo
		a.repo = repo
	case config.RepositoryNATS:
		// The KV store rides its own connection so storage traffic never
		// contends with the bus consumers.
		conn, err := nats.Connect(a.cfg.Bus.URL, nats.Name("taskhive-repository"))
		if err != nil {
			return fmt.Errorf("connect repository nats: %w", err)
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create jetstream context: %w", err)
		}
		repo, err := repository.NewKV(ctx, js, a.logger)
		if err != nil {
			conn.Close()
			return fmt.Errorf("open kv repository: %w", err)
		}
		a.natsConn = conn
		a.repo = repo
	default:
		a.repo = repository.NewMemory()
	}
	return nil
}

func (a *App) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", httpapi.NewHandler(a.svc, a.logger))

	a.httpSrv = &http.Server{
		Addr:              a.cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(a.httpDone)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown stops components in reverse dependency order: the HTTP surface
// first so no new work arrives, then the loops, then the bus and storage.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown", "error", err)
		}
		<-a.httpDone
	}
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.scanner != nil {
		a.scanner.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.retries != nil {
		a.retries.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Disconnect(ctx); err != nil {
			a.logger.Warn("Bus disconnect", "error", err)
		}
	}
	if a.fileRepo != nil {
		if err := a.fileRepo.Close(); err != nil {
			a.logger.Warn("Repository close", "error", err)
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	a.logger.Info("Taskhive shutdown complete")
}

// draftAgent is the built-in product-manager stand-in. It drafts a
// requirement from the task body and asks for clarification when the
// description is too thin to draft from.
type draftAgent struct{}

func (draftAgent) Process(ctx context.Context, t *task.Task) (agent.Verdict, error) {
	if strings.TrimSpace(t.Description) == "" {
		return agent.Clarification(
			"What problem should this task solve?",
			"Who is the intended user?",
		), nil
	}
	return agent.Document(agent.RequirementDraft{
		Title:    t.Title,
		Overview: t.Description,
		Sections: map[string]string{
			"goals":  t.Description,
			"source": fmt.Sprintf("Drafted from task %s.", t.TaskID),
		},
	}), nil
}
