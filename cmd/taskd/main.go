// Taskd runs the task orchestration engine behind an HTTP API.
//
// Configuration is loaded from ~/.config/taskd/config.yaml and TASKD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults (in-memory history)
//	taskd
//
//	# Durable history on NATS JetStream and the Temporal runner
//	TASKD_STORE_BACKEND=jetstream TASKD_TEMPORAL_ENABLED=true taskd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/disclosure"
	taskhttp "github.com/fyrsmithlabs/taskd/internal/http"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/notify"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/planner"
	"github.com/fyrsmithlabs/taskd/internal/reasoning"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
	"github.com/fyrsmithlabs/taskd/internal/store"
	"github.com/fyrsmithlabs/taskd/internal/telemetry"
	"github.com/fyrsmithlabs/taskd/internal/templates"
	"github.com/fyrsmithlabs/taskd/internal/workflows"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath = flag.String("config", "", "path to config.yaml")

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  taskd           Start the task daemon\n")
			fmt.Fprintf(os.Stderr, "  taskd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("taskd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), nil)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	lg, err := logging.NewLogger(logCfg, logging.WithLoggerProvider(logglobal.GetLoggerProvider()))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	logger := lg.Underlying()

	lg.Info(ctx, "Starting taskd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("temporal", cfg.Temporal.Enabled))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := orchestrator.NewMetrics(reg)

	rc, err := newReasoningClient(cfg.Reasoning, logger, metrics)
	if err != nil {
		return err
	}

	tools := agent.NewLocalToolChain(
		agent.WithToolTimeout(cfg.Engine.ToolTimeout.Duration()),
		agent.WithToolRateLimit(cfg.Engine.ToolRateLimit, int(cfg.Engine.ToolRateLimit)),
	)
	builtinTools(tools, time.Now)
	agents, err := agent.NewRegistry(builtinAgents(rc)...)
	if err != nil {
		return fmt.Errorf("failed to register agents: %w", err)
	}

	allow, err := secrets.LoadAllowList(cfg.Engine.SecretsAllowList)
	if err != nil {
		return fmt.Errorf("failed to load secrets allow list: %w", err)
	}
	scrubber, err := secrets.New(secrets.WithAllowList(allow...))
	if err != nil {
		return fmt.Errorf("failed to load secret detector: %w", err)
	}

	engine, err := orchestrator.New(deps.store, agents,
		planner.NewGenerator(rc, planner.WithLogger(logger), planner.WithVersion(version)),
		disclosure.NewOptimizer(rc, disclosure.WithLogger(logger)),
		orchestrator.WithConfig(orchestrator.Config{
			AgentTimeout: cfg.Engine.AgentTimeout.Duration(),
			AutoResume:   cfg.Engine.AutoResume,
			AutoSkip:     cfg.Engine.AutoSkip,
			Version:      version,
		}),
		orchestrator.WithTools(tools),
		orchestrator.WithPublisher(deps.publisher),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tel.Tracer(orchestrator.Component)),
		orchestrator.WithScrubber(scrubber),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	catalog, err := loadCatalog(ctx, cfg.Templates, logger)
	if err != nil {
		return err
	}

	opts := []taskhttp.Option{taskhttp.WithGatherer(reg), taskhttp.WithMetrics(taskhttp.NewHTTPMetrics(reg))}
	if cfg.Temporal.Enabled {
		tc, stopWorker, err := startWorker(cfg.Temporal, engine, logger)
		if err != nil {
			return err
		}
		defer stopWorker()
		opts = append(opts, taskhttp.WithWorkflows(tc, cfg.Temporal.TaskQueue))
	}

	var tmpls taskhttp.Templates
	if catalog != nil {
		tmpls = catalog
	}
	srv, err := taskhttp.NewServer(engine, tmpls, logger, &taskhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// dependencies holds the infrastructure the engine runs on.
type dependencies struct {
	natsConn  *nats.Conn
	store     store.Store
	publisher notify.Publisher
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

// initDependencies selects the history backend and notification sink.
// NATS is only dialled for the jetstream backend.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{publisher: notify.Nop{}}

	var base store.Store
	switch cfg.Store.Backend {
	case config.BackendJetStream:
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("taskd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.ReconnectWait(cfg.NATS.ReconnectWait.Duration()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		deps.natsConn = nc
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

		js, err := store.NewJetStreamStore(nc, store.JetStreamConfig{
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Replicas:      cfg.NATS.Replicas,
		}, logger)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to open history stream: %w", err)
		}
		base = js
		deps.publisher = notify.NewNATSPublisher(nc, cfg.NATS.NotifyPrefix, logger)
	default:
		base = store.NewMemoryStore()
	}

	cached, err := store.NewCached(base, cfg.Store.CacheSize)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}
	deps.store = cached
	return deps, nil
}

// newReasoningClient builds the retrying reasoning client. Retries are
// counted in Prometheus and, when telemetry is on, in OTLP metrics.
func newReasoningClient(cfg config.ReasoningConfig, logger *zap.Logger, metrics *orchestrator.Metrics) (reasoning.Client, error) {
	if cfg.Provider != "openai" {
		return nil, fmt.Errorf("unsupported reasoning provider %q", cfg.Provider)
	}
	base, err := reasoning.NewOpenAIClient(reasoning.OpenAIConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		APIKey:  cfg.APIKey.Value(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoning client: %w", err)
	}

	otelRetries, err := telemetry.NewReasoningMetrics(otel.Meter("github.com/fyrsmithlabs/taskd/internal/reasoning"))
	if err != nil {
		return nil, err
	}
	observe := func(purpose string, attempt int, err error) {
		metrics.ObserveRetry(purpose, attempt, err)
		otelRetries.Observe(purpose, attempt, err)
	}

	return reasoning.NewRetrying(base, reasoning.RetryConfig{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialBackoff.Duration(),
		MaxInterval:     cfg.MaxBackoff.Duration(),
		AttemptTimeout:  cfg.Timeout.Duration(),
		RatePerSecond:   cfg.RatePerSecond,
		Burst:           cfg.Burst,
	}, reasoning.WithLogger(logger), reasoning.WithRetryObserver(observe)), nil
}

// loadCatalog loads the template directory, if one is configured, and
// watches it for changes. A failed reload keeps the previous templates.
func loadCatalog(ctx context.Context, cfg config.TemplatesConfig, logger *zap.Logger) (*templates.Catalog, error) {
	if cfg.Dir == "" {
		logger.Info("No template directory configured; only inline templates are accepted")
		return nil, nil
	}
	catalog, err := templates.Load(cfg.Dir,
		templates.WithLogger(logger),
		templates.WithOnReload(func(err error) {
			if err != nil {
				logger.Warn("Template reload failed", zap.Error(err))
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	logger.Info("Templates loaded", zap.String("dir", cfg.Dir), zap.Int("count", len(catalog.List())))

	if cfg.Watch {
		go func() {
			if err := catalog.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Template watcher stopped", zap.Error(err))
			}
		}()
	}
	return catalog, nil
}

// startWorker connects to Temporal and runs the task worker in the
// background. The returned func stops the worker and closes the client.
func startWorker(cfg config.TemporalConfig, engine *orchestrator.Engine, logger *zap.Logger) (client.Client, func(), error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	logger.Info("Temporal client connected", zap.String("host", cfg.HostPort), zap.String("namespace", cfg.Namespace))

	w := workflows.NewWorker(c, cfg.TaskQueue, workflows.NewActivities(engine))
	if err := w.Start(); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("failed to start Temporal worker: %w", err)
	}
	logger.Info("Worker started", zap.String("task_queue", cfg.TaskQueue))

	return c, func() {
		w.Stop()
		c.Close()
	}, nil
}
