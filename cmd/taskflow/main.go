// Package main is the entry point for the taskflow service.
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

	"golang.org/x/sync/errgroup"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/agent"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/api"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/auth"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/config"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/debug"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/definitions"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("taskflow exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Info("starting taskflow",
		slog.String("port", cfg.Port),
		slog.String("eventstore", cfg.EventStoreType),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(), logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	store, err := openEventStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	defs, err := openDefinitionStore(cfg, logger)
	if err != nil {
		return err
	}
	defer defs.Close()

	audit := policy.NewAuditLog(logger)
	agents, gate, err := loadCatalog(cfg, audit, logger)
	if err != nil {
		return err
	}

	var arch archive.Archiver
	if cfg.ArchiveEnabled {
		s3, err := archive.NewS3Archiver(cfg.S3())
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		arch = s3
		logger.Info("archiving finished workflows",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("prefix", cfg.S3Prefix),
		)
	}

	bus := eventlog.NewBus()
	defer bus.Close()

	opts := []orchestrator.Option{
		orchestrator.WithBus(bus),
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(tp.Tracer()),
	}
	if arch != nil {
		opts = append(opts, orchestrator.WithArchiver(arch))
	}
	orch := orchestrator.New(store, agents, gate, cfg.Orchestrator(), opts...)

	logger.Info("orchestrator initialized",
		slog.Int("max_parallelism", cfg.MaxParallelism),
		slog.Int("per_agent_concurrency", cfg.PerAgentConcurrency),
		slog.Int("default_max_attempts", cfg.DefaultMaxAttempts),
		slog.Any("agents", agents.List()),
	)

	resumeUnfinished(ctx, orch, logger)

	handlers := api.NewHandlers(orch, bus, defs, debug.NewInspector(store, arch), audit, cfg, logger)
	server := api.NewServer(handlers)
	defer server.Close()

	if cfg.AuthEnabled {
		provider, err := auth.NewProvider(ctx, cfg.Auth())
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		server.RequireAuth(auth.NewMiddleware(provider, &auth.MiddlewareConfig{
			RequiredRoles: cfg.AuthRequiredRoles,
			Audit:         audit,
			OnError:       api.AuthErrorWriter,
			Logger:        logger,
		}))
		logger.Info("OIDC authentication enabled",
			slog.String("issuer", cfg.OIDCIssuerURL),
			slog.Any("required_roles", cfg.AuthRequiredRoles),
		)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		// Stop the engine, then end open event streams so the server can
		// drain. Interrupted workflows resume on the next start.
		var errs []error
		if err := orch.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
		bus.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func openEventStore(cfg *config.Config, logger *slog.Logger) (eventlog.Store, error) {
	var store eventlog.Store
	switch cfg.EventStoreType {
	case "redis":
		redisStore, err := eventlog.NewRedisStore(cfg.Redis(), nil, logger)
		if err != nil {
			return nil, fmt.Errorf("redis event store: %w", err)
		}
		store = redisStore
		logger.Info("using Redis event store", slog.String("url", cfg.RedisURL))
	case "sqlite":
		sqlStore, err := eventlog.NewSQLStore(cfg.SQLitePath, nil)
		if err != nil {
			return nil, fmt.Errorf("sqlite event store: %w", err)
		}
		store = sqlStore
		logger.Info("using SQLite event store", slog.String("path", cfg.SQLitePath))
	default:
		store = eventlog.NewMemoryStore(nil)
		logger.Info("using in-memory event store")
	}
	return eventlog.NewRecorder(store, cfg.EventStoreType), nil
}

func openDefinitionStore(cfg *config.Config, logger *slog.Logger) (definitions.Store, error) {
	if cfg.DefinitionStoreType == "redis" {
		store, err := definitions.NewRedisStore(cfg.RedisURL, cfg.RedisPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("redis definition store: %w", err)
		}
		logger.Info("using Redis definition store")
		return store, nil
	}
	return definitions.NewMemoryStore(), nil
}

// loadCatalog builds agents and the policy gate from the catalog file. Without
// one, a single echo agent is registered and every task is accepted.
func loadCatalog(cfg *config.Config, audit *policy.AuditLog, logger *slog.Logger) (*agent.Registry, *policy.Gate, error) {
	if cfg.CatalogPath == "" {
		reg, err := agent.NewRegistry(agent.NewFuncAgent("echo", echo, agent.WithLogger(logger)))
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("no catalog configured; only the echo agent is available")
		return reg, nil, nil
	}

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, nil, err
	}
	reg, err := agent.NewRegistry(catalog.BuildAgents(logger)...)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog agents: %w", err)
	}
	gate, err := catalog.BuildGate(audit, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog policy: %w", err)
	}
	logger.Info("catalog loaded",
		slog.String("path", cfg.CatalogPath),
		slog.Int("agents", len(catalog.Agents)),
		slog.Int("schemas", len(catalog.Schemas)),
	)
	return reg, gate, nil
}

func echo(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"task_type": taskType, "params": params}, nil
}

// resumeUnfinished restarts every workflow whose log has no terminal event.
func resumeUnfinished(ctx context.Context, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	ids, err := orch.Store().Workflows(ctx)
	if err != nil {
		logger.Error("failed to list workflows for resume", "error", err)
		return
	}
	resumed := 0
	for _, id := range ids {
		h, err := orch.ResumeWorkflow(ctx, id)
		if err != nil {
			logger.Error("failed to resume workflow", slog.String("workflow_id", id), slog.Any("error", err))
			continue
		}
		if !h.Snapshot().Status.IsTerminal() {
			resumed++
		}
	}
	if resumed > 0 {
		logger.Info("resumed unfinished workflows", slog.Int("count", resumed))
	}
}
