// Package engine assembles the execution stack in dependency order:
// store, registry, executor, queue, coordinator, and the optional
// plugin manager and state stream service. Hosts embed the engine and
// talk to the coordinator.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fikri/lumen/internal/config"
	"github.com/fikri/lumen/internal/logger"
	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/internal/tracing"
	"github.com/fikri/lumen/pkg/agent"
	"github.com/fikri/lumen/pkg/commandqueue"
	"github.com/fikri/lumen/pkg/executor"
	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/plugin"
	"github.com/fikri/lumen/pkg/registry"
	"github.com/fikri/lumen/pkg/store"
	"github.com/fikri/lumen/pkg/stream"
)

// Engine owns the wired execution stack
type Engine struct {
	config      *config.Config
	logger      *logger.Logger
	queue       *commandqueue.Queue
	store       agent.History
	registry    *registry.Registry
	executor    *executor.Executor
	coordinator *agent.Coordinator
	plugins     *plugin.Manager
	streamSrv   *stream.Server

	sqlite  *store.SQLiteStore
	tracing bool
}

// Options carries host-supplied collaborators. Client overrides the
// configured provider; Resolver binds manifest-declared tools and is
// required only when a plugins dir is configured.
type Options struct {
	Client   llm.Client
	Resolver plugin.HandlerResolver
}

// New wires an engine from configuration
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := log.GetZerolog()

	observability.EnsureRegistered()

	e := &Engine{config: cfg, logger: log}

	if err := tracing.InitOpenTelemetry("lumen"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		e.tracing = true
	}

	if cfg.Store.Path != "" {
		sqlite, err := store.NewSQLiteStore(cfg.Store.Path, zl)
		if err != nil {
			return nil, fmt.Errorf("failed to open message store: %w", err)
		}
		e.sqlite = sqlite
		e.store = sqlite
		log.Info().Str("path", cfg.Store.Path).Msg("Message store opened")
	} else {
		e.store = store.NewMemoryStore()
		log.Info().Msg("Using in-memory message store")
	}

	e.registry = registry.New(zl)

	exec, err := executor.New(executor.Config{
		Tools:           e.registry,
		Store:           e.store,
		Logger:          zl,
		DefaultTimeout:  cfg.Executor.DefaultTimeout,
		TruncationLimit: cfg.Executor.TruncationLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	e.executor = exec

	client := opts.Client
	if client == nil {
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("LUMEN_LLM_API_KEY")
		}
		factory := &llm.Factory{}
		client, err = factory.NewClient(cfg.LLM.Provider, apiKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
	}

	e.queue = commandqueue.New()

	coordinator, err := agent.New(agent.Config{
		Registry: e.registry,
		Executor: exec,
		Client:   client,
		Store:    e.store,
		Queue:    e.queue,
		Logger:   zl,
		Settings: cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	e.coordinator = coordinator

	if cfg.Plugins.Dir != "" {
		if opts.Resolver == nil {
			return nil, fmt.Errorf("plugins dir configured but no handler resolver supplied")
		}
		manager, err := plugin.NewManager(plugin.ManagerConfig{
			Dir:       cfg.Plugins.Dir,
			Registrar: e.registry,
			Resolver:  opts.Resolver,
			Logger:    zl,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create plugin manager: %w", err)
		}
		e.plugins = manager
	}

	if cfg.Stream.Addr != "" {
		srv, err := stream.NewServer(stream.Config{
			Addr:        cfg.Stream.Addr,
			Coordinator: coordinator,
			Logger:      zl,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream server: %w", err)
		}
		e.streamSrv = srv
	}

	return e, nil
}

// Start loads plugins and launches optional services
func (e *Engine) Start(ctx context.Context) error {
	if e.plugins != nil {
		if err := e.plugins.Load(ctx); err != nil {
			return fmt.Errorf("failed to load plugins: %w", err)
		}
		if e.config.Plugins.Watch {
			if err := e.plugins.Watch(ctx); err != nil {
				return fmt.Errorf("failed to watch plugins dir: %w", err)
			}
		}
	}

	if e.streamSrv != nil {
		go func() {
			if err := e.streamSrv.Start(); err != nil {
				e.logger.Error().Err(err).Msg("Stream server exited")
			}
		}()
	}

	e.logger.Info().Int("tools", e.registry.Count()).Msg("Engine started")
	return nil
}

// Coordinator returns the turn coordinator
func (e *Engine) Coordinator() *agent.Coordinator {
	return e.coordinator
}

// Registry returns the tool registry
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// RegisterPlugin registers a host-provided plugin directly
func (e *Engine) RegisterPlugin(ctx context.Context, p plugin.Plugin) error {
	return e.registry.Register(ctx, p)
}

// Shutdown stops services and waits for in-flight turns to drain
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.plugins != nil {
		if err := e.plugins.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("Plugin watcher stop failed")
		}
	}

	if e.streamSrv != nil {
		if err := e.streamSrv.Stop(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Stream server stop failed")
		}
	}

	deadline := 30 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	e.queue.WaitForActive(deadline)

	if err := e.queue.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Queue close failed")
	}

	if e.sqlite != nil {
		if err := e.sqlite.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Store close failed")
		}
	}

	if e.tracing {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}

	e.logger.Info().Msg("Engine stopped")
	return e.logger.Close()
}
