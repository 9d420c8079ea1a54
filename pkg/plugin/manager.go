package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Registrar is the registry surface the manager drives. Satisfied by
// *registry.Registry.
type Registrar interface {
	Register(ctx context.Context, p Plugin) error
	Unregister(ctx context.Context, pluginID string) error
}

// HandlerResolver binds a manifest-declared tool to its implementation.
// Manifests declare; the host binds.
type HandlerResolver func(pluginID, toolName string) (Handler, bool)

// Manager keeps the registry in sync with a plugins directory. An
// initial Load registers everything discovered; with watching enabled,
// manifest changes load, reload, or unload plugins at runtime.
type Manager struct {
	dir       string
	registrar Registrar
	resolver  HandlerResolver
	discovery *Discovery
	watcher   *Watcher
	logger    zerolog.Logger

	// Loaded plugin ids mapped to their manifest versions
	loaded map[string]string
	mu     sync.Mutex
}

// ManagerConfig holds manager configuration
type ManagerConfig struct {
	Dir       string
	Registrar Registrar
	Resolver  HandlerResolver
	Logger    zerolog.Logger
}

// NewManager creates a new plugin manager
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("plugins dir is required")
	}
	if cfg.Registrar == nil {
		return nil, fmt.Errorf("registrar is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("handler resolver is required")
	}

	return &Manager{
		dir:       cfg.Dir,
		registrar: cfg.Registrar,
		resolver:  cfg.Resolver,
		discovery: NewDiscovery(cfg.Dir, cfg.Logger),
		logger:    cfg.Logger.With().Str("component", "plugin-manager").Logger(),
		loaded:    make(map[string]string),
	}, nil
}

// Load scans the plugins directory and registers every resolvable
// manifest. Manifests whose tools cannot all be bound are skipped, not
// fatal.
func (m *Manager) Load(ctx context.Context) error {
	return m.sync(ctx)
}

// Watch starts reacting to manifest changes until Stop is called
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := NewWatcher(m.logger, func() {
		if err := m.sync(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Plugin resync failed")
		}
	})
	if err != nil {
		return err
	}
	if err := watcher.Watch(m.dir); err != nil {
		_ = watcher.Stop()
		return err
	}
	m.watcher = watcher
	return nil
}

// Stop halts watching. Loaded plugins stay registered.
func (m *Manager) Stop() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Stop()
}

// sync diffs discovered manifests against loaded state: removed
// plugins unregister, new ones register, changed versions reload.
func (m *Manager) sync(ctx context.Context) error {
	manifests, err := m.discovery.Discover()
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(manifests))

	for _, manifest := range manifests {
		seen[manifest.ID] = true

		version, already := m.loaded[manifest.ID]
		if already && version == manifest.Version {
			continue
		}

		if already {
			if err := m.registrar.Unregister(ctx, manifest.ID); err != nil {
				m.logger.Error().Err(err).Str("plugin", manifest.ID).Msg("Failed to unregister for reload")
				continue
			}
			delete(m.loaded, manifest.ID)
		}

		p, err := m.bind(manifest)
		if err != nil {
			m.logger.Warn().Err(err).Str("plugin", manifest.ID).Msg("Skipping plugin")
			continue
		}

		if err := m.registrar.Register(ctx, p); err != nil {
			m.logger.Error().Err(err).Str("plugin", manifest.ID).Msg("Failed to register plugin")
			continue
		}

		m.loaded[manifest.ID] = manifest.Version
		m.logger.Info().
			Str("plugin", manifest.ID).
			Str("version", manifest.Version).
			Int("tools", len(manifest.Tools)).
			Msg("Plugin loaded")
	}

	for id := range m.loaded {
		if seen[id] {
			continue
		}
		if err := m.registrar.Unregister(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("plugin", id).Msg("Failed to unregister removed plugin")
			continue
		}
		delete(m.loaded, id)
		m.logger.Info().Str("plugin", id).Msg("Plugin unloaded")
	}

	return nil
}

// bind builds a native plugin from a manifest, resolving each declared
// tool to a host handler.
func (m *Manager) bind(manifest *Manifest) (Plugin, error) {
	p := NewNative(manifest.ID)
	for _, def := range manifest.Definitions() {
		handler, ok := m.resolver(manifest.ID, def.Name)
		if !ok {
			return nil, fmt.Errorf("no handler bound for tool %q", def.Name)
		}
		p.AddTool(def, handler)
	}
	return p, nil
}
