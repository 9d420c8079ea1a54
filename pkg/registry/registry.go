// Package registry holds tool definitions and their owning plugins, and
// computes the tool views presented to a model. The base registry is
// process-scoped mutable state; per-conversation visibility (activated
// categories, allow-lists) stays out of it and is supplied per call.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// RegisteredTool is a tool definition bound to its owning plugin
type RegisteredTool struct {
	PluginID   string
	Definition plugin.ToolDefinition
	Plugin     plugin.Plugin
	Enabled    bool

	// SourceName is the name the owning plugin knows the tool by. It
	// differs from Definition.Name when a conflict was namespaced.
	SourceName string

	schema *gojsonschema.Schema
}

// Name returns the registered (possibly namespaced) tool name
func (rt *RegisteredTool) Name() string {
	return rt.Definition.Name
}

// DispatchName returns the name to invoke on the owning plugin
func (rt *RegisteredTool) DispatchName() string {
	if rt.SourceName != "" {
		return rt.SourceName
	}
	return rt.Definition.Name
}

// Category returns the tool's category; empty means always visible
func (rt *RegisteredTool) Category() string {
	return rt.Definition.Category
}

// Schema returns the compiled argument schema
func (rt *RegisteredTool) Schema() *gojsonschema.Schema {
	return rt.schema
}

// ParameterSchema builds the JSON-schema object describing the tool's
// arguments, in the shape sent to the model.
func (rt *RegisteredTool) ParameterSchema() map[string]any {
	return parameterSchema(rt.Definition, false)
}

// ReservedToolName is claimed by the coordinator for category
// activation; plugins cannot register a tool under it.
const ReservedToolName = "activate_category"

// Registry manages registered tools keyed by name
type Registry struct {
	tools  map[string]*RegisteredTool
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New creates an empty registry
func New(logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()

	return &Registry{
		tools:  make(map[string]*RegisteredTool),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds all of a plugin's tools, keyed by name. A name already
// taken by another plugin is namespaced as "<pluginID>_<name>" rather
// than silently overwritten. The plugin's OnLoad hook runs first; a
// load failure registers nothing.
func (r *Registry) Register(ctx context.Context, p plugin.Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin cannot be nil")
	}

	defs := p.Tools()
	for _, def := range defs {
		if err := validateDefinition(def); err != nil {
			return fmt.Errorf("invalid tool definition %q: %w", def.Name, err)
		}
	}

	if err := p.OnLoad(ctx); err != nil {
		return fmt.Errorf("plugin %s load failed: %w", p.ID(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range defs {
		name := def.Name
		source := def.Name
		if existing, taken := r.tools[name]; taken {
			if existing.PluginID == p.ID() {
				return fmt.Errorf("plugin %s registers tool %q twice", p.ID(), name)
			}
			namespaced := p.ID() + "_" + name
			r.logger.Warn().
				Str("original_name", name).
				Str("namespaced_name", namespaced).
				Str("plugin", p.ID()).
				Msg("Tool name conflict resolved by namespacing")
			name = namespaced
		}

		def.Name = name
		schema, err := compileSchema(def)
		if err != nil {
			return fmt.Errorf("failed to compile schema for %q: %w", name, err)
		}

		r.tools[name] = &RegisteredTool{
			PluginID:   p.ID(),
			Definition: def,
			Plugin:     p,
			Enabled:    true,
			SourceName: source,
			schema:     schema,
		}

		r.logger.Info().
			Str("tool", name).
			Str("plugin", p.ID()).
			Str("category", def.Category).
			Msg("Tool registered")
	}

	observability.SetRegisteredTools(len(r.tools))

	return nil
}

// Unregister removes all tools owned by a plugin and runs its OnUnload
// hook. Unknown plugin ids are a no-op.
func (r *Registry) Unregister(ctx context.Context, pluginID string) error {
	r.mu.Lock()

	var owner plugin.Plugin
	removed := 0
	for name, rt := range r.tools {
		if rt.PluginID == pluginID {
			owner = rt.Plugin
			delete(r.tools, name)
			removed++
		}
	}
	count := len(r.tools)
	r.mu.Unlock()

	if removed == 0 {
		return nil
	}

	observability.SetRegisteredTools(count)
	r.logger.Info().Str("plugin", pluginID).Int("tools", removed).Msg("Plugin unregistered")

	if owner != nil {
		if err := owner.OnUnload(ctx); err != nil {
			return fmt.Errorf("plugin %s unload failed: %w", pluginID, err)
		}
	}

	return nil
}

// GetTool returns a registered tool by name
func (r *Registry) GetTool(name string) (*RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	return rt, ok
}

// HasTool checks whether a tool is registered
func (r *Registry) HasTool(name string) bool {
	_, ok := r.GetTool(name)
	return ok
}

// Enable marks a tool as enabled
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable marks a tool as disabled; disabled tools never appear in a view
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	rt.Enabled = enabled
	return nil
}

// List returns all registered tool names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Categories returns the distinct non-empty categories of registered
// tools, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	for _, rt := range r.tools {
		if rt.Definition.Category != "" {
			set[rt.Definition.Category] = true
		}
	}

	cats := make([]string, 0, len(set))
	for cat := range set {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// CopyFiltered produces an isolated derived registry containing only the
// tools the predicate accepts. Mutations of the copy never touch the
// parent; plugin handles are shared.
func (r *Registry) CopyFiltered(pred func(*RegisteredTool) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	derived := &Registry{
		tools:  make(map[string]*RegisteredTool),
		logger: r.logger,
	}

	for name, rt := range r.tools {
		if pred != nil && !pred(rt) {
			continue
		}
		clone := *rt
		derived.tools[name] = &clone
	}

	return derived
}

func validateDefinition(def plugin.ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Name == ReservedToolName {
		return fmt.Errorf("tool name %q is reserved", def.Name)
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// parameterSchema builds the JSON-schema object for a definition. With
// strict set, additional properties are rejected; the strict form backs
// argument validation while the lax form is what the model sees, since
// the executor enriches arguments with context keys after validation.
func parameterSchema(def plugin.ToolDefinition, strict bool) map[string]any {
	properties := make(map[string]any)
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if strict {
		schema["additionalProperties"] = false
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

func compileSchema(def plugin.ToolDefinition) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewGoLoader(parameterSchema(def, true))
	return gojsonschema.NewSchema(loader)
}
