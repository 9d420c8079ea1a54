package plugin

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the function signature for native tool execution
type Handler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// NativePlugin hosts tools as in-process handler functions. It is the
// simplest Plugin backend and the one used by the engine's own tests.
type NativePlugin struct {
	id       string
	defs     []ToolDefinition
	handlers map[string]Handler
	onLoad   func(ctx context.Context) error
	onUnload func(ctx context.Context) error
	mu       sync.RWMutex
}

// NewNative creates a native plugin with the given identifier
func NewNative(id string) *NativePlugin {
	return &NativePlugin{
		id:       id,
		handlers: make(map[string]Handler),
	}
}

// AddTool registers a tool definition with its handler. Returns the
// plugin for chaining.
func (p *NativePlugin) AddTool(def ToolDefinition, handler Handler) *NativePlugin {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.defs = append(p.defs, def)
	p.handlers[def.Name] = handler
	return p
}

// OnLoadFunc sets an optional load hook
func (p *NativePlugin) OnLoadFunc(fn func(ctx context.Context) error) *NativePlugin {
	p.onLoad = fn
	return p
}

// OnUnloadFunc sets an optional unload hook
func (p *NativePlugin) OnUnloadFunc(fn func(ctx context.Context) error) *NativePlugin {
	p.onUnload = fn
	return p
}

// ID returns the plugin identifier
func (p *NativePlugin) ID() string {
	return p.id
}

// Tools returns the plugin's tool definitions
func (p *NativePlugin) Tools() []ToolDefinition {
	p.mu.RLock()
	defer p.mu.RUnlock()

	defs := make([]ToolDefinition, len(p.defs))
	copy(defs, p.defs)
	return defs
}

// ExecuteTool dispatches to the named handler
func (p *NativePlugin) ExecuteTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	p.mu.RLock()
	handler, ok := p.handlers[name]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("plugin %s has no tool %s", p.id, name)
	}

	return handler(ctx, args)
}

// OnLoad runs the load hook if set
func (p *NativePlugin) OnLoad(ctx context.Context) error {
	if p.onLoad != nil {
		return p.onLoad(ctx)
	}
	return nil
}

// OnUnload runs the unload hook if set
func (p *NativePlugin) OnUnload(ctx context.Context) error {
	if p.onUnload != nil {
		return p.onUnload(ctx)
	}
	return nil
}
