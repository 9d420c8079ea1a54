// Package plugin defines the contract between the execution engine and
// the components that implement tools. The engine is agnostic to what
// backs a plugin: an in-process handler table, a sandboxed script
// runtime, or an out-of-process worker all satisfy the same interface.
package plugin

import (
	"context"
	"time"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	// Timeout overrides the executor's default time budget when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Category gates visibility; empty means always visible.
	Category string `json:"category,omitempty"`
}

// ToolResult is a successful tool outcome. Failures are ordinary Go
// errors returned alongside a nil result.
type ToolResult struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Plugin is implemented by anything that can host tools
type Plugin interface {
	// ID returns the plugin's unique identifier
	ID() string

	// Tools returns the definitions of all tools this plugin provides
	Tools() []ToolDefinition

	// ExecuteTool executes one of the plugin's tools
	ExecuteTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// OnLoad is called when the plugin is registered
	OnLoad(ctx context.Context) error

	// OnUnload is called when the plugin is unregistered
	OnUnload(ctx context.Context) error
}
