// Package executor runs tool calls against the registry: argument
// parsing and validation, context enrichment, a bounded time budget per
// call, and persistence of every observation. Tool failures are values,
// not errors; the loop feeds them back to the model.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/internal/tracing"
	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/plugin"
	"github.com/fikri/lumen/pkg/registry"
	"github.com/fikri/lumen/pkg/store"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultTimeout bounds a tool invocation unless the tool's own
	// definition overrides it.
	DefaultTimeout = 30 * time.Second

	// TruncationLimit caps the persisted length of a tool observation.
	// The value returned to the caller is never truncated.
	TruncationLimit = 16384

	// ConversationIDArg is the reserved argument key carrying the
	// conversation id into every tool invocation.
	ConversationIDArg = "_conversation_id"
)

// Failure kinds recorded in metrics
const (
	kindNotFound     = "not_found"
	kindBadArguments = "bad_arguments"
	kindTimeout      = "timeout"
	kindRuntime      = "runtime"
)

// Result is the outcome of a single tool call. Err is nil on success;
// a non-nil Err is a tool-level failure that the loop feeds back to the
// model as an observation.
type Result struct {
	Call     llm.ToolCall
	Output   string
	Metadata map[string]any
	Err      error
}

// Success reports whether the call succeeded
func (r Result) Success() bool {
	return r.Err == nil
}

// Observation renders the content persisted and fed back to the model
func (r Result) Observation() string {
	if r.Err != nil {
		return "Error: " + r.Err.Error()
	}
	return r.Output
}

// ToolSource resolves tool names; satisfied by *registry.Registry and
// its filtered copies.
type ToolSource interface {
	GetTool(name string) (*registry.RegisteredTool, bool)
}

// Executor executes tool calls
type Executor struct {
	tools           ToolSource
	store           store.Store
	logger          zerolog.Logger
	defaultTimeout  time.Duration
	truncationLimit int
}

// Config holds executor configuration
type Config struct {
	Tools  ToolSource
	Store  store.Store
	Logger zerolog.Logger

	// DefaultTimeout and TruncationLimit fall back to the package
	// constants when zero.
	DefaultTimeout  time.Duration
	TruncationLimit int
}

// New creates a new executor
func New(cfg Config) (*Executor, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool source is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("message store is required")
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := cfg.TruncationLimit
	if limit <= 0 {
		limit = TruncationLimit
	}

	return &Executor{
		tools:           cfg.Tools,
		store:           cfg.Store,
		logger:          cfg.Logger.With().Str("component", "executor").Logger(),
		defaultTimeout:  timeout,
		truncationLimit: limit,
	}, nil
}

// WithTools returns a copy of the executor bound to a different tool
// source. Used for delegated runs against a filtered registry.
func (e *Executor) WithTools(tools ToolSource) *Executor {
	clone := *e
	clone.tools = tools
	return &clone
}

// Execute runs a single tool call. Exactly one tool-role record is
// persisted per call, success or failure.
func (e *Executor) Execute(ctx context.Context, conversationID string, call llm.ToolCall) Result {
	logger := tracing.LoggerFromContext(ctx, e.logger).With().
		Str("conversation_id", conversationID).
		Str("tool", call.Function.Name).
		Str("call_id", call.ID).
		Logger()

	result := e.run(ctx, logger, conversationID, call)

	e.persist(ctx, logger, conversationID, call, result)

	return result
}

// ExecuteBatch runs tool calls sequentially, preserving order:
// results[i] always corresponds to calls[i]. Sequential execution keeps
// a single writer appending to the conversation's history.
func (e *Executor) ExecuteBatch(ctx context.Context, conversationID string, calls []llm.ToolCall) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.Execute(ctx, conversationID, call))
	}
	return results
}

func (e *Executor) run(ctx context.Context, logger zerolog.Logger, conversationID string, call llm.ToolCall) Result {
	name := call.Function.Name
	start := time.Now()

	tool, ok := e.tools.GetTool(name)
	if !ok {
		logger.Warn().Msg("Tool not found")
		observability.RecordToolError(name, kindNotFound)
		return Result{Call: call, Err: fmt.Errorf("tool not found: %s", name)}
	}

	args, err := parseArguments(call.Function.Arguments)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid tool arguments")
		observability.RecordToolError(name, kindBadArguments)
		return Result{Call: call, Err: fmt.Errorf("Invalid JSON arguments: %v", err)}
	}

	if err := validateArguments(tool.Schema(), args); err != nil {
		logger.Warn().Err(err).Msg("Argument validation failed")
		observability.RecordToolError(name, kindBadArguments)
		return Result{Call: call, Err: fmt.Errorf("parameter validation failed: %v", err)}
	}

	// Enrich with implicit context after validation so the strict
	// schema never sees reserved keys.
	args[ConversationIDArg] = conversationID

	timeout := e.defaultTimeout
	if tool.Definition.Timeout > 0 {
		timeout = tool.Definition.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan *plugResult, 1)

	go func() {
		output, execErr := tool.Plugin.ExecuteTool(timeoutCtx, tool.DispatchName(), args)
		resultChan <- &plugResult{output: output, err: execErr}
	}()

	select {
	case pr := <-resultChan:
		duration := time.Since(start)

		if pr.err != nil {
			logger.Warn().Dur("duration", duration).Err(pr.err).Msg("Tool execution failed")
			observability.RecordToolExecution(name, duration, false)
			observability.RecordToolError(name, kindRuntime)
			return Result{Call: call, Err: fmt.Errorf("tool %s failed: %w", name, pr.err)}
		}

		logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
		observability.RecordToolExecution(name, duration, true)

		var output string
		var metadata map[string]any
		if pr.output != nil {
			output = pr.output.Output
			metadata = pr.output.Metadata
		}
		return Result{Call: call, Output: output, Metadata: metadata}

	case <-timeoutCtx.Done():
		duration := time.Since(start)

		if ctx.Err() != nil {
			logger.Debug().Dur("duration", duration).Msg("Tool execution cancelled")
			observability.RecordToolExecution(name, duration, false)
			return Result{Call: call, Err: fmt.Errorf("tool %s cancelled: %w", name, ctx.Err())}
		}

		logger.Warn().Dur("duration", duration).Dur("timeout", timeout).Msg("Tool execution timed out")
		observability.RecordToolExecution(name, duration, false)
		observability.RecordToolError(name, kindTimeout)
		return Result{Call: call, Err: fmt.Errorf("tool %s timed out after %v", name, timeout)}
	}
}

type plugResult struct {
	output *plugin.ToolResult
	err    error
}

// persist writes the tool-role observation record, truncated at the cap
func (e *Executor) persist(ctx context.Context, logger zerolog.Logger, conversationID string, call llm.ToolCall, result Result) {
	content := truncate(result.Observation(), e.truncationLimit)

	record := store.NewRecord(conversationID, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	})

	if err := e.store.Insert(ctx, record); err != nil {
		// Persistence is fire-and-forget; a failed append never fails
		// the tool call itself.
		logger.Error().Err(err).Msg("Failed to persist tool observation")
	}
}

// truncate caps content at limit characters including the marker naming
// the original length, so the persisted form is always shorter than an
// over-limit original.
func truncate(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	marker := fmt.Sprintf("[Truncated: %d chars total]", len(content))
	keep := limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	return content[:keep] + marker
}

func parseArguments(encoded string) (map[string]any, error) {
	if encoded == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(encoded), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}
