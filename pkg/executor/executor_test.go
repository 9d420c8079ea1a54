package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/plugin"
	"github.com/fikri/lumen/pkg/registry"
	"github.com/fikri/lumen/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, defs []plugin.ToolDefinition, handler plugin.Handler) (*Executor, *store.MemoryStore) {
	t.Helper()

	r := registry.New(zerolog.Nop())
	p := plugin.NewNative("test")
	for _, def := range defs {
		p.AddTool(def, handler)
	}
	require.NoError(t, r.Register(context.Background(), p))

	mem := store.NewMemoryStore()
	exec, err := New(Config{Tools: r, Store: mem, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return exec, mem
}

func call(name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:       "call-1",
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: args},
	}
}

func echoDef() plugin.ToolDefinition {
	return plugin.ToolDefinition{
		Name:        "echo",
		Description: "Echoes input",
		Parameters: []plugin.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
	}
}

func TestExecutor_Execute_Success(t *testing.T) {
	exec, mem := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
			return &plugin.ToolResult{
				Output:   args["text"].(string),
				Metadata: map[string]any{"length": len(args["text"].(string))},
			}, nil
		})

	result := exec.Execute(context.Background(), "conv-1", call("echo", `{"text":"hello"}`))

	require.True(t, result.Success())
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, 5, result.Metadata["length"])

	records := mem.Records("conv-1")
	require.Len(t, records, 1)
	assert.Equal(t, llm.RoleTool, records[0].Role)
	assert.Equal(t, "hello", records[0].Content)
	assert.Equal(t, "call-1", records[0].ToolCallID)
	assert.Equal(t, "echo", records[0].ToolName)
}

func TestExecutor_Execute_ToolNotFound(t *testing.T) {
	exec, mem := setup(t, nil, nil)

	result := exec.Execute(context.Background(), "conv-1", call("missing", `{}`))

	require.False(t, result.Success())
	assert.Contains(t, result.Err.Error(), "not found")

	// A record is persisted even when the tool does not exist
	records := mem.Records("conv-1")
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Content, "Error:")
}

func TestExecutor_Execute_InvalidJSONArguments(t *testing.T) {
	invoked := false
	exec, _ := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
			invoked = true
			return &plugin.ToolResult{}, nil
		})

	result := exec.Execute(context.Background(), "conv-1", call("echo", `{"text":`))

	require.False(t, result.Success())
	assert.Contains(t, result.Err.Error(), "Invalid JSON arguments")
	assert.False(t, invoked)
}

func TestExecutor_Execute_ValidationFailure(t *testing.T) {
	invoked := false
	exec, _ := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
			invoked = true
			return &plugin.ToolResult{}, nil
		})

	tests := []struct {
		name string
		args string
	}{
		{name: "missing required", args: `{}`},
		{name: "wrong type", args: `{"text": 42}`},
		{name: "unknown key", args: `{"text":"hi","extra":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := exec.Execute(context.Background(), "conv-1", call("echo", tt.args))
			require.False(t, result.Success())
			assert.Contains(t, result.Err.Error(), "validation")
		})
	}

	assert.False(t, invoked)
}

func TestExecutor_Execute_EnrichesConversationID(t *testing.T) {
	var seen map[string]any
	exec, _ := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
			seen = args
			return &plugin.ToolResult{Output: "ok"}, nil
		})

	result := exec.Execute(context.Background(), "conv-42", call("echo", `{"text":"hi"}`))

	require.True(t, result.Success())
	assert.Equal(t, "conv-42", seen[ConversationIDArg])
	assert.Equal(t, "hi", seen["text"])
}

func TestExecutor_Execute_PluginError(t *testing.T) {
	exec, mem := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
			return nil, errors.New("backend unavailable")
		})

	result := exec.Execute(context.Background(), "conv-1", call("echo", `{"text":"hi"}`))

	require.False(t, result.Success())
	assert.Contains(t, result.Err.Error(), "backend unavailable")

	records := mem.Records("conv-1")
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Content, "Error:")
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	def := echoDef()
	def.Timeout = 50 * time.Millisecond

	exec, _ := setup(t, []plugin.ToolDefinition{def},
		func(ctx context.Context, _ map[string]any) (*plugin.ToolResult, error) {
			select {
			case <-time.After(5 * time.Second):
				return &plugin.ToolResult{Output: "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	start := time.Now()
	result := exec.Execute(context.Background(), "conv-1", call("echo", `{"text":"hi"}`))

	require.False(t, result.Success())
	assert.Contains(t, result.Err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecutor_Execute_NonPositiveTimeoutUsesDefault(t *testing.T) {
	def := echoDef()
	def.Timeout = -1 * time.Second

	exec, _ := setup(t, []plugin.ToolDefinition{def},
		func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
			return &plugin.ToolResult{Output: "ok"}, nil
		})

	result := exec.Execute(context.Background(), "conv-1", call("echo", `{"text":"hi"}`))
	assert.True(t, result.Success())
}

func TestExecutor_Execute_TruncatesPersistedRecord(t *testing.T) {
	long := strings.Repeat("x", TruncationLimit+500)

	exec, mem := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
			return &plugin.ToolResult{Output: long}, nil
		})

	result := exec.Execute(context.Background(), "conv-1", call("echo", `{"text":"hi"}`))

	// The returned output is never truncated
	require.True(t, result.Success())
	assert.Len(t, result.Output, len(long))

	records := mem.Records("conv-1")
	require.Len(t, records, 1)
	assert.Less(t, len(records[0].Content), len(long))
	assert.Len(t, records[0].Content, TruncationLimit)
	marker := fmt.Sprintf("[Truncated: %d chars total]", len(long))
	assert.True(t, strings.HasSuffix(records[0].Content, marker))
	assert.True(t, strings.HasPrefix(records[0].Content, strings.Repeat("x", TruncationLimit-len(marker))))
}

func TestExecutor_Execute_TruncationCapsBarelyOverLimit(t *testing.T) {
	// An output only a few characters over the cap must still persist
	// shorter than the original, marker included.
	long := strings.Repeat("x", TruncationLimit+10)

	exec, mem := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
			return &plugin.ToolResult{Output: long}, nil
		})

	result := exec.Execute(context.Background(), "conv-1", call("echo", `{"text":"hi"}`))
	require.True(t, result.Success())
	assert.Len(t, result.Output, len(long))

	records := mem.Records("conv-1")
	require.Len(t, records, 1)
	assert.Less(t, len(records[0].Content), len(long))
	assert.Contains(t, records[0].Content, fmt.Sprintf("[Truncated: %d chars total]", len(long)))
}

func TestExecutor_Execute_NamespacedToolDispatchesToPlugin(t *testing.T) {
	r := registry.New(zerolog.Nop())

	def := plugin.ToolDefinition{
		Name:        "search",
		Description: "Searches",
		Parameters: []plugin.ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
		},
	}

	alpha := plugin.NewNative("alpha")
	alpha.AddTool(def, func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
		return &plugin.ToolResult{Output: "alpha result"}, nil
	})
	require.NoError(t, r.Register(context.Background(), alpha))

	beta := plugin.NewNative("beta")
	beta.AddTool(def, func(_ context.Context, _ map[string]any) (*plugin.ToolResult, error) {
		return &plugin.ToolResult{Output: "beta result"}, nil
	})
	require.NoError(t, r.Register(context.Background(), beta))

	mem := store.NewMemoryStore()
	exec, err := New(Config{Tools: r, Store: mem, Logger: zerolog.Nop()})
	require.NoError(t, err)

	// The conflicting registration runs under its namespaced name but
	// still reaches the owning plugin's handler.
	result := exec.Execute(context.Background(), "conv-1", call("beta_search", `{"query":"go"}`))
	require.True(t, result.Success())
	assert.Equal(t, "beta result", result.Output)

	result = exec.Execute(context.Background(), "conv-1", call("search", `{"query":"go"}`))
	require.True(t, result.Success())
	assert.Equal(t, "alpha result", result.Output)
}

func TestExecutor_ExecuteBatch_PreservesOrder(t *testing.T) {
	exec, mem := setup(t, []plugin.ToolDefinition{echoDef()},
		func(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
			return &plugin.ToolResult{Output: args["text"].(string)}, nil
		})

	calls := []llm.ToolCall{
		{ID: "c1", Function: llm.FunctionCall{Name: "echo", Arguments: `{"text":"first"}`}},
		{ID: "c2", Function: llm.FunctionCall{Name: "missing", Arguments: `{}`}},
		{ID: "c3", Function: llm.FunctionCall{Name: "echo", Arguments: `{"text":"third"}`}},
	}

	results := exec.ExecuteBatch(context.Background(), "conv-1", calls)

	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Output)
	assert.False(t, results[1].Success())
	assert.Equal(t, "third", results[2].Output)

	// One record per call, in call order
	records := mem.Records("conv-1")
	require.Len(t, records, 3)
	assert.Equal(t, "c1", records[0].ToolCallID)
	assert.Equal(t, "c2", records[1].ToolCallID)
	assert.Equal(t, "c3", records[2].ToolCallID)
}

func TestExecutor_Observation(t *testing.T) {
	ok := Result{Output: "fine"}
	assert.Equal(t, "fine", ok.Observation())

	failed := Result{Err: errors.New("boom")}
	assert.Equal(t, "Error: boom", failed.Observation())
}
