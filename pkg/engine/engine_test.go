package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fikri/lumen/internal/config"
	"github.com/fikri/lumen/pkg/agent"
	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct{}

func (stubClient) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	return &llm.Response{
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: "stubbed"},
			FinishReason: llm.FinishStop,
		}},
	}, nil
}

func (stubClient) Provider() string { return "stub" }

func TestEngine_TurnEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()

	e, err := New(cfg, Options{Client: stubClient{}})
	require.NoError(t, err)

	p := plugin.NewNative("greeter")
	p.AddTool(plugin.ToolDefinition{
		Name:        "greet",
		Description: "Greets someone",
		Parameters: []plugin.ToolParameter{
			{Name: "who", Type: "string", Description: "Who to greet", Required: true},
		},
	}, func(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
		return &plugin.ToolResult{Output: "hello " + args["who"].(string)}, nil
	})
	require.NoError(t, e.RegisterPlugin(context.Background(), p))

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, 1, e.Registry().Count())

	result, err := e.Coordinator().Run(context.Background(), agent.RunParams{
		ConversationID: "conv-1",
		Prompt:         "say hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "stubbed", result.Content)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
}

func TestEngine_SQLiteStoreFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "lumen.db")

	e, err := New(cfg, Options{Client: stubClient{}})
	require.NoError(t, err)
	require.NotNil(t, e.sqlite)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
}

func TestEngine_PluginsDirRequiresResolver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Plugins.Dir = t.TempDir()

	_, err := New(cfg, Options{Client: stubClient{}})
	assert.Error(t, err)
}
