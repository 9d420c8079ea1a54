package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/fikri/lumen/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
	return &plugin.ToolResult{Output: "ok"}, nil
}

func stringParam(name string) plugin.ToolParameter {
	return plugin.ToolParameter{
		Name:        name,
		Type:        "string",
		Description: "A " + name,
		Required:    true,
	}
}

func testPlugin(id string, defs ...plugin.ToolDefinition) *plugin.NativePlugin {
	p := plugin.NewNative(id)
	for _, def := range defs {
		p.AddTool(def, echoHandler)
	}
	return p
}

func TestRegistry_Register(t *testing.T) {
	r := New(zerolog.Nop())

	p := testPlugin("calc", plugin.ToolDefinition{
		Name:        "add",
		Description: "Adds two numbers",
		Parameters:  []plugin.ToolParameter{stringParam("a"), stringParam("b")},
	})

	err := r.Register(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, r.HasTool("add"))
	assert.Equal(t, 1, r.Count())

	tool, ok := r.GetTool("add")
	require.True(t, ok)
	assert.Equal(t, "calc", tool.PluginID)
	assert.Equal(t, "add", tool.Name())
	assert.NotNil(t, tool.Schema())
}

func TestRegistry_Register_InvalidDefinition(t *testing.T) {
	tests := []struct {
		name string
		def  plugin.ToolDefinition
	}{
		{
			name: "empty name",
			def:  plugin.ToolDefinition{Description: "Test"},
		},
		{
			name: "empty description",
			def:  plugin.ToolDefinition{Name: "test"},
		},
		{
			name: "reserved name",
			def:  plugin.ToolDefinition{Name: ReservedToolName, Description: "Test"},
		},
		{
			name: "invalid parameter type",
			def: plugin.ToolDefinition{
				Name:        "test",
				Description: "Test",
				Parameters: []plugin.ToolParameter{
					{Name: "x", Type: "tuple", Description: "Bad type"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(zerolog.Nop())
			err := r.Register(context.Background(), testPlugin("p", tt.def))
			assert.Error(t, err)
			assert.Equal(t, 0, r.Count())
		})
	}
}

func TestRegistry_Register_NameConflictNamespaced(t *testing.T) {
	r := New(zerolog.Nop())
	ctx := context.Background()

	def := plugin.ToolDefinition{Name: "search", Description: "Searches"}

	require.NoError(t, r.Register(ctx, testPlugin("alpha", def)))
	require.NoError(t, r.Register(ctx, testPlugin("beta", def)))

	assert.True(t, r.HasTool("search"))
	assert.True(t, r.HasTool("beta_search"))

	first, _ := r.GetTool("search")
	second, _ := r.GetTool("beta_search")
	assert.Equal(t, "alpha", first.PluginID)
	assert.Equal(t, "beta", second.PluginID)

	// Dispatch still uses the name the owning plugin registered
	assert.Equal(t, "search", first.DispatchName())
	assert.Equal(t, "search", second.DispatchName())
	assert.Equal(t, "beta_search", second.Name())
}

func TestRegistry_Register_OnLoadFailureRegistersNothing(t *testing.T) {
	r := New(zerolog.Nop())

	p := testPlugin("broken", plugin.ToolDefinition{Name: "noop", Description: "Does nothing"})
	p.OnLoadFunc(func(ctx context.Context) error {
		return errors.New("load failed")
	})

	err := r.Register(context.Background(), p)
	assert.Error(t, err)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_Unregister(t *testing.T) {
	r := New(zerolog.Nop())
	ctx := context.Background()

	unloaded := false
	p := testPlugin("calc",
		plugin.ToolDefinition{Name: "add", Description: "Adds"},
		plugin.ToolDefinition{Name: "sub", Description: "Subtracts"},
	)
	p.OnUnloadFunc(func(ctx context.Context) error {
		unloaded = true
		return nil
	})

	require.NoError(t, r.Register(ctx, p))
	require.Equal(t, 2, r.Count())

	require.NoError(t, r.Unregister(ctx, "calc"))
	assert.Equal(t, 0, r.Count())
	assert.True(t, unloaded)

	// Unknown plugin is a no-op
	assert.NoError(t, r.Unregister(ctx, "ghost"))
}

func TestRegistry_EnableDisable(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.Register(context.Background(), testPlugin("calc",
		plugin.ToolDefinition{Name: "add", Description: "Adds"},
	)))

	require.NoError(t, r.Disable("add"))
	visible := r.Visible(nil, nil)
	assert.Empty(t, visible)

	require.NoError(t, r.Enable("add"))
	visible = r.Visible(nil, nil)
	assert.Len(t, visible, 1)

	assert.Error(t, r.Disable("missing"))
}

func TestRegistry_Visible_Categories(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.Register(context.Background(), testPlugin("mix",
		plugin.ToolDefinition{Name: "always", Description: "Always visible"},
		plugin.ToolDefinition{Name: "fetch", Description: "Fetches", Category: "web"},
		plugin.ToolDefinition{Name: "query", Description: "Queries", Category: "db"},
	)))

	names := func(tools []*RegisteredTool) []string {
		out := make([]string, 0, len(tools))
		for _, rt := range tools {
			out = append(out, rt.Name())
		}
		return out
	}

	assert.Equal(t, []string{"always"}, names(r.Visible(nil, nil)))
	assert.Equal(t, []string{"always", "fetch"}, names(r.Visible([]string{"web"}, nil)))
	assert.Equal(t, []string{"always", "fetch", "query"}, names(r.Visible([]string{"web", "db"}, nil)))

	cats := r.Categories()
	assert.ElementsMatch(t, []string{"web", "db"}, cats)
}

func TestRegistry_Visible_AllowList(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.Register(context.Background(), testPlugin("mix",
		plugin.ToolDefinition{Name: "alpha", Description: "First"},
		plugin.ToolDefinition{Name: "beta", Description: "Second"},
	)))

	// Nil allow-list means unrestricted
	assert.Len(t, r.Visible(nil, nil), 2)

	// Empty non-nil allow-list denies everything
	assert.Empty(t, r.Visible(nil, []string{}))

	visible := r.Visible(nil, []string{"beta"})
	require.Len(t, visible, 1)
	assert.Equal(t, "beta", visible[0].Name())
}

func TestRegistry_CopyFiltered(t *testing.T) {
	r := New(zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, testPlugin("mix",
		plugin.ToolDefinition{Name: "safe", Description: "Safe"},
		plugin.ToolDefinition{Name: "risky", Description: "Risky", Category: "danger"},
	)))

	filtered := r.CopyFiltered(func(rt *RegisteredTool) bool {
		return rt.Category() == ""
	})

	assert.True(t, filtered.HasTool("safe"))
	assert.False(t, filtered.HasTool("risky"))

	// The copy is isolated from later changes to the original
	require.NoError(t, r.Unregister(ctx, "mix"))
	assert.True(t, filtered.HasTool("safe"))
}

func TestSpecs(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.Register(context.Background(), testPlugin("calc",
		plugin.ToolDefinition{
			Name:        "add",
			Description: "Adds two numbers",
			Parameters:  []plugin.ToolParameter{stringParam("a")},
		},
	)))

	specs := Specs(r.Visible(nil, nil))
	require.Len(t, specs, 1)
	assert.Equal(t, "function", specs[0].Type)
	assert.Equal(t, "add", specs[0].Function.Name)

	props, ok := specs[0].Function.Parameters["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "a")

	assert.Nil(t, Specs(nil))
}
