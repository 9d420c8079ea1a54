package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calcManifest = `{
	"id": "calc",
	"name": "Calculator",
	"version": "1.0.0",
	"tools": [
		{
			"name": "add",
			"description": "Adds two numbers",
			"parameters": [
				{"name": "a", "type": "number", "description": "First operand", "required": true},
				{"name": "b", "type": "number", "description": "Second operand", "required": true}
			]
		}
	]
}`

// fakeRegistrar records register and unregister calls
type fakeRegistrar struct {
	registered   map[string]Plugin
	unregistered []string
	mu           sync.Mutex
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: make(map[string]Plugin)}
}

func (f *fakeRegistrar) Register(_ context.Context, p Plugin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[p.ID()] = p
	return nil
}

func (f *fakeRegistrar) Unregister(_ context.Context, pluginID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, pluginID)
	f.unregistered = append(f.unregistered, pluginID)
	return nil
}

func allowAll(_, _ string) (Handler, bool) {
	return func(_ context.Context, _ map[string]any) (*ToolResult, error) {
		return &ToolResult{Output: "ok"}, nil
	}, true
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newManager(t *testing.T, dir string, reg Registrar, resolver HandlerResolver) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Dir:       dir,
		Registrar: reg,
		Resolver:  resolver,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func TestManager_Load(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "calc.json", calcManifest)

	reg := newFakeRegistrar()
	m := newManager(t, dir, reg, allowAll)

	require.NoError(t, m.Load(context.Background()))

	p, ok := reg.registered["calc"]
	require.True(t, ok)
	require.Len(t, p.Tools(), 1)
	assert.Equal(t, "add", p.Tools()[0].Name)
}

func TestManager_Load_UnresolvableToolSkipsPlugin(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "calc.json", calcManifest)

	reg := newFakeRegistrar()
	m := newManager(t, dir, reg, func(_, _ string) (Handler, bool) {
		return nil, false
	})

	require.NoError(t, m.Load(context.Background()))
	assert.Empty(t, reg.registered)
}

func TestManager_Sync_ReloadsOnVersionChange(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "calc.json", calcManifest)

	reg := newFakeRegistrar()
	m := newManager(t, dir, reg, allowAll)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx))

	// Same version: no churn
	require.NoError(t, m.Load(ctx))
	assert.Empty(t, reg.unregistered)

	updated := "{\n\t\"id\": \"calc\",\n\t\"name\": \"Calculator\",\n\t\"version\": \"2.0.0\",\n\t\"tools\": [\n\t\t{\"name\": \"add\", \"description\": \"Adds two numbers\"}\n\t]\n}"
	writeManifest(t, dir, "calc.json", updated)

	require.NoError(t, m.Load(ctx))
	assert.Equal(t, []string{"calc"}, reg.unregistered)
	assert.Contains(t, reg.registered, "calc")
}

func TestManager_Sync_UnloadsRemovedPlugin(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "calc.json", calcManifest)

	reg := newFakeRegistrar()
	m := newManager(t, dir, reg, allowAll)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx))
	require.Contains(t, reg.registered, "calc")

	require.NoError(t, os.Remove(filepath.Join(dir, "calc.json")))

	require.NoError(t, m.Load(ctx))
	assert.NotContains(t, reg.registered, "calc")
	assert.Equal(t, []string{"calc"}, reg.unregistered)
}

func TestDiscovery_SkipsInvalidAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "calc.json", calcManifest)
	writeManifest(t, dir, "broken.json", `{"id": "broken"`)
	writeManifest(t, dir, "no-tools.json", `{"id": "empty", "name": "Empty", "version": "1.0.0"}`)
	// Same id as calc.json; first one discovered wins
	writeManifest(t, dir, "zz-dup.json", calcManifest)
	writeManifest(t, dir, "notes.txt", "not a manifest")

	d := NewDiscovery(dir, zerolog.Nop())
	manifests, err := d.Discover()

	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "calc", manifests[0].ID)
}

func TestDiscovery_MissingDir(t *testing.T) {
	d := NewDiscovery(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())
	manifests, err := d.Discover()
	assert.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestManifestLoader_Validation(t *testing.T) {
	dir := t.TempDir()
	loader := NewManifestLoader(zerolog.Nop())

	t.Run("valid", func(t *testing.T) {
		writeManifest(t, dir, "ok.json", calcManifest)
		manifest, err := loader.LoadManifest(filepath.Join(dir, "ok.json"))
		require.NoError(t, err)
		assert.Equal(t, "calc", manifest.ID)
		assert.Equal(t, "1.0.0", manifest.Version)

		defs := manifest.Definitions()
		require.Len(t, defs, 1)
		assert.Equal(t, "add", defs[0].Name)
		assert.Len(t, defs[0].Parameters, 2)
	})

	t.Run("missing required fields", func(t *testing.T) {
		writeManifest(t, dir, "bad.json", `{"name": "No ID", "version": "1.0.0", "tools": []}`)
		_, err := loader.LoadManifest(filepath.Join(dir, "bad.json"))
		assert.Error(t, err)
	})

	t.Run("timeout seconds carried over", func(t *testing.T) {
		writeManifest(t, dir, "slow.json", `{
			"id": "slow",
			"name": "Slow",
			"version": "1.0.0",
			"tools": [{"name": "crawl", "description": "Crawls", "timeout_seconds": 120}]
		}`)
		manifest, err := loader.LoadManifest(filepath.Join(dir, "slow.json"))
		require.NoError(t, err)
		assert.Equal(t, 120, manifest.Tools[0].TimeoutSeconds)
	})
}
