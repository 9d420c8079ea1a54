package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemPlugin_ReadWrite(t *testing.T) {
	root := t.TempDir()
	p, err := FilesystemPlugin(root)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := p.ExecuteTool(ctx, "write_file", map[string]any{
		"path":    "notes/todo.txt",
		"content": "buy milk",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "8 bytes")

	result, err = p.ExecuteTool(ctx, "read_file", map[string]any{"path": "notes/todo.txt"})
	require.NoError(t, err)
	assert.Equal(t, "buy milk", result.Output)
}

func TestFilesystemPlugin_ListDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))

	p, err := FilesystemPlugin(root)
	require.NoError(t, err)

	result, err := p.ExecuteTool(context.Background(), "list_dir", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nsub/", result.Output)
	assert.Equal(t, 2, result.Metadata["count"])
}

func TestFilesystemPlugin_RejectsEscapes(t *testing.T) {
	p, err := FilesystemPlugin(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
	}{
		{name: "parent traversal", path: "../outside.txt"},
		{name: "absolute path", path: "/etc/passwd"},
		{name: "nested traversal", path: "sub/../../outside.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ExecuteTool(ctx, "read_file", map[string]any{"path": tt.path})
			assert.Error(t, err)
		})
	}
}

func TestFilesystemPlugin_ReadErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))

	p, err := FilesystemPlugin(root)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.ExecuteTool(ctx, "read_file", map[string]any{"path": "missing.txt"})
	assert.Error(t, err)

	_, err = p.ExecuteTool(ctx, "read_file", map[string]any{"path": "sub"})
	assert.Error(t, err)
}
