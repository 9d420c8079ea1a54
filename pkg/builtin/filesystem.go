// Package builtin ships baseline tools as an ordinary plugin. Hosts
// register it like any other; nothing in the engine depends on it.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fikri/lumen/pkg/plugin"
)

// maxReadBytes bounds read_file output
const maxReadBytes = 256 * 1024

// FilesystemPlugin provides read_file, write_file, and list_dir tools
// confined to a workspace root. Paths are resolved relative to the root
// and may not escape it.
func FilesystemPlugin(root string) (*plugin.NativePlugin, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace root: %w", err)
	}

	p := plugin.NewNative("builtin-fs")

	p.AddTool(plugin.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Category:    "filesystem",
		Parameters: []plugin.ToolParameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
		},
	}, func(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
		path, err := resolve(abs, args["path"])
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", args["path"], err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", args["path"])
		}
		if info.Size() > maxReadBytes {
			return nil, fmt.Errorf("%s is too large (%d bytes)", args["path"], info.Size())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &plugin.ToolResult{
			Output:   string(data),
			Metadata: map[string]any{"size": info.Size()},
		}, nil
	})

	p.AddTool(plugin.ToolDefinition{
		Name:        "write_file",
		Description: "Write a text file in the workspace, creating parent directories as needed.",
		Category:    "filesystem",
		Parameters: []plugin.ToolParameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
	}, func(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
		path, err := resolve(abs, args["path"])
		if err != nil {
			return nil, err
		}

		content, _ := args["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, err
		}
		return &plugin.ToolResult{
			Output:   fmt.Sprintf("Wrote %d bytes to %s", len(content), args["path"]),
			Metadata: map[string]any{"bytes": len(content)},
		}, nil
	})

	p.AddTool(plugin.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Category:    "filesystem",
		Parameters: []plugin.ToolParameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: false},
		},
	}, func(_ context.Context, args map[string]any) (*plugin.ToolResult, error) {
		target := args["path"]
		if target == nil {
			target = "."
		}
		path, err := resolve(abs, target)
		if err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("cannot list %v: %w", target, err)
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)

		return &plugin.ToolResult{
			Output:   strings.Join(names, "\n"),
			Metadata: map[string]any{"count": len(names)},
		}, nil
	})

	return p, nil
}

// resolve joins a relative path onto the root, rejecting escapes
func resolve(root string, raw any) (string, error) {
	rel, _ := raw.(string)
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}

	joined := filepath.Join(root, rel)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return joined, nil
}
