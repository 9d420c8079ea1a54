package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Discovery scans a directory for plugin manifests
type Discovery struct {
	dir    string
	loader *ManifestLoader
	logger zerolog.Logger
}

// NewDiscovery creates a discovery instance for the given directory
func NewDiscovery(dir string, logger zerolog.Logger) *Discovery {
	return &Discovery{
		dir:    dir,
		loader: NewManifestLoader(logger),
		logger: logger.With().Str("component", "plugin-discovery").Logger(),
	}
}

// Discover returns all valid manifests found in the directory. Invalid
// manifests are logged and skipped rather than failing the scan.
func (d *Discovery) Discover() ([]*Manifest, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var manifests []*Manifest
	seen := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(d.dir, entry.Name())
		manifest, err := d.loader.LoadManifest(path)
		if err != nil {
			d.logger.Warn().Err(err).Str("path", path).Msg("Skipping invalid manifest")
			continue
		}

		if prev, dup := seen[manifest.ID]; dup {
			d.logger.Warn().
				Str("id", manifest.ID).
				Str("path", path).
				Str("previous", prev).
				Msg("Duplicate plugin id, keeping first")
			continue
		}
		seen[manifest.ID] = path

		manifests = append(manifests, manifest)
	}

	d.logger.Info().Int("plugins", len(manifests)).Str("dir", d.dir).Msg("Plugin discovery complete")

	return manifests, nil
}
