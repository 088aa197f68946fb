package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Manifest describes a plugin and the store mutations it observes.
type Manifest struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description"`
	Events      []string   `json:"events,omitempty"`
	WASM        WASMConfig `json:"wasm"`
}

// WASMConfig carries guest runtime hints.
type WASMConfig struct {
	MinMemoryPages int      `json:"min_memory_pages"`
	MaxMemoryPages int      `json:"max_memory_pages"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// ResolvePath finds a plugin WASM module by name and version.
// Search order: ./plugins/<name>/plugin.wasm, then
// ~/.recall/plugins/<name>/<version>/plugin.wasm.
func ResolvePath(name, version string) (string, error) {
	localPath := filepath.Join("plugins", name, "plugin.wasm")
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	home, err := os.UserHomeDir()
	if err == nil {
		cachePath := filepath.Join(home, ".recall", "plugins", name, version, "plugin.wasm")
		if _, err := os.Stat(cachePath); err == nil {
			return cachePath, nil
		}
	}

	return "", fmt.Errorf("plugin %q version %q not found", name, version)
}

// LoadDir loads every *.wasm module directly under dir. A missing
// directory is not an error; a module that fails to load is.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]*LoadedPlugin, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("plugin dir %s: %w", dir, err)
	}

	var loaded []*LoadedPlugin
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
			continue
		}
		p, err := h.LoadPlugin(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}
