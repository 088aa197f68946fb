// Package plugins hosts WASM memory processors. A plugin is a WASM
// module that exports a manifest naming the store mutations it wants to
// observe, plus an observe entry point invoked with each mutation
// encoded as JSON.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/szaher/recall/internal/memory"
)

// Host manages WASM plugin instances.
type Host struct {
	runtime wazero.Runtime

	mu      sync.Mutex
	plugins map[string]*LoadedPlugin
}

// LoadedPlugin is an instantiated WASM plugin with its manifest.
type LoadedPlugin struct {
	Manifest Manifest

	mu      sync.Mutex
	module  api.Module
	alloc   api.Function
	observe api.Function
}

// NewHost creates a WASM plugin host with WASI available to guests.
func NewHost(ctx context.Context) (*Host, error) {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	return &Host{
		runtime: rt,
		plugins: make(map[string]*LoadedPlugin),
	}, nil
}

// LoadPlugin compiles and instantiates the WASM module at path. The
// module must export 'manifest', 'alloc' and 'observe'.
func (h *Host) LoadPlugin(ctx context.Context, path string) (*LoadedPlugin, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plugin %s: %w", path, err)
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling plugin %s: %w", path, err)
	}

	// Anonymous instantiation so two plugins with the same internal
	// module name cannot collide.
	config := wazero.NewModuleConfig().
		WithName("").
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)

	mod, err := h.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return nil, fmt.Errorf("instantiating plugin %s: %w", path, err)
	}

	manifest, err := readManifest(ctx, mod)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}

	alloc := mod.ExportedFunction("alloc")
	observe := mod.ExportedFunction("observe")
	if alloc == nil || observe == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("plugin %s must export 'alloc' and 'observe'", path)
	}

	plugin := &LoadedPlugin{
		Manifest: *manifest,
		module:   mod,
		alloc:    alloc,
		observe:  observe,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.plugins[manifest.Name]; exists {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("plugin %q already loaded", manifest.Name)
	}
	h.plugins[manifest.Name] = plugin
	return plugin, nil
}

func readManifest(ctx context.Context, mod api.Module) (*Manifest, error) {
	manifestFn := mod.ExportedFunction("manifest")
	if manifestFn == nil {
		return nil, fmt.Errorf("missing 'manifest' export")
	}

	results, err := manifestFn.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("calling manifest: %w", err)
	}
	if len(results) < 2 {
		return nil, fmt.Errorf("manifest returned %d results, want ptr and size", len(results))
	}

	ptr := uint32(results[0])
	size := uint32(results[1])
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("manifest points outside module memory")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest has no name")
	}
	return &m, nil
}

// Observe delivers one mutation to the plugin. Calls into the same
// guest are serialized; WASM instances are single threaded.
func (p *LoadedPlugin) Observe(ctx context.Context, m memory.Mutation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mutation: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	results, err := p.alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("plugin %s alloc: %w", p.Manifest.Name, err)
	}
	if len(results) == 0 {
		return fmt.Errorf("plugin %s alloc returned no pointer", p.Manifest.Name)
	}
	ptr := uint32(results[0])
	if !p.module.Memory().Write(ptr, payload) {
		return fmt.Errorf("plugin %s: %d byte write at %d outside module memory", p.Manifest.Name, len(payload), ptr)
	}

	status, err := p.observe.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("plugin %s observe: %w", p.Manifest.Name, err)
	}
	if len(status) > 0 && status[0] != 0 {
		return fmt.Errorf("plugin %s observe: status %d", p.Manifest.Name, status[0])
	}
	return nil
}

// Wants reports whether the plugin subscribed to op. An empty events
// list subscribes to every mutation.
func (p *LoadedPlugin) Wants(op memory.Op) bool {
	if len(p.Manifest.Events) == 0 {
		return true
	}
	for _, e := range p.Manifest.Events {
		if memory.Op(e) == op {
			return true
		}
	}
	return false
}

// GetPlugin returns a loaded plugin by name.
func (h *Host) GetPlugin(name string) (*LoadedPlugin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[name]
	return p, ok
}

// Plugins returns the loaded plugins sorted by name.
func (h *Host) Plugins() []*LoadedPlugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*LoadedPlugin, 0, len(h.plugins))
	for _, p := range h.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Name < out[j].Manifest.Name })
	return out
}

// Close releases all plugin resources.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
