package plugins

import (
	"context"
	"fmt"

	"github.com/szaher/recall/internal/memory"
)

// Processor adapts the plugin to the memory.Processor interface.
// Mutations outside the subscribed events are dropped without calling
// into the guest.
func (p *LoadedPlugin) Processor() memory.Processor {
	return memory.NewProcessor("plugin:"+p.Manifest.Name, func(ctx context.Context, m memory.Mutation) error {
		if !p.Wants(m.Op) {
			return nil
		}
		return p.Observe(ctx, m)
	})
}

// AsProcessor looks up a loaded plugin by name and adapts it to the
// memory.Processor interface.
func AsProcessor(h *Host, name string) (memory.Processor, error) {
	p, ok := h.GetPlugin(name)
	if !ok {
		return nil, fmt.Errorf("plugin %q not loaded", name)
	}
	return p.Processor(), nil
}

// Processors adapts every loaded plugin, sorted by name.
func Processors(h *Host) []memory.Processor {
	plugins := h.Plugins()
	procs := make([]memory.Processor, 0, len(plugins))
	for _, p := range plugins {
		procs = append(procs, p.Processor())
	}
	return procs
}
