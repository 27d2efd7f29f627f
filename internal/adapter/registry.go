package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps stage names to the adapters serving them. Registration
// happens at startup; resolution at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its capability name. A second adapter for
// the same stage is a wiring mistake and is rejected.
func (r *Registry) Register(a Adapter) error {
	capability := a.Capability()
	if capability == "" {
		return fmt.Errorf("adapter %T reports an empty capability", a)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[capability]; exists {
		return fmt.Errorf("stage %s already has a registered adapter", capability)
	}
	r.adapters[capability] = a
	return nil
}

// Resolve returns the adapter serving the stage, if any.
func (r *Registry) Resolve(stage string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[stage]
	return a, ok
}

// Capabilities lists the registered stage names in sorted order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for capability := range r.adapters {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}
