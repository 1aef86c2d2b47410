package orchestrator

import (
	"iter"
	"strings"
	"sync"

	"github.com/petal-labs/flowbridge/core"
)

const (
	// FrameworkCrewAI runs role-based workflows.
	FrameworkCrewAI = "crewai"
	// FrameworkLangGraph runs graph-based workflows.
	FrameworkLangGraph = "langgraph"
)

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry. On first call it is created
// with the built-in frameworks registered.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// RegisterBuiltins registers the role-based and graph-based adapters.
func RegisterBuiltins(r *Registry) {
	r.Register(FrameworkCrewAI, func(opts Options) (Adapter, error) {
		return NewRoleBasedAdapter(opts), nil
	})
	r.Register(FrameworkLangGraph, func(opts Options) (Adapter, error) {
		return NewGraphBasedAdapter(opts), nil
	})
}

type registration struct {
	name    string
	factory Factory
}

// Registry maps framework names to adapter factories. Names match
// case-insensitively.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
	order     []string // lowercased keys in registration order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]registration)}
}

// Register adds a factory under name. Registering an existing name replaces
// its factory and keeps its position in ListAvailable.
func (r *Registry) Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, exists := r.factories[key]
	if !exists {
		r.order = append(r.order, key)
		existing.name = strings.TrimSpace(name)
	}
	existing.factory = factory
	r.factories[key] = existing
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[key]
	if !ok {
		available := make([]string, 0, len(r.order))
		for _, k := range r.order {
			available = append(available, r.factories[k].name)
		}
		return nil, &core.UnsupportedFrameworkError{Name: name, Available: available}
	}
	return reg.factory, nil
}

// ListAvailable yields registered names in registration order. Names
// registered while the sequence is being consumed are included if they
// are reached.
func (r *Registry) ListAvailable() iter.Seq[string] {
	return func(yield func(string) bool) {
		for i := 0; ; i++ {
			r.mu.RLock()
			if i >= len(r.order) {
				r.mu.RUnlock()
				return
			}
			name := r.factories[r.order[i]].name
			r.mu.RUnlock()
			if !yield(name) {
				return
			}
		}
	}
}

// Open looks up name and builds its adapter.
func (r *Registry) Open(name string, opts Options) (Adapter, error) {
	factory, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return factory(opts)
}

var (
	_ Adapter = (*RoleBasedAdapter)(nil)
	_ Adapter = (*GraphBasedAdapter)(nil)
)
