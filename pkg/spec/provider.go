package spec

import (
	"sync"

	"github.com/stacklok/appproxy/pkg/errors"
)

// Provider gives access to the registered proxy specs.
type Provider interface {
	// Spec returns the spec with the given id, or nil if unknown.
	Spec(id string) *ProxySpec
	// Specs returns all registered specs.
	Specs() []*ProxySpec
}

// Registry is an in-memory Provider. Specs are registered during startup and
// immutable afterwards.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*ProxySpec
	order []string
}

// NewRegistry creates an empty spec registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*ProxySpec)}
}

// Register adds a spec to the registry. Registering the same id twice is an error.
func (r *Registry) Register(s *ProxySpec) error {
	if s == nil || s.ID == "" {
		return errors.NewInternalError("spec must have an id", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[s.ID]; ok {
		return errors.NewInternalError("spec already registered: "+s.ID, nil)
	}
	r.specs[s.ID] = s.Clone()
	r.order = append(r.order, s.ID)
	return nil
}

// Spec returns the spec with the given id, or nil if unknown.
func (r *Registry) Spec(id string) *ProxySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[id]
}

// Specs returns all registered specs in registration order.
func (r *Registry) Specs() []*ProxySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProxySpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.specs[id])
	}
	return out
}
