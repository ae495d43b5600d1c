package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/secrets"
)

type entry struct {
	desc    domain.ModelDescriptor
	factory Factory
}

// Registry maps model names to descriptors and backend factories. It is
// populated at startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

func (r *Registry) Register(desc domain.ModelDescriptor, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; !exists {
		r.order = append(r.order, desc.Name)
	}
	r.entries[desc.Name] = entry{desc: desc, factory: f}
}

// Update replaces the descriptor of a registered model, keeping its factory.
func (r *Registry) Update(name string, fn func(*domain.ModelDescriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrModelNotFound, name)
	}
	fn(&e.desc)
	r.entries[name] = e
	return nil
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Descriptor(name string) (domain.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e.desc, ok
}

// Descriptors returns every registered model in registration order.
func (r *Registry) Descriptors() []domain.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ModelDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// New builds a backend for one request.
func (r *Registry) New(name string, params domain.ModelParameters, user string) (Backend, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModelNotFound, name)
	}
	return e.factory(e.desc, params, user), nil
}

// Available returns the models whose credentials currently resolve.
func (r *Registry) Available(ctx context.Context, res secrets.Resolver) []domain.ModelDescriptor {
	out := []domain.ModelDescriptor{}
	for _, desc := range r.Descriptors() {
		if _, err := secrets.Lookup(ctx, res, desc.Credentials); err != nil {
			continue
		}
		out = append(out, desc)
	}
	return out
}
