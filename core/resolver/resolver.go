// Package resolver expands a triggering subject into concrete generation requests.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

// Resolver expands a subject of its type into abstract generation requests.
// Resolution is all-or-nothing and safe to repeat for the same subject.
type Resolver interface {
	Type() string
	Resolve(ctx context.Context, eventID, subject string) ([]models.GenerationRequestSpec, error)
}

// Registry maps resolver types to implementations
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry creates a registry holding resolvers
func NewRegistry(resolvers ...Resolver) *Registry {
	r := &Registry{resolvers: map[string]Resolver{}}
	for _, res := range resolvers {
		r.Register(res)
	}
	return r
}

// Register adds a resolver, replacing any resolver of the same type
func (r *Registry) Register(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[res.Type()] = res
}

// Get returns the resolver for typ
func (r *Registry) Get(typ string) (Resolver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolvers[typ]
	if !ok {
		return nil, errors.NewValidationError("resolver.type", fmt.Sprintf("unknown resolver %q", typ))
	}
	return res, nil
}

// Types lists the registered resolver types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.resolvers))
	for t := range r.resolvers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
