// Package querier defines the DP querier plugin contract and the factory
// registry that maps DP-library identifiers to plugin constructors.
package querier

import (
	"context"
	"encoding/json"
	"sync"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"
)

// Querier is one DP algorithm family bound to a dataset.
//
// Cost must be pure with respect to the ledger (it reads dataset metadata
// only) and deterministic for a fixed request and data size. Execute is only
// called after a successful Cost on the same request within the same
// dispatch; plugins may rely on that ordering and need not re-check budget.
type Querier interface {
	Cost(ctx context.Context, req *domain.QueryRequest) (domain.Budget, error)
	Execute(ctx context.Context, req *domain.QueryRequest) (json.RawMessage, error)
}

// Accessor is how plugins reach dataset contents. The core hands one to the
// factory and never touches rows itself.
type Accessor interface {
	Count(ctx context.Context) (int64, error)
	Column(ctx context.Context, name string) ([]float64, error)
}

// Factory builds a Querier bound to a dataset's accessor and metadata.
type Factory func(accessor Accessor, meta *domain.Metadata) (Querier, error)

// Registry maps DP-library identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a library identifier to a factory, replacing any previous
// binding.
func (r *Registry) Register(library string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[library] = factory
}

// New constructs the plugin registered under library, or fails with
// ErrUnknownLibrary.
func (r *Registry) New(library string, accessor Accessor, meta *domain.Metadata) (Querier, error) {
	r.mu.RLock()
	factory, ok := r.factories[library]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.ErrUnknownLibrary
	}
	return factory(accessor, meta)
}

// Libraries returns the registered identifiers.
func (r *Registry) Libraries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
