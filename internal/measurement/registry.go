package measurement

import (
	"context"
	"sync"
)

// Registry hands out one loaded Store per project.
type Registry struct {
	repo Repository
	opts []Option

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates a registry whose stores share repo and opts.
func NewRegistry(repo Repository, opts ...Option) *Registry {
	return &Registry{
		repo:   repo,
		opts:   opts,
		stores: make(map[string]*Store),
	}
}

// Get returns the store of projectID, loading it on first use.
func (r *Registry) Get(ctx context.Context, projectID string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[projectID]; ok {
		return s, nil
	}
	s := NewStore(projectID, r.repo, r.opts...)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	r.stores[projectID] = s
	return s, nil
}

// Loaded returns the store of projectID if it was loaded already.
func (r *Registry) Loaded(projectID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[projectID]
	return s, ok
}

// Evict drops the cached store of projectID.
func (r *Registry) Evict(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, projectID)
}
