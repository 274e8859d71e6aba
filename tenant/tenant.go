// Package tenant resolves SCIM-plane requests to their endpoint and
// enforces per-endpoint bearer credentials. Every handler below the guard
// can assume scim.EndpointFromContext returns a live, active endpoint.
package tenant

import (
	"context"
	"strings"
	"sync"

	"github.com/provisor/scimhub/store"
)

// Registry is a read-mostly endpoint cache in front of the store. SCIM
// traffic resolves the same endpoint on every request; admin mutations
// invalidate so changes take effect on the next request.
type Registry struct {
	store store.EndpointStore

	mu     sync.RWMutex
	byName map[string]*store.Endpoint
}

func NewRegistry(s store.EndpointStore) *Registry {
	return &Registry{
		store:  s,
		byName: make(map[string]*store.Endpoint),
	}
}

// Lookup resolves an endpoint by its unique name, case-insensitively.
// Misses fall through to the store and populate the cache.
func (r *Registry) Lookup(ctx context.Context, name string) (*store.Endpoint, error) {
	key := strings.ToLower(name)

	r.mu.RLock()
	ep, ok := r.byName[key]
	r.mu.RUnlock()
	if ok {
		return ep, nil
	}

	ep, err := r.store.GetEndpointByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byName[strings.ToLower(ep.Name)] = ep
	r.mu.Unlock()
	return ep, nil
}

// Invalidate drops one endpoint from the cache after an admin mutation.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	delete(r.byName, strings.ToLower(name))
	r.mu.Unlock()
}

// InvalidateID drops the endpoint with the given id, wherever it is
// cached. Admin routes address endpoints by id, not name.
func (r *Registry) InvalidateID(id string) {
	r.mu.Lock()
	for key, ep := range r.byName {
		if ep.ID == id {
			delete(r.byName, key)
		}
	}
	r.mu.Unlock()
}
