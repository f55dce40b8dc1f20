package model

import (
	"fmt"
	"sort"
	"sync"
)

// Key identifies a constructed client. Kind is the configured model id
// (e.g. "gpt-4"); TenantID scopes credentials and state to one tenant and
// may be empty for shared clients.
type Key struct {
	TenantID string
	Kind     string
}

// String returns "tenant/kind".
func (k Key) String() string { return k.TenantID + "/" + k.Kind }

// Factory constructs the client for a key.
type Factory func(key Key) (Client, error)

// Registry caches clients by Key. Entries are created on first use through
// the factory and live until Cleanup evicts the tenant.
type Registry struct {
	mu      sync.RWMutex
	factory Factory
	clients map[Key]Client
}

// NewRegistry creates a registry. factory may be nil when every client is
// added through Register.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		clients: make(map[Key]Client),
	}
}

// Register stores a ready-made client under key, replacing any previous one.
func (r *Registry) Register(key Key, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[key] = c
}

// Get returns the client for key, constructing it if necessary. Tenant keys
// without an entry fall back to the shared (empty tenant) client of the
// same kind before the factory is consulted.
func (r *Registry) Get(key Key) (Client, error) {
	r.mu.RLock()
	c, ok := r.clients[key]
	if !ok && key.TenantID != "" && r.factory == nil {
		c, ok = r.clients[Key{Kind: key.Kind}]
	}
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("no client registered for %s", key)
	}

	c, err := r.factory(key)
	if err != nil {
		return nil, fmt.Errorf("build client %s: %w", key, err)
	}
	r.clients[key] = c
	return c, nil
}

// Resolve returns the clients for kinds within a tenant, in order. Kinds
// that cannot be constructed are skipped and reported in the error map.
func (r *Registry) Resolve(tenantID string, kinds []string) ([]Client, map[string]error) {
	clients := make([]Client, 0, len(kinds))
	var failed map[string]error
	for _, kind := range kinds {
		c, err := r.Get(Key{TenantID: tenantID, Kind: kind})
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[kind] = err
			continue
		}
		clients = append(clients, c)
	}
	return clients, failed
}

// Cleanup evicts every client owned by tenantID and returns how many were
// removed.
func (r *Registry) Cleanup(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.clients {
		if k.TenantID == tenantID {
			delete(r.clients, k)
			n++
		}
	}
	return n
}

// Keys returns the cached keys sorted by tenant then kind.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.clients))
	for k := range r.clients {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}
		return keys[i].Kind < keys[j].Kind
	})
	return keys
}

// Len returns the number of cached clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
