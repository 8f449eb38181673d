package ws

import (
	"sync"
)

// Registry maps authenticated identities to live connections, partitioned
// into a customer pool and an agent pool. One live connection per identity
// per role: a newer connection for the same identity evicts the previous one.
//
// The registry is constructed per server process and passed by handle; it is
// guarded by a mutex because connection read loops run concurrently, and
// insert-or-replace must be atomic so an old connection's close handler
// cannot race a new connection's registration.
type Registry struct {
	mu        sync.RWMutex
	customers map[int64]*Conn
	agents    map[int64]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		customers: make(map[int64]*Conn),
		agents:    make(map[int64]*Conn),
	}
}

func (r *Registry) pool(isAgent bool) map[int64]*Conn {
	if isAgent {
		return r.agents
	}
	return r.customers
}

// Put registers an authenticated connection, returning the evicted prior
// connection for the same identity, if any. The caller closes the evicted
// connection outside the lock.
func (r *Registry) Put(c *Conn) (evicted *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.pool(c.isAgent)
	if prev, ok := pool[c.userID]; ok && prev != c {
		evicted = prev
	}
	pool[c.userID] = c
	return evicted
}

// Remove unregisters a connection. It is a no-op when the registry entry has
// already been superseded by a newer connection for the same identity, so a
// stale close handler cannot evict its replacement.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.pool(c.isAgent)
	if current, ok := pool[c.userID]; ok && current == c {
		delete(pool, c.userID)
		return true
	}
	return false
}

// Customer returns the live connection for a customer identity, or nil.
func (r *Registry) Customer(userID int64) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.customers[userID]
}

// Agent returns the live connection for an agent identity, or nil.
func (r *Registry) Agent(userID int64) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[userID]
}

// Agents returns a snapshot of all live agent connections.
func (r *Registry) Agents() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.agents))
	for _, c := range r.agents {
		out = append(out, c)
	}
	return out
}

// Customers returns a snapshot of all live customer connections.
func (r *Registry) Customers() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.customers))
	for _, c := range r.customers {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every live connection in both pools.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.customers)+len(r.agents))
	for _, c := range r.customers {
		out = append(out, c)
	}
	for _, c := range r.agents {
		out = append(out, c)
	}
	return out
}

// AgentCount returns the number of live agent connections.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
