package relay

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kozmoi/radar-relay/metrics"
)

// Registry is a bounded set of active connections. Every method takes the
// same lock and performs no I/O while holding it.
type Registry struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*Conn
	max   int
	seq   uint64
}

// NewRegistry returns an empty registry admitting at most max connections.
func NewRegistry(max int) *Registry {
	return &Registry{
		conns: make(map[uuid.UUID]*Conn),
		max:   max,
	}
}

// TryAdd inserts c if the registry has room. It never blocks waiting for a
// slot; a full registry returns false. Adding a member again is a no-op.
func (r *Registry) TryAdd(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; ok {
		return true
	}
	if len(r.conns) >= r.max {
		return false
	}
	r.seq++
	c.seq = r.seq
	r.conns[c.id] = c
	metrics.ConnectedClients.Set(float64(len(r.conns)))
	return true
}

// Remove deletes c and reports whether it was present. It does not close
// the connection, so a handler and a shutdown routine can both call it.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	delete(r.conns, c.id)
	metrics.ConnectedClients.Set(float64(len(r.conns)))
	return true
}

// Snapshot returns the current members in admission order. The slice is a
// copy and may be iterated while other goroutines add or remove.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Size returns the number of members.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Max returns the admission limit.
func (r *Registry) Max() int {
	return r.max
}

// Clear removes every member and closes it, returning how many were removed.
// Used during shutdown.
func (r *Registry) Clear() int {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[uuid.UUID]*Conn)
	metrics.ConnectedClients.Set(0)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}
