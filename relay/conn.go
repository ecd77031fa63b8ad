package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is one admitted TCP session. Reads belong to the connection's
// handler goroutine; writes may come from the handler and the broadcast
// loop and are serialized by writeMu.
type Conn struct {
	id          uuid.UUID
	seq         uint64 // admission order, set by Registry
	nc          net.Conn
	remote      string
	connectedAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	connected atomic.Bool
}

// NewConn wraps nc with a fresh identity.
func NewConn(nc net.Conn, connectedAt time.Time) *Conn {
	c := &Conn{
		id:          uuid.New(),
		nc:          nc,
		remote:      nc.RemoteAddr().String(),
		connectedAt: connectedAt,
	}
	c.connected.Store(true)
	return c
}

// ID returns the connection identity used as the registry key.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// RemoteAddr returns the peer address captured at accept time.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// ConnectedAt returns when the connection was accepted.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// Connected reports whether Close has not been called yet.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Read reads from the socket. Only the handler goroutine calls it.
func (c *Conn) Read(p []byte) (int, error) {
	return c.nc.Read(p)
}

// Write writes p in full while holding the connection's write lock.
func (c *Conn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.nc.Write(p)
	return err
}

// Close closes the socket once; later calls return nil.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		err = c.nc.Close()
	})
	return err
}
