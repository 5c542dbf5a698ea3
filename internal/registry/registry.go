// Package registry tracks live connections and the arena buffers they own.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FumingPower3925/ingress/internal/arena"
	"github.com/FumingPower3925/ingress/internal/fault"
)

// Releaser gives buffers back to their arena.
type Releaser interface {
	Release(h arena.Handle) error
}

// Config defines the registry limits.
type Config struct {
	MaxConnections int           // 0 means unlimited
	IdleTimeout    time.Duration // 0 disables Expire
	Logger         *zap.Logger
	Now            func() time.Time
}

// Connection is the registry's view of one peer.
type Connection struct {
	ID         uint64
	RemoteAddr string

	mu           sync.Mutex
	keepAlive    bool
	requests     uint64
	lastActivity time.Time
	buffers      map[arena.Handle]struct{}
	closed       bool
}

// Info is a copy of a connection's mutable state.
type Info struct {
	ID           uint64
	RemoteAddr   string
	KeepAlive    bool
	Requests     uint64
	LastActivity time.Time
	Buffers      int
}

// Info returns a consistent snapshot of c.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:           c.ID,
		RemoteAddr:   c.RemoteAddr,
		KeepAlive:    c.keepAlive,
		Requests:     c.requests,
		LastActivity: c.lastActivity,
		Buffers:      len(c.buffers),
	}
}

// SetKeepAlive records whether the peer asked to keep the connection open.
func (c *Connection) SetKeepAlive(v bool) {
	c.mu.Lock()
	c.keepAlive = v
	c.mu.Unlock()
}

// Registry maps connection ids to Connections.
type Registry struct {
	mu      sync.RWMutex
	conns   map[uint64]*Connection
	arena   Releaser
	cfg     Config
	onClose []func(id uint64)
}

// New creates a Registry releasing buffers through rel.
func New(rel Releaser, cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		conns: make(map[uint64]*Connection),
		arena: rel,
		cfg:   cfg,
	}
}

// OnClose registers fn to run after a connection is closed and its buffers
// released. Hooks must be registered before the registry is shared.
func (r *Registry) OnClose(fn func(id uint64)) {
	r.onClose = append(r.onClose, fn)
}

// Register creates the Connection for a new peer.
func (r *Registry) Register(id uint64, remoteAddr string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return nil, fault.Newf(fault.AlreadyExists, "registry.register", "connection %d", id)
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		return nil, fault.Newf(fault.CapacityExceeded, "registry.register", "%d/%d connections", len(r.conns), r.cfg.MaxConnections)
	}
	c := &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		keepAlive:    true,
		lastActivity: r.cfg.Now(),
		buffers:      make(map[arena.Handle]struct{}),
	}
	r.conns[id] = c
	return c, nil
}

// Get returns the live connection for id.
func (r *Registry) Get(id uint64) (*Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.NotFound, "registry.get", "connection %d", id)
	}
	return c, nil
}

// Touch records activity and one more request on the connection.
func (r *Registry) Touch(id uint64) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fault.Newf(fault.NotFound, "registry.touch", "connection %d closed", id)
	}
	c.requests++
	c.lastActivity = r.cfg.Now()
	return nil
}

// Ping records activity without counting a request.
func (r *Registry) Ping(id uint64) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fault.Newf(fault.NotFound, "registry.ping", "connection %d closed", id)
	}
	c.lastActivity = r.cfg.Now()
	return nil
}

// Own records that the connection holds h. On a closed connection it fails
// and the caller keeps responsibility for releasing h.
func (r *Registry) Own(id uint64, h arena.Handle) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fault.Newf(fault.NotFound, "registry.own", "connection %d closed", id)
	}
	c.buffers[h] = struct{}{}
	return nil
}

// Disown forgets h without releasing it. It reports whether the connection
// still held h; false means a close already released it.
func (r *Registry) Disown(id uint64, h arena.Handle) bool {
	c, err := r.Get(id)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buffers[h]; !ok {
		return false
	}
	delete(c.buffers, h)
	return true
}

// Close releases every buffer the connection owns and removes it. Closing
// an unknown or already closed connection is a no-op.
func (r *Registry) Close(id uint64) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	c.closed = true
	owned := c.buffers
	c.buffers = nil
	released := 0
	for h := range owned {
		if err := r.arena.Release(h); err != nil {
			r.cfg.Logger.Warn("release on close failed", zap.Uint64("conn", id), zap.Stringer("buffer", h), zap.Error(err))
			continue
		}
		released++
	}
	c.mu.Unlock()

	r.cfg.Logger.Debug("connection closed", zap.Uint64("conn", id), zap.Int("released", released))
	for _, fn := range r.onClose {
		fn(id)
	}
	return nil
}

// Expire closes every connection idle for longer than the idle timeout and
// returns their ids.
func (r *Registry) Expire(now time.Time) []uint64 {
	if r.cfg.IdleTimeout <= 0 {
		return nil
	}
	r.mu.RLock()
	var stale []uint64
	for id, c := range r.conns {
		c.mu.Lock()
		if now.Sub(c.lastActivity) > r.cfg.IdleTimeout {
			stale = append(stale, id)
		}
		c.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.cfg.Logger.Info("connection idle timeout", zap.Uint64("conn", id))
		_ = r.Close(id)
	}
	return stale
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every live connection and returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Close(id)
	}
	return len(ids)
}
