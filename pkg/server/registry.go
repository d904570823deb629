package server

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrConnClosed    = errors.New("connection closed")
)

// Conn is a connection handle as seen by the registry and router. Send
// must not block: it queues the frame or fails with ErrSendQueueFull or
// ErrConnClosed. Close must be safe to call more than once.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// closeConn closes conn with a close code when the transport supports one
func closeConn(conn Conn, code int, text string) error {
	if c, ok := conn.(interface{ CloseWith(int, string) error }); ok {
		return c.CloseWith(code, text)
	}
	return conn.Close()
}

// Registry maps each online username to its single live connection
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	metrics *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]Conn),
		metrics: metrics,
	}
}

// Register binds username to conn. The last registration wins; the handle
// it replaced (or nil) is returned so the caller can close it.
func (r *Registry) Register(username string, conn Conn) Conn {
	r.mu.Lock()
	prior := r.conns[username]
	r.conns[username] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordOnlineUsers(count)
	if prior == conn {
		return nil
	}
	return prior
}

// Unregister removes username only if it is still bound to conn, so a
// superseded connection closing late cannot evict its replacement. It
// reports whether an entry was removed.
func (r *Registry) Unregister(username string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[username]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, username)
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordOnlineUsers(count)
	return true
}

// Snapshot returns the sorted online usernames
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.conns))
	for u := range r.conns {
		users = append(users, u)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// ForEach calls fn for every registered connection. The set is copied under
// the lock and fn runs without it, so fn may call back into the registry.
func (r *Registry) ForEach(fn func(username string, conn Conn)) {
	type entry struct {
		username string
		conn     Conn
	}

	r.mu.RLock()
	entries := make([]entry, 0, len(r.conns))
	for u, c := range r.conns {
		entries = append(entries, entry{u, c})
	}
	r.mu.RUnlock()

	for _, e := range entries {
		fn(e.username, e.conn)
	}
}

// Lookup returns the connection bound to username
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[username]
	return c, ok
}

// Len returns the number of online users
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection and empties the registry
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	r.metrics.RecordOnlineUsers(0)
}
