// Package registry tracks the live connection pairs owned by the relay loop.
package registry

import (
	"fmt"
	"net"
)

// Role identifies which side of a proxied pair an endpoint is on.
type Role string

const (
	RoleClient   Role = "client"
	RoleUpstream Role = "upstream"
)

// Endpoint is one live transport connection. It is created when a pair is
// registered and owned by the Registry until the pair is torn down.
type Endpoint struct {
	conn        net.Conn
	role        Role
	rewriteDone bool
	closed      bool
}

// NewEndpoint wraps a connection for registration.
func NewEndpoint(conn net.Conn, role Role) *Endpoint {
	return &Endpoint{conn: conn, role: role}
}

// Conn returns the underlying transport connection.
func (e *Endpoint) Conn() net.Conn { return e.conn }

// Role returns which side of the pair this endpoint is.
func (e *Endpoint) Role() Role { return e.role }

// RewriteDone reports whether the first chunk of this endpoint has already
// been through header rewriting.
func (e *Endpoint) RewriteDone() bool { return e.rewriteDone }

// MarkRewriteDone records that the first chunk has been processed. All later
// reads on this endpoint are forwarded unexamined.
func (e *Endpoint) MarkRewriteDone() { e.rewriteDone = true }

// Close closes the underlying connection. Closing an already-closed endpoint
// is a no-op.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.conn.Close()
}

// RemoteAddr returns the remote address of the underlying connection.
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// Registry is the bidirectional map of live connection pairs. Every
// registered endpoint has exactly one peer, and peers are always registered
// and removed together.
//
// The registry is owned by the single relay loop goroutine and is not safe
// for concurrent use.
type Registry struct {
	peers map[*Endpoint]*Endpoint
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[*Endpoint]*Endpoint)}
}

// RegisterPair inserts both directions of the pair relation. Registering an
// endpoint that is already present breaks the pairing invariant and is
// reported as an error for the caller to treat as fatal.
func (r *Registry) RegisterPair(a, b *Endpoint) error {
	if _, ok := r.peers[a]; ok {
		return fmt.Errorf("registry: endpoint %v already registered", a.RemoteAddr())
	}
	if _, ok := r.peers[b]; ok {
		return fmt.Errorf("registry: endpoint %v already registered", b.RemoteAddr())
	}
	r.peers[a] = b
	r.peers[b] = a
	return nil
}

// PeerOf returns the endpoint paired with e.
func (r *Registry) PeerOf(e *Endpoint) (*Endpoint, bool) {
	peer, ok := r.peers[e]
	return peer, ok
}

// UnregisterPair removes e and its peer from the live set and closes both
// connections. It returns the removed pair for observability, or ok=false if
// e is not registered (its pair was already torn down).
func (r *Registry) UnregisterPair(e *Endpoint) (removed, peer *Endpoint, ok bool) {
	peer, ok = r.peers[e]
	if !ok {
		return nil, nil, false
	}
	delete(r.peers, e)
	delete(r.peers, peer)
	_ = e.Close()
	_ = peer.Close()
	return e, peer, true
}

// Live returns a snapshot of the registered endpoints. Callers iterate the
// snapshot while registration and teardown mutate the live set, so the
// returned slice is detached from the registry.
func (r *Registry) Live() []*Endpoint {
	endpoints := make([]*Endpoint, 0, len(r.peers))
	for e := range r.peers {
		endpoints = append(endpoints, e)
	}
	return endpoints
}

// Len returns the number of registered endpoints (twice the pair count).
func (r *Registry) Len() int { return len(r.peers) }
