package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// connection is the transport handle the engine needs from a client
// connection. The WebSocket transport implements it; tests substitute a
// recording fake.
type connection interface {
	SendAction(action protocol.Action, meta protocol.Meta) error
	Close() error
}

// Client is one connected principal: its claimed node identity, the
// user/client prefixes derived from it, and its transport connection.
type Client struct {
	server *Server
	conn   connection

	nodeID   string
	userID   string
	clientID string
	ip       string

	authenticated atomic.Bool
	closed        atomic.Bool

	// ctx is cancelled on close; it bounds every callback this client's
	// actions invoke.
	ctx    context.Context
	cancel context.CancelFunc

	// closeOnce guards teardown against the disconnect/zombie race.
	closeOnce sync.Once
}

// NodeID returns the client's claimed node identity ("" before auth).
func (c *Client) NodeID() string { return c.nodeID }

// UserID returns the user part of the node ID ("" for anonymous).
func (c *Client) UserID() string { return c.userID }

// ClientID returns the client part of the node ID, stable across
// reconnects of the same logical client.
func (c *Client) ClientID() string { return c.clientID }

// IP returns the remote address the client connected from.
func (c *Client) IP() string { return c.ip }

// Authenticated reports whether the auth callback admitted this client.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// Closed reports whether the client has been torn down.
func (c *Client) Closed() bool { return c.closed.Load() }

// Send delivers an action to this client. Sending to a closed or
// unauthenticated client is a harmless no-op: broadcast snapshots may
// legitimately race with disconnects.
func (c *Client) Send(action protocol.Action, meta protocol.Meta) error {
	if c.closed.Load() || !c.authenticated.Load() {
		return nil
	}
	if err := c.conn.SendAction(action, meta); err != nil {
		c.server.reporter.ClientError(c, &ClientError{NodeID: c.nodeID, Op: "send", Err: err})
		return err
	}
	return nil
}

// close tears the client down exactly once: subscriptions first, then the
// registry slot, then the transport. zombie suppresses the disconnect
// milestone because the Zombie milestone already fired.
func (c *Client) close(zombie bool) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.server.subs.removeClient(c)
		c.server.clients.remove(c)
		_ = c.conn.Close()
		if !zombie && c.authenticated.Load() {
			c.server.reporter.Disconnect(c)
		}
	})
}

// clientRegistry tracks connected clients by node ID and resolves
// duplicate identities in favor of the newest connection.
type clientRegistry struct {
	mu     sync.RWMutex
	byNode map[string]*Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{byNode: make(map[string]*Client)}
}

// register installs the client under its node ID and returns the evicted
// prior holder, if any. Eviction and installation happen under one lock so
// broadcast snapshots never see both connections.
func (r *clientRegistry) register(c *Client) (evicted *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byNode[c.nodeID]; ok && old != c {
		evicted = old
	}
	r.byNode[c.nodeID] = c
	return evicted
}

// remove deletes the client's slot unless a newer connection already
// replaced it.
func (r *clientRegistry) remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byNode[c.nodeID]; ok && cur == c {
		delete(r.byNode, c.nodeID)
	}
}

// byNodeID returns the client holding the node ID, or nil.
func (r *clientRegistry) byNodeID(nodeID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byNode[nodeID]
}

// byUser returns every client whose user ID matches.
func (r *clientRegistry) byUser(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, c := range r.byNode {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

// byClientID returns every client whose client ID matches.
func (r *clientRegistry) byClientID(clientID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, c := range r.byNode {
		if c.clientID == clientID {
			out = append(out, c)
		}
	}
	return out
}

// snapshot returns all connected clients at call time.
func (r *clientRegistry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.byNode))
	for _, c := range r.byNode {
		out = append(out, c)
	}
	return out
}

func (r *clientRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}
