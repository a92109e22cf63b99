package server

import (
	"context"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// Context is the per-invocation view passed into every callback: who is
// asking, the resolved channel params for channel callbacks, and explicit
// outlets back to the asking client. Callbacks receive only the Context,
// never the server instance.
type Context struct {
	server *Server
	client *Client // nil for server-originated actions
	ctx    context.Context

	// NodeID, UserID and ClientID identify the sender. For
	// server-originated actions NodeID is the server's own node ID and
	// UserID is "server".
	NodeID   string
	UserID   string
	ClientID string

	// Channel and Params are set for channel callbacks only: the concrete
	// channel name being subscribed and the parameters its pattern
	// resolved.
	Channel string
	Params  Params
}

// Context returns the cancellation context bound to the originating
// connection's lifetime.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// IsServer reports whether the action originated from trusted server-side
// code rather than a connected client.
func (c *Context) IsServer() bool {
	return c.client == nil
}

// SendBack appends an action addressed solely to the asking client. Init
// callbacks use it to emit bootstrap data on subscribe.
func (c *Context) SendBack(action protocol.Action) error {
	if c.client == nil {
		return nil
	}
	_, err := c.server.emit(action, protocol.Resend{Clients: []string{c.ClientID}})
	return err
}

// SendError reports a fault scoped to the asking client without failing
// the pipeline for anyone else.
func (c *Context) SendError(err error) {
	c.server.reporter.ClientError(c.client, err)
}

func (s *Server) clientContext(ctx context.Context, client *Client) *Context {
	return &Context{
		server:   s,
		client:   client,
		ctx:      ctx,
		NodeID:   client.NodeID(),
		UserID:   client.UserID(),
		ClientID: client.ClientID(),
	}
}

func (s *Server) serverContext(ctx context.Context) *Context {
	return &Context{
		server:   s,
		ctx:      ctx,
		NodeID:   s.nodeID,
		UserID:   "server",
		ClientID: protocol.ClientID(s.nodeID),
	}
}
