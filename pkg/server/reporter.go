package server

import (
	"log/slog"
	"time"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// Reporter receives a synchronous notification at every server milestone.
// One server instance owns one reporter for its whole lifetime. Reporter
// methods must be fast and must not panic; decorate with your own
// buffering if a sink is slow.
type Reporter interface {
	Connect(client *Client)
	Authenticated(client *Client)
	Unauthenticated(client *Client)
	Zombie(client *Client)

	PreAdd(action protocol.Action, meta protocol.Meta)
	Add(action protocol.Action, meta protocol.Meta)
	Clean(id protocol.ID)

	Processed(id protocol.ID, latency time.Duration)
	Subscribed(client *Client, channel string)
	Unsubscribed(client *Client, channel string)

	WrongChannel(client *Client, channel string)
	UnknownType(typ string, id protocol.ID)
	Denied(id protocol.ID)

	Error(err error, action protocol.Action, meta *protocol.Meta)
	ClientError(client *Client, err error)
	Fatal(err error)

	Disconnect(client *Client)
	Destroy()
}

// SlogReporter logs every milestone through a slog.Logger. It is the
// default reporter.
type SlogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter creates a reporter writing to logger.
func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogReporter{logger: logger.With("component", "reporter")}
}

func (r *SlogReporter) Connect(c *Client) {
	r.logger.Info("client connected", "ip", c.IP())
}

func (r *SlogReporter) Authenticated(c *Client) {
	r.logger.Info("client authenticated", "node_id", c.NodeID(), "user_id", c.UserID())
}

func (r *SlogReporter) Unauthenticated(c *Client) {
	r.logger.Warn("authentication failed", "node_id", c.NodeID())
}

func (r *SlogReporter) Zombie(c *Client) {
	r.logger.Info("zombie connection evicted", "node_id", c.NodeID())
}

func (r *SlogReporter) PreAdd(action protocol.Action, meta protocol.Meta) {
	r.logger.Debug("adding action", "type", action.Type(), "id", meta.ID.String())
}

func (r *SlogReporter) Add(action protocol.Action, meta protocol.Meta) {
	r.logger.Debug("action added", "type", action.Type(), "id", meta.ID.String())
}

func (r *SlogReporter) Clean(id protocol.ID) {
	r.logger.Debug("action cleaned", "id", id.String())
}

func (r *SlogReporter) Processed(id protocol.ID, latency time.Duration) {
	r.logger.Info("action processed", "id", id.String(), "latency", latency)
}

func (r *SlogReporter) Subscribed(c *Client, channel string) {
	r.logger.Info("subscribed", "node_id", c.NodeID(), "channel", channel)
}

func (r *SlogReporter) Unsubscribed(c *Client, channel string) {
	r.logger.Info("unsubscribed", "node_id", c.NodeID(), "channel", channel)
}

func (r *SlogReporter) WrongChannel(c *Client, channel string) {
	r.logger.Warn("wrong channel", "node_id", c.NodeID(), "channel", channel)
}

func (r *SlogReporter) UnknownType(typ string, id protocol.ID) {
	r.logger.Warn("unknown action type", "type", typ, "id", id.String())
}

func (r *SlogReporter) Denied(id protocol.ID) {
	r.logger.Warn("action denied", "id", id.String())
}

func (r *SlogReporter) Error(err error, action protocol.Action, meta *protocol.Meta) {
	attrs := []any{"error", err}
	if action != nil {
		attrs = append(attrs, "type", action.Type())
	}
	if meta != nil {
		attrs = append(attrs, "id", meta.ID.String())
	}
	r.logger.Error("action error", attrs...)
}

func (r *SlogReporter) ClientError(c *Client, err error) {
	if c != nil {
		r.logger.Warn("client error", "node_id", c.NodeID(), "error", err)
		return
	}
	r.logger.Warn("client error", "error", err)
}

func (r *SlogReporter) Fatal(err error) {
	r.logger.Error("fatal server error", "error", err)
}

func (r *SlogReporter) Disconnect(c *Client) {
	r.logger.Info("client disconnected", "node_id", c.NodeID())
}

func (r *SlogReporter) Destroy() {
	r.logger.Info("server destroyed")
}

// NopReporter discards every milestone.
type NopReporter struct{}

func (NopReporter) Connect(*Client)                              {}
func (NopReporter) Authenticated(*Client)                        {}
func (NopReporter) Unauthenticated(*Client)                      {}
func (NopReporter) Zombie(*Client)                               {}
func (NopReporter) PreAdd(protocol.Action, protocol.Meta)        {}
func (NopReporter) Add(protocol.Action, protocol.Meta)           {}
func (NopReporter) Clean(protocol.ID)                            {}
func (NopReporter) Processed(protocol.ID, time.Duration)         {}
func (NopReporter) Subscribed(*Client, string)                   {}
func (NopReporter) Unsubscribed(*Client, string)                 {}
func (NopReporter) WrongChannel(*Client, string)                 {}
func (NopReporter) UnknownType(string, protocol.ID)              {}
func (NopReporter) Denied(protocol.ID)                           {}
func (NopReporter) Error(error, protocol.Action, *protocol.Meta) {}
func (NopReporter) ClientError(*Client, error)                   {}
func (NopReporter) Fatal(error)                                  {}
func (NopReporter) Disconnect(*Client)                           {}
func (NopReporter) Destroy()                                     {}
