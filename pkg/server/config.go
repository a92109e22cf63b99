package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/synclog-dev/synclog/pkg/log"
)

// Config holds configuration for the synclog server.
type Config struct {
	// Address is the address to listen on (e.g. ":31337").
	// Default: ":31337".
	Address string

	// Path is the WebSocket endpoint path.
	// Default: "/logux".
	Path string

	// NodeID is this server instance's node identity, stamped into
	// meta.server of every accepted action. Default: "server:<random>".
	NodeID string

	// Store is the durable action log. Default: an in-memory store owned
	// (and closed) by the server.
	Store log.Store

	// Reporter receives milestone notifications. Default: a slog-backed
	// reporter on Logger.
	Reporter Reporter

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger

	// Timeouts

	// ReadTimeout is the maximum quiet time on a client connection before
	// it is considered dead. Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// AuthTimeout is the maximum time a connection may stay
	// unauthenticated before it is dropped. Default: 10 seconds.
	AuthTimeout time.Duration

	// PingInterval is the time between WebSocket pings. Default: 30s.
	PingInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Limits

	// MaxMessageSize is the maximum incoming WebSocket message size.
	// Default: 256KB.
	MaxMessageSize int64

	// WebSocket buffer sizes. Default: 4KB each.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header on upgrade. Default: allow
	// all (the action pipeline's access checks are the real gate).
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":31337",
		Path:            "/logux",
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		AuthTimeout:     10 * time.Second,
		PingInterval:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxMessageSize:  256 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// fillDefaults fills unset fields from DefaultConfig.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
}
