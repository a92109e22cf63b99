// Package backend proxies action callbacks to a remote HTTP service. The
// remote side implements access, resend, and process for an action type;
// the proxy satisfies the same TypeCallbacks contract as a local handler,
// so the pipeline cannot tell the difference.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/synclog-dev/synclog/pkg/protocol"
	"github.com/synclog-dev/synclog/pkg/server"
)

// Backend posts pipeline commands to one remote endpoint.
type Backend struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l.With("component", "backend") }
}

// New creates a Backend for the given endpoint URL. The secret
// authenticates this server to the remote side via the Authorization
// header.
func New(url, secret string, opts ...Option) *Backend {
	b := &Backend{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default().With("component", "backend"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// command is the request body for one proxied callback invocation.
type command struct {
	Command string          `json:"command"` // "access" | "resend" | "process"
	Action  protocol.Action `json:"action"`
	Meta    protocol.Meta   `json:"meta"`
	UserID  string          `json:"userId,omitempty"`
	NodeID  string          `json:"nodeId,omitempty"`
}

// reply is the remote side's answer.
type reply struct {
	Allowed bool            `json:"allowed"`
	Resend  protocol.Resend `json:"resend"`
	Error   string          `json:"error,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Callbacks returns the TypeCallbacks record proxying every stage to the
// remote endpoint. Register it per type or as the OtherType fallback to
// forward the whole unknown-type surface.
func (b *Backend) Callbacks() server.TypeCallbacks {
	return server.TypeCallbacks{
		Access: func(ctx *server.Context, action protocol.Action, meta *protocol.Meta) (bool, error) {
			rep, err := b.post(ctx, "access", action, meta)
			if err != nil {
				return false, err
			}
			return rep.Allowed, nil
		},
		Resend: func(ctx *server.Context, action protocol.Action, meta *protocol.Meta) (protocol.Resend, error) {
			rep, err := b.post(ctx, "resend", action, meta)
			if err != nil {
				return protocol.Resend{}, err
			}
			return rep.Resend, nil
		},
		Process: func(ctx *server.Context, action protocol.Action, meta *protocol.Meta) error {
			_, err := b.post(ctx, "process", action, meta)
			return err
		},
	}
}

// Channels returns the ChannelCallbacks record proxying subscription
// authorization to the remote endpoint. The subscribe action itself is
// forwarded, so the remote side sees the channel name and the since hint.
func (b *Backend) Channels() server.ChannelCallbacks {
	return server.ChannelCallbacks{
		Access: func(ctx *server.Context, action protocol.Action, meta *protocol.Meta) (bool, error) {
			rep, err := b.post(ctx, "access", action, meta)
			if err != nil {
				return false, err
			}
			return rep.Allowed, nil
		},
		Init: func(ctx *server.Context, action protocol.Action, meta *protocol.Meta) error {
			_, err := b.post(ctx, "process", action, meta)
			return err
		},
	}
}

// Auth returns an AuthFunc that delegates credential checks to the remote
// endpoint with an "auth" command.
func (b *Backend) Auth() server.AuthFunc {
	return func(ctx context.Context, req server.AuthRequest) (bool, error) {
		body, err := json.Marshal(map[string]string{
			"command": "auth",
			"userId":  req.UserID,
			"nodeId":  req.NodeID,
			"token":   req.Token,
		})
		if err != nil {
			return false, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+b.secret)

		resp, err := b.client.Do(httpReq)
		if err != nil {
			return false, fmt.Errorf("backend: auth: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return false, fmt.Errorf("backend: auth read: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("backend: auth: unexpected status %d", resp.StatusCode)
		}
		var rep reply
		if err := json.Unmarshal(data, &rep); err != nil {
			return false, fmt.Errorf("backend: auth decode: %w", err)
		}
		return rep.Allowed, nil
	}
}

func (b *Backend) post(ctx *server.Context, cmd string, action protocol.Action, meta *protocol.Meta) (*reply, error) {
	body, err := json.Marshal(command{
		Command: cmd,
		Action:  action,
		Meta:    *meta,
		UserID:  ctx.UserID,
		NodeID:  ctx.NodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: encode %s: %w", cmd, err)
	}

	req, err := http.NewRequestWithContext(ctx.Context(), http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: %s request: %w", cmd, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.secret)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", cmd, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("backend: %s read: %w", cmd, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: %s: unexpected status %d", cmd, resp.StatusCode)
	}

	var rep reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("backend: %s decode: %w", cmd, err)
	}
	if rep.Reason != "" {
		// The remote side picked the undo reason itself.
		return nil, &server.UndoError{Reason: rep.Reason}
	}
	if rep.Error != "" {
		return nil, fmt.Errorf("backend: %s: %s", cmd, rep.Error)
	}
	return &rep, nil
}
