package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// clientMessage is the inbound wire envelope. The first message on a
// connection must be an auth message; afterwards action messages carry the
// client's actions with their metas.
type clientMessage struct {
	Type   string          `json:"type"` // "auth" | "action" | "ping"
	NodeID string          `json:"nodeId,omitempty"`
	Token  string          `json:"token,omitempty"`
	Action protocol.Action `json:"action,omitempty"`
	Meta   *protocol.Meta  `json:"meta,omitempty"`
}

// serverMessage is the outbound wire envelope.
type serverMessage struct {
	Type   string          `json:"type"` // "authenticated" | "action" | "error" | "pong"
	Action protocol.Action `json:"action,omitempty"`
	Meta   *protocol.Meta  `json:"meta,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// wsConn adapts a gorilla connection to the engine's connection interface.
// The mutex serializes writes; gorilla connections allow one writer.
type wsConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (w *wsConn) SendAction(action protocol.Action, meta protocol.Meta) error {
	return w.send(serverMessage{Type: "action", Action: action, Meta: &meta})
}

func (w *wsConn) send(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

// handleWebSocket upgrades the connection and runs the client's read loop
// on the handler goroutine. One goroutine per client keeps that client's
// actions strictly ordered while clients stay independent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.destroyed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	ws := &wsConn{conn: conn, writeTimeout: s.config.WriteTimeout}
	client := s.newClient(ws, ip)
	s.reporter.Connect(client)

	if !s.authenticate(client, ws, conn) {
		client.close(false)
		return
	}

	pingDone := make(chan struct{})
	go s.pingLoop(ws, pingDone)
	defer close(pingDone)

	s.readLoop(client, ws, conn)
	client.close(false)
}

// authenticate reads the first message, which must claim a node identity,
// and runs the auth callback. Zombie resolution happens here: a prior
// connection holding the same node ID is evicted before this one becomes
// visible to broadcasts.
func (s *Server) authenticate(client *Client, ws *wsConn, conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(s.config.AuthTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.reporter.ClientError(client, &ClientError{Op: "auth read", Err: err})
		return false
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reporter.ClientError(client, &ClientError{Op: "auth decode", Err: err})
		return false
	}
	if msg.Type != "auth" || msg.NodeID == "" {
		_ = ws.send(serverMessage{Type: "error", Error: "auth message expected"})
		s.reporter.Unauthenticated(client)
		return false
	}

	client.nodeID = msg.NodeID
	client.userID = protocol.UserID(msg.NodeID)
	client.clientID = protocol.ClientID(msg.NodeID)

	allowed, err := s.authFunc(client.ctx, AuthRequest{
		UserID: client.userID,
		Token:  msg.Token,
		NodeID: msg.NodeID,
		Client: client,
	})
	if err != nil {
		s.reporter.Error(err, nil, nil)
		_ = ws.send(serverMessage{Type: "error", Error: "internal error"})
		return false
	}
	if !allowed {
		_ = ws.send(serverMessage{Type: "error", Error: "wrong credentials"})
		s.reporter.Unauthenticated(client)
		return false
	}

	client.authenticated.Store(true)
	if evicted := s.clients.register(client); evicted != nil {
		s.reporter.Zombie(evicted)
		evicted.close(true)
	}
	s.reporter.Authenticated(client)
	_ = ws.send(serverMessage{Type: "authenticated"})
	return true
}

// readLoop processes messages until the connection dies. Actions dispatch
// synchronously, preserving this client's order.
func (s *Server) readLoop(client *Client, ws *wsConn, conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				s.reporter.ClientError(client, &ClientError{NodeID: client.nodeID, Op: "read", Err: err})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reporter.ClientError(client, &ClientError{NodeID: client.nodeID, Op: "decode", Err: err})
			continue
		}

		switch msg.Type {
		case "action":
			if msg.Action.Type() == "" {
				s.reporter.ClientError(client, &ClientError{NodeID: client.nodeID, Op: "action", Err: errMalformedAction})
				continue
			}
			meta := s.ingestMeta(client, msg.Meta)
			ctx := s.clientContext(client.ctx, client)
			s.dispatch(ctx, msg.Action, &meta)

		case "ping":
			_ = ws.send(serverMessage{Type: "pong"})

		default:
			s.reporter.ClientError(client, &ClientError{NodeID: client.nodeID, Op: "message", Err: errUnknownMessage})
		}
	}
}

func (s *Server) pingLoop(ws *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}
