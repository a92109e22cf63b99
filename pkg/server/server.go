package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/synclog-dev/synclog/pkg/log"
	"github.com/synclog-dev/synclog/pkg/protocol"
)

// AuthRequest carries the credentials a connecting client presented.
type AuthRequest struct {
	// UserID is the user part of the claimed node ID ("" for anonymous).
	UserID string

	// Token is the credential string sent with the auth message.
	Token string

	// NodeID is the full claimed node identity.
	NodeID string

	// Client is the connecting, not-yet-authenticated client.
	Client *Client
}

// AuthFunc decides whether a connecting client's claimed identity is
// genuine. Returning false closes the connection.
type AuthFunc func(ctx context.Context, req AuthRequest) (bool, error)

// Server is the action-log synchronization server.
type Server struct {
	config   *Config
	logger   *slog.Logger
	reporter Reporter
	store    log.Store

	registry *registry
	clients  *clientRegistry
	subs     *subscriptionTable

	nodeID   string
	authFunc AuthFunc

	upgrader   websocket.Upgrader
	mux        *chi.Mux
	httpServer *http.Server

	// Meta ID generation state: time must never go backwards within one
	// server so IDs stay totally ordered.
	metaMu      sync.Mutex
	lastTime    int64
	lastCounter int

	ownsStore bool
	listening atomic.Bool
	destroyed atomic.Bool
}

// New creates a Server, filling unset config fields with defaults.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		config.fillDefaults()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = "server:" + uuid.NewString()[:8]
	}

	reporter := config.Reporter
	if reporter == nil {
		reporter = NewSlogReporter(logger)
	}

	store := config.Store
	ownsStore := false
	if store == nil {
		store = log.NewMemoryStore()
		ownsStore = true
	}

	s := &Server{
		config:   config,
		logger:   logger,
		reporter: reporter,
		store:    store,
		registry: newRegistry(),
		clients:  newClientRegistry(),
		subs:     newSubscriptionTable(),
		nodeID:   nodeID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		ownsStore: ownsStore,
	}

	s.mux = chi.NewRouter()
	s.mux.HandleFunc(config.Path, s.handleWebSocket)
	s.mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return s
}

// NodeID returns this server instance's node identity.
func (s *Server) NodeID() string { return s.nodeID }

// Log returns the action log store.
func (s *Server) Log() log.Store { return s.store }

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Auth sets the authentication callback. Required before Listen.
func (s *Server) Auth(fn AuthFunc) {
	s.authFunc = fn
}

// Type registers callbacks for an action type. Registering the same type
// twice, or registering without an Access callback, is a configuration
// error.
func (s *Server) Type(name string, cb TypeCallbacks) error {
	return s.registry.registerType(name, cb)
}

// OtherType registers the fallback callbacks for unregistered action
// types. Without it, unknown types are rejected with reason "unknownType".
func (s *Server) OtherType(cb TypeCallbacks) error {
	return s.registry.registerOtherType(cb)
}

// Channel registers callbacks for a channel pattern with ":param"
// placeholders, e.g. "user/:id".
func (s *Server) Channel(pattern string, cb ChannelCallbacks) error {
	return s.registry.registerChannel(newTemplateMatcher(pattern), cb)
}

// ChannelRegexp registers callbacks for channels matching a regular
// expression; captures become positional params.
func (s *Server) ChannelRegexp(re *regexp.Regexp, cb ChannelCallbacks) error {
	return s.registry.registerChannel(&regexpMatcher{re: re}, cb)
}

// OtherChannel registers the fallback callbacks for unmatched channel
// names. Without it, unmatched subscribes are rejected with reason
// "wrongChannel".
func (s *Server) OtherChannel(cb ChannelCallbacks) error {
	return s.registry.registerOtherChannel(cb)
}

// Handler returns the HTTP handler: the WebSocket endpoint at the
// configured path plus /health. Mount it in an outer router to add
// metrics or application routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Mount attaches an extra HTTP handler (metrics, debug) to the server's
// router. Call before Listen.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Listen starts serving and blocks until SIGINT/SIGTERM or a fatal error.
// Registrations freeze once Listen is called.
func (s *Server) Listen() error {
	if s.authFunc == nil {
		return ErrNoAuthCallback
	}
	s.registry.freeze()
	s.listening.Store(true)

	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "address", s.config.Address, "node_id", s.nodeID)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			s.reporter.Fatal(err)
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every client, stops the HTTP server, and releases the
// store if the server created it.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.destroyed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	for _, c := range s.clients.snapshot() {
		c.close(false)
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.ownsStore {
		_ = s.store.Close()
	}
	s.reporter.Destroy()
	return err
}

// RemoveReason clears a retention reason from every logged action
// carrying it. Actions whose last reason is cleared leave the log and are
// reported through the Clean milestone.
func (s *Server) RemoveReason(ctx context.Context, reason string) error {
	return s.store.RemoveReason(ctx, reason, func(e log.Entry) {
		s.reporter.Clean(e.Meta.ID)
	})
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int { return s.clients.count() }

// SubscriptionCount returns the number of active subscriptions.
func (s *Server) SubscriptionCount() int { return s.subs.count() }

// newClient wires a fresh, unauthenticated client around a transport
// connection.
func (s *Server) newClient(conn connection, ip string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		server: s,
		conn:   conn,
		ip:     ip,
		ctx:    ctx,
		cancel: cancel,
	}
}

// newMeta mints the ingestion envelope for one action. The (time, counter)
// pair is monotonic within this server.
func (s *Server) newMeta() protocol.Meta {
	s.metaMu.Lock()
	now := time.Now().UnixMilli()
	if now > s.lastTime {
		s.lastTime = now
		s.lastCounter = 0
	} else {
		s.lastCounter++
	}
	id := protocol.ID{Time: s.lastTime, NodeID: s.nodeID, Counter: s.lastCounter}
	s.metaMu.Unlock()

	return protocol.Meta{
		ID:     id,
		Time:   id.Time,
		Status: protocol.StatusWaiting,
		Server: s.nodeID,
	}
}

// ingestMeta builds the meta for a client-sent action. The client's own
// ID and time are kept for dedup and ordering, but only when the ID really
// belongs to that client's node; every other field the client may have set
// (status, server, resend targets) is discarded. Resend targets come only
// from trusted server code and resend callbacks.
func (s *Server) ingestMeta(client *Client, sent *protocol.Meta) protocol.Meta {
	meta := s.newMeta()
	if sent != nil && !sent.ID.IsZero() && protocol.ClientID(sent.ID.NodeID) == client.clientID {
		meta.ID = sent.ID
		if sent.Time != 0 {
			meta.Time = sent.Time
		}
	}
	return meta
}
