// Package middleware provides observability decorators for the synclog
// server: a Prometheus metrics reporter and an OpenTelemetry tracing
// wrapper for type callbacks.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synclog-dev/synclog/pkg/protocol"
	"github.com/synclog-dev/synclog/pkg/server"
)

// MetricsConfig configures the Prometheus metrics reporter.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "synclog").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for processing latency.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics reporter.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the latency histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "synclog",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// MetricsReporter is a server.Reporter decorator that counts milestones in
// Prometheus and forwards every call to the wrapped reporter.
type MetricsReporter struct {
	next server.Reporter

	connectedClients  prometheus.Gauge
	subscriptions     prometheus.Gauge
	actionsAdded      *prometheus.CounterVec
	actionsProcessed  prometheus.Counter
	actionsDenied     prometheus.Counter
	actionErrors      prometheus.Counter
	clientErrors      prometheus.Counter
	unknownTypes      prometheus.Counter
	wrongChannels     prometheus.Counter
	zombies           prometheus.Counter
	processingSeconds prometheus.Histogram
}

// NewMetricsReporter wraps next with Prometheus instrumentation.
func NewMetricsReporter(next server.Reporter, opts ...MetricsOption) *MetricsReporter {
	cfg := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if next == nil {
		next = server.NopReporter{}
	}
	factory := promauto.With(cfg.Registry)

	return &MetricsReporter{
		next: next,
		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "connected_clients",
			Help: "Number of connected, authenticated clients.",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "subscriptions",
			Help: "Number of active channel subscriptions.",
		}),
		actionsAdded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "actions_added_total",
			Help: "Actions appended to the log, by action type.",
		}, []string{"type"}),
		actionsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "actions_processed_total",
			Help: "Actions that reached the processed status.",
		}),
		actionsDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "actions_denied_total",
			Help: "Actions rejected by an access callback.",
		}),
		actionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "action_errors_total",
			Help: "Processing failures reported by the pipeline.",
		}),
		clientErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "client_errors_total",
			Help: "Transport and protocol faults scoped to one client.",
		}),
		unknownTypes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "unknown_types_total",
			Help: "Actions with no registered type callbacks.",
		}),
		wrongChannels: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "wrong_channels_total",
			Help: "Subscriptions to channels no pattern matches.",
		}),
		zombies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name: "zombie_evictions_total",
			Help: "Stale connections evicted by a reconnect with the same node ID.",
		}),
		processingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
			Name:    "processing_seconds",
			Help:    "Latency from action receipt to processed acknowledgement.",
			Buckets: cfg.Buckets,
		}),
	}
}

func (m *MetricsReporter) Connect(c *server.Client) {
	m.next.Connect(c)
}

func (m *MetricsReporter) Authenticated(c *server.Client) {
	m.connectedClients.Inc()
	m.next.Authenticated(c)
}

func (m *MetricsReporter) Unauthenticated(c *server.Client) {
	m.next.Unauthenticated(c)
}

func (m *MetricsReporter) Zombie(c *server.Client) {
	m.zombies.Inc()
	m.connectedClients.Dec()
	m.next.Zombie(c)
}

func (m *MetricsReporter) PreAdd(action protocol.Action, meta protocol.Meta) {
	m.next.PreAdd(action, meta)
}

func (m *MetricsReporter) Add(action protocol.Action, meta protocol.Meta) {
	m.actionsAdded.WithLabelValues(action.Type()).Inc()
	m.next.Add(action, meta)
}

func (m *MetricsReporter) Clean(id protocol.ID) {
	m.next.Clean(id)
}

func (m *MetricsReporter) Processed(id protocol.ID, latency time.Duration) {
	m.actionsProcessed.Inc()
	m.processingSeconds.Observe(latency.Seconds())
	m.next.Processed(id, latency)
}

func (m *MetricsReporter) Subscribed(c *server.Client, channel string) {
	m.subscriptions.Inc()
	m.next.Subscribed(c, channel)
}

func (m *MetricsReporter) Unsubscribed(c *server.Client, channel string) {
	m.subscriptions.Dec()
	m.next.Unsubscribed(c, channel)
}

func (m *MetricsReporter) WrongChannel(c *server.Client, channel string) {
	m.wrongChannels.Inc()
	m.next.WrongChannel(c, channel)
}

func (m *MetricsReporter) UnknownType(typ string, id protocol.ID) {
	m.unknownTypes.Inc()
	m.next.UnknownType(typ, id)
}

func (m *MetricsReporter) Denied(id protocol.ID) {
	m.actionsDenied.Inc()
	m.next.Denied(id)
}

func (m *MetricsReporter) Error(err error, action protocol.Action, meta *protocol.Meta) {
	m.actionErrors.Inc()
	m.next.Error(err, action, meta)
}

func (m *MetricsReporter) ClientError(c *server.Client, err error) {
	m.clientErrors.Inc()
	m.next.ClientError(c, err)
}

func (m *MetricsReporter) Fatal(err error) {
	m.next.Fatal(err)
}

func (m *MetricsReporter) Disconnect(c *server.Client) {
	m.connectedClients.Dec()
	m.next.Disconnect(c)
}

func (m *MetricsReporter) Destroy() {
	m.next.Destroy()
}
