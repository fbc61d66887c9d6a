// Package metrics provides Prometheus metrics export for the dispatch
// daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter holds the daemon's Prometheus instruments on a private
// registry.
type Exporter struct {
	registry *prometheus.Registry

	// Ingress / routing
	messagesRouted  *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	injections      *prometheus.CounterVec

	// Session lifecycle
	activeSessions  prometheus.Gauge
	sessionsCreated *prometheus.CounterVec
	sessionRestarts *prometheus.CounterVec
	sessionKills    *prometheus.CounterVec

	// Turn / tool activity
	turns       *prometheus.CounterVec
	toolLatency *prometheus.HistogramVec
	sendErrors  prometheus.Counter

	// Registry persistence
	registryFlushes prometheus.Counter

	// Vision pipeline
	visionCalls *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	Registry       *prometheus.Registry
	LatencyBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter creates the daemon metrics exporter.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.messagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "ingress",
			Name:      "messages_routed_total",
			Help:      "Inbound messages routed to a session",
		},
		[]string{"backend", "kind"},
	)
	e.messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "ingress",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped before reaching a session",
		},
		[]string{"backend", "reason"},
	)
	e.injections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "injections_total",
			Help:      "Prompts enqueued to sessions",
		},
		[]string{"kind"},
	)
	e.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sessions",
		},
	)
	e.sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions created",
		},
		[]string{"session_type", "tier"},
	)
	e.sessionRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "restarts_total",
			Help:      "Session restarts by trigger",
		},
		[]string{"reason"},
	)
	e.sessionKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "kills_total",
			Help:      "Session kills by trigger",
		},
		[]string{"reason"},
	)
	e.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Completed agent turns",
		},
		[]string{"status"},
	)
	e.toolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "tool_latency_seconds",
			Help:      "Tool call latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"tool_name"},
	)
	e.sendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "send_errors_total",
			Help:      "Failed query sends to agent subprocesses",
		},
	)
	e.registryFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "registry",
			Name:      "flushes_total",
			Help:      "Registry disk flushes",
		},
	)
	e.visionCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "vision",
			Name:      "calls_total",
			Help:      "Vision CLI invocations",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		e.messagesRouted, e.messagesDropped, e.injections,
		e.activeSessions, e.sessionsCreated, e.sessionRestarts, e.sessionKills,
		e.turns, e.toolLatency, e.sendErrors,
		e.registryFlushes, e.visionCalls,
	)
	return e
}

// Registry exposes the underlying registry for the HTTP handler.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

func (e *Exporter) MessageRouted(backend, kind string) {
	e.messagesRouted.WithLabelValues(backend, kind).Inc()
}

func (e *Exporter) MessageDropped(backend, reason string) {
	e.messagesDropped.WithLabelValues(backend, reason).Inc()
}

func (e *Exporter) Injection(kind string) {
	e.injections.WithLabelValues(kind).Inc()
}

func (e *Exporter) SetActiveSessions(n int) {
	e.activeSessions.Set(float64(n))
}

func (e *Exporter) SessionCreated(sessionType, tier string) {
	e.sessionsCreated.WithLabelValues(sessionType, tier).Inc()
}

func (e *Exporter) SessionRestarted(reason string) {
	e.sessionRestarts.WithLabelValues(reason).Inc()
}

func (e *Exporter) SessionKilled(reason string) {
	e.sessionKills.WithLabelValues(reason).Inc()
}

func (e *Exporter) TurnCompleted(isError bool) {
	status := "ok"
	if isError {
		status = "error"
	}
	e.turns.WithLabelValues(status).Inc()
}

func (e *Exporter) ToolCall(name string, duration time.Duration) {
	e.toolLatency.WithLabelValues(name).Observe(duration.Seconds())
}

func (e *Exporter) SendError() {
	e.sendErrors.Inc()
}

func (e *Exporter) RegistryFlush() {
	e.registryFlushes.Inc()
}

func (e *Exporter) VisionCall(status string) {
	e.visionCalls.WithLabelValues(status).Inc()
}
