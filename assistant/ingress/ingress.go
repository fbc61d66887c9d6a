// Package ingress merges inbound message streams from every backend
// into one ordered queue for the orchestrator: the signal-cli JSON-RPC
// socket, the test harness drop directory, and the reminder poller.
// iMessage rows arrive through the same queue from the external
// chat.db bridge.
package ingress

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/svenhq/dispatch/assistant/message"
	"github.com/svenhq/dispatch/assistant/metrics"
)

const defaultQueueSize = 512

// Multiplexer is the single funnel between backends and the
// orchestrator. Producers call Emit; the orchestrator drains
// Messages(). Order is preserved per producer; the queue drops when
// full rather than blocking a backend listener.
type Multiplexer struct {
	ch      chan message.Message
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Exporter
}

// NewMultiplexer sizes the shared queue and installs a generous
// throttle that only bites when a backend runs away (a looping test
// harness, a replayed signal backlog).
func NewMultiplexer(logger *slog.Logger, exporter *metrics.Exporter) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		ch:      make(chan message.Message, defaultQueueSize),
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		logger:  logger.With("component", "ingress"),
		metrics: exporter,
	}
}

// Emit queues one message. Empty messages, throttled messages, and
// messages that find the queue full are dropped with a log.
func (m *Multiplexer) Emit(msg message.Message) {
	if msg.Empty() {
		m.drop(msg, "empty")
		return
	}
	if !m.limiter.Allow() {
		m.drop(msg, "throttled")
		return
	}
	select {
	case m.ch <- msg:
		if m.metrics != nil {
			m.metrics.MessageRouted(msg.SourceBackend, kind(msg))
		}
	default:
		m.drop(msg, "queue_full")
	}
}

// Messages is the orchestrator's intake.
func (m *Multiplexer) Messages() <-chan message.Message { return m.ch }

// Close ends the stream; the orchestrator's drain loop exits when the
// channel empties.
func (m *Multiplexer) Close() { close(m.ch) }

func (m *Multiplexer) drop(msg message.Message, reason string) {
	m.logger.Warn("message dropped", "backend", msg.SourceBackend, "chat_id", msg.ChatID, "reason", reason)
	if m.metrics != nil {
		m.metrics.MessageDropped(msg.SourceBackend, reason)
	}
}

func kind(msg message.Message) string {
	if msg.IsGroup {
		return "group"
	}
	return "individual"
}
