package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, e *Exporter) map[string]bool {
	t.Helper()
	families, err := e.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestExporterRegistersInstruments(t *testing.T) {
	e := NewExporter(DefaultConfig())

	e.MessageRouted("imessage", "individual")
	e.MessageDropped("signal", "unknown_sender")
	e.Injection("group")
	e.SetActiveSessions(3)
	e.SessionCreated("individual", "favorite")
	e.SessionRestarted("fast:api_error")
	e.SessionKilled("idle")
	e.TurnCompleted(false)
	e.TurnCompleted(true)
	e.ToolCall("Bash", 120*time.Millisecond)
	e.SendError()
	e.RegistryFlush()
	e.VisionCall("ok")

	names := gatheredNames(t, e)
	for _, want := range []string{
		"dispatch_ingress_messages_routed_total",
		"dispatch_ingress_messages_dropped_total",
		"dispatch_session_injections_total",
		"dispatch_session_active",
		"dispatch_session_created_total",
		"dispatch_session_restarts_total",
		"dispatch_session_kills_total",
		"dispatch_session_turns_total",
		"dispatch_session_tool_latency_seconds",
		"dispatch_session_send_errors_total",
		"dispatch_registry_flushes_total",
		"dispatch_vision_calls_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestExporterSharedRegistry(t *testing.T) {
	a := NewExporter(DefaultConfig())
	b := NewExporter(DefaultConfig())
	assert.NotSame(t, a.Registry(), b.Registry())
}
