package profile

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	root := t.TempDir()
	v := viper.New()
	v.Set("owner.name", "Sven")
	v.Set("owner.phone", "+15550100001")
	v.Set("paths.state", filepath.Join(root, "state"))
	v.Set("paths.transcripts", filepath.Join(root, "transcripts"))
	v.Set("paths.logs", filepath.Join(root, "logs"))
	v.Set("paths.test_inbox", filepath.Join(root, "test-messages"))
	return v
}

func TestLoadDefaults(t *testing.T) {
	p, err := Load(newTestViper(t))
	require.NoError(t, err)

	assert.Equal(t, "Sven", p.OwnerName)
	assert.Equal(t, "+15550100001", p.OwnerPhone)
	assert.Equal(t, "/tmp/claude-assistant.sock", p.IPCSocket)
	assert.Equal(t, "claude", p.AgentCLI)
	assert.Equal(t, "gemini", p.VisionCLI)
	assert.Equal(t, "/tmp/signal-cli.sock", p.SignalSocket)
	assert.Equal(t, "prod", p.Mode)
	assert.False(t, p.IsDev())
	assert.Empty(t, p.SignalAccount)
	assert.Empty(t, p.MetricsListen)
}

func TestLoadOverrides(t *testing.T) {
	v := newTestViper(t)
	v.Set("mode", "dev")
	v.Set("agent.cli", "/opt/agent/bin/claude")
	v.Set("ipc.socket", "/run/dispatch.sock")
	v.Set("metrics.listen", "127.0.0.1:9815")
	v.Set("helpers.notes", "/opt/helpers/notes.sh")

	p, err := Load(v)
	require.NoError(t, err)

	assert.True(t, p.IsDev())
	assert.Equal(t, "/opt/agent/bin/claude", p.AgentCLI)
	assert.Equal(t, "/run/dispatch.sock", p.IPCSocket)
	assert.Equal(t, "127.0.0.1:9815", p.MetricsListen)
	assert.Equal(t, "/opt/helpers/notes.sh", p.NotesHelper)
}

func TestLoadRequiresOwner(t *testing.T) {
	v := newTestViper(t)
	v.Set("owner.name", "")
	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner.name")

	v = newTestViper(t)
	v.Set("owner.phone", "")
	_, err = Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner.phone")
}

func TestLoadRejectsNonE164OwnerPhone(t *testing.T) {
	v := newTestViper(t)
	v.Set("owner.phone", "5550100001")
	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E.164")
}

func TestLoadCreatesDirectories(t *testing.T) {
	v := newTestViper(t)
	p, err := Load(v)
	require.NoError(t, err)

	for _, dir := range []string{p.StateDir, p.TranscriptsDir, p.LogsDir, filepath.Join(p.LogsDir, "sessions")} {
		assert.DirExists(t, dir)
	}
}
