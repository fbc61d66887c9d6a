package profile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Profile is the configuration to start the dispatch daemon.
//
// It is populated from config.local.yaml (viper) plus environment
// overrides. Owner identity is required; everything else has a default
// rooted under the state directory.
type Profile struct {
	// Owner identity. Messages from OwnerPhone are admin-tier and may use
	// the control intercepts (HEALME / MASTER / RESTART).
	OwnerName  string
	OwnerPhone string

	// SignalAccount is the registered signal-cli account (E.164). Empty
	// disables the Signal listener.
	SignalAccount string

	// SignalSocket is the signal-cli daemon's JSON-RPC unix socket.
	SignalSocket string

	// Filesystem roots.
	StateDir       string // registry, reminders, contacts snapshot
	TranscriptsDir string // per-session working directories
	LogsDir        string // daemon + per-session rotating logs

	// IPCSocket is the unix socket path for the control plane.
	IPCSocket string

	// MetricsListen is the address for the /metrics listener. Empty
	// disables it.
	MetricsListen string

	// AgentCLI is the agent runtime binary. Resolved via $PATH when bare.
	AgentCLI string

	// Vision CLI used for image description (60s budget per call).
	VisionCLI   string
	VisionModel string

	// Tier 2 health classifier, OpenAI-compatible endpoint.
	ClassifierBaseURL string
	ClassifierAPIKey  string
	ClassifierModel   string

	// TestInboxDir is the drop directory for the test harness backend.
	TestInboxDir string

	// SoulPath is the identity document prepended to every startup
	// prompt. Empty means <home>/.claude/SOUL.md.
	SoulPath string

	// Helper scripts. Each is optional; a missing helper degrades to an
	// empty prompt section (or disables the feature it backs).
	NotesHelper     string
	MemoryHelper    string
	SummarizeHelper string
	ReminderHelper  string

	Mode    string
	Version string
}

// Load builds a Profile from the viper-backed config document.
func Load(v *viper.Viper) (*Profile, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "resolve home directory")
	}
	root := filepath.Join(home, "dispatch")

	p := &Profile{
		OwnerName:         v.GetString("owner.name"),
		OwnerPhone:        v.GetString("owner.phone"),
		SignalAccount:     v.GetString("signal.account"),
		SignalSocket:      stringOr(v.GetString("signal.socket"), "/tmp/signal-cli.sock"),
		StateDir:          stringOr(v.GetString("paths.state"), filepath.Join(root, "state")),
		TranscriptsDir:    stringOr(v.GetString("paths.transcripts"), filepath.Join(home, "transcripts")),
		LogsDir:           stringOr(v.GetString("paths.logs"), filepath.Join(root, "logs")),
		IPCSocket:         stringOr(v.GetString("ipc.socket"), "/tmp/claude-assistant.sock"),
		MetricsListen:     v.GetString("metrics.listen"),
		AgentCLI:          stringOr(v.GetString("agent.cli"), "claude"),
		VisionCLI:         stringOr(v.GetString("vision.cli"), "gemini"),
		VisionModel:       stringOr(v.GetString("vision.model"), "gemini-2.0-flash"),
		ClassifierBaseURL: v.GetString("health.classifier.base_url"),
		ClassifierAPIKey:  v.GetString("health.classifier.api_key"),
		ClassifierModel:   stringOr(v.GetString("health.classifier.model"), "claude-haiku"),
		TestInboxDir:      stringOr(v.GetString("paths.test_inbox"), filepath.Join(root, "test-messages")),
		SoulPath:          v.GetString("paths.soul"),
		NotesHelper:       v.GetString("helpers.notes"),
		MemoryHelper:      v.GetString("helpers.memory"),
		SummarizeHelper:   v.GetString("helpers.summarize"),
		ReminderHelper:    v.GetString("helpers.reminders"),
		Mode:              stringOr(v.GetString("mode"), "prod"),
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func stringOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate checks required keys and prepares the filesystem roots.
// Missing owner identity aborts startup: the daemon cannot classify
// admin traffic without it.
func (p *Profile) Validate() error {
	if p.OwnerName == "" {
		return errors.New("required config 'owner.name' is missing (check config.local.yaml)")
	}
	if p.OwnerPhone == "" {
		return errors.New("required config 'owner.phone' is missing (check config.local.yaml)")
	}
	if !strings.HasPrefix(p.OwnerPhone, "+") {
		return errors.Errorf("config 'owner.phone' must be E.164, got %q", p.OwnerPhone)
	}

	for _, dir := range []string{p.StateDir, p.TranscriptsDir, p.LogsDir, filepath.Join(p.LogsDir, "sessions")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "unable to create directory %s", dir)
		}
	}
	return nil
}
