// Package ipc exposes the daemon's control plane: a unix socket with
// newline-framed JSON requests, one response per request. The control
// CLI is the only intended client, so the socket is owner-only.
package ipc

import (
	"github.com/svenhq/dispatch/assistant/session"
)

// DefaultSocketPath is where the daemon listens unless configured
// otherwise.
const DefaultSocketPath = "/tmp/claude-assistant.sock"

// Request is one command from the control CLI.
type Request struct {
	Cmd         string `json:"cmd"`
	ChatID      string `json:"chat_id,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Model       string `json:"model,omitempty"`
	SMS         bool   `json:"sms,omitempty"`
	Admin       bool   `json:"admin,omitempty"`
	BG          bool   `json:"bg,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Source      string `json:"source,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

// StatusRecord is one session's live state enriched with registry
// fields the session itself does not carry.
type StatusRecord struct {
	session.Info
	DisplayName  string   `json:"display_name,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// Response is the reply to one request. Errors set OK=false and never
// take the server down.
type Response struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Message  string         `json:"message,omitempty"`
	Sessions []StatusRecord `json:"sessions,omitempty"`
}

// Controller is the orchestrator surface the server drives.
type Controller interface {
	Status() []StatusRecord
	KillSession(chatID string) bool
	KillAllSessions() int
	RestartSession(chatID, reason string) error
	SetModel(chatID, model string) error
	// Inject routes a prompt per the request flags and returns the
	// session name it landed in.
	Inject(req Request) (string, error)
}
