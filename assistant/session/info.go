package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/svenhq/dispatch/assistant/agent"
	"github.com/svenhq/dispatch/assistant/policy"
)

// Namespace for deterministic session ids derived from session names.
var sessionNamespace = uuid.Must(uuid.FromBytes([]byte{
	0x3f, 0x8a, 0x51, 0xe2, 0x7c, 0x04, 0x4b, 0x9d,
	0xa6, 0x1e, 0x92, 0x5b, 0x0c, 0x7f, 0xd4, 0x28,
}))

// freshSessionID derives a new session id. Time-salted so a restart
// never collides with the id of the conversation it replaced.
func freshSessionID(name string) string {
	salt := name + "@" + time.Now().Format(time.RFC3339Nano)
	return uuid.NewSHA1(sessionNamespace, []byte(salt)).String()
}

// Info is a point-in-time snapshot for status reporting.
type Info struct {
	ChatID                string      `json:"chat_id"`
	Name                  string      `json:"session_name"`
	ContactName           string      `json:"contact_name"`
	Tier                  policy.Tier `json:"tier"`
	Type                  Type        `json:"session_type"`
	Backend               string      `json:"source_backend"`
	Model                 string      `json:"model"`
	SessionID             string      `json:"session_id,omitempty"`
	Cwd                   string      `json:"cwd"`
	CreatedAt             time.Time   `json:"created_at"`
	LastActivity          time.Time   `json:"last_activity"`
	TurnCount             int         `json:"turn_count"`
	ErrorCount            int         `json:"error_count"`
	ConsecutiveErrorTurns int         `json:"consecutive_error_turns"`
	PendingQueries        int         `json:"pending_queries"`
	QueueLength           int         `json:"queue_length"`
	Alive                 bool        `json:"alive"`
	Healthy               bool        `json:"healthy"`
	Busy                  bool        `json:"busy"`
}

// Snapshot returns the session's current info.
func (s *Session) Snapshot() Info {
	alive := s.IsAlive()
	healthy := s.IsHealthy()
	busy := s.IsBusy()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ChatID:                s.cfg.ChatID,
		Name:                  s.cfg.Name,
		ContactName:           s.cfg.ContactName,
		Tier:                  s.cfg.Tier,
		Type:                  s.cfg.Type,
		Backend:               s.cfg.Backend.Name,
		Model:                 s.cfg.Model,
		SessionID:             s.sessionID,
		Cwd:                   s.cfg.Cwd,
		CreatedAt:             s.createdAt,
		LastActivity:          s.lastActivity,
		TurnCount:             s.turnCount,
		ErrorCount:            s.errorCount,
		ConsecutiveErrorTurns: s.consecutiveErrorTurns,
		PendingQueries:        s.pendingQueries,
		QueueLength:           len(s.queue),
		Alive:                 alive,
		Healthy:               healthy,
		Busy:                  busy,
	}
}

// Accessors used by the orchestrator and supervisors.

func (s *Session) ChatID() string     { return s.cfg.ChatID }
func (s *Session) Name() string       { return s.cfg.Name }
func (s *Session) Tier() policy.Tier  { return s.cfg.Tier }
func (s *Session) SessionType() Type  { return s.cfg.Type }
func (s *Session) Cwd() string        { return s.cfg.Cwd }
func (s *Session) Model() string      { return s.cfg.Model }
func (s *Session) ContactName() string { return s.cfg.ContactName }

// SessionID returns the current resume id reported by the agent.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LastActivity returns the last enqueue or turn-completion time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// DefaultFactory launches real agent subprocesses.
func DefaultFactory(logger *slog.Logger) Factory {
	return func(ctx context.Context, cwd string, opts agent.Options) (AgentClient, error) {
		return agent.Connect(ctx, cwd, opts, logger)
	}
}
