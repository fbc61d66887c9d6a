// Package session wraps one agent subprocess and provides mid-turn
// steering: prompts injected while a turn is in flight reach the agent
// between its tool calls and merge into a single turn with one result.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/svenhq/dispatch/assistant/agent"
	"github.com/svenhq/dispatch/assistant/chatid"
	"github.com/svenhq/dispatch/assistant/metrics"
	"github.com/svenhq/dispatch/assistant/policy"
)

// Type classifies a session's role.
type Type string

const (
	TypeIndividual Type = "individual"
	TypeGroup      Type = "group"
	TypeBackground Type = "background"
	TypeMaster     Type = "master"
)

const (
	// queuePollInterval bounds how long the sender blocks on an empty
	// queue before re-checking the running flag.
	queuePollInterval = 30 * time.Second

	// stalenessWindow is the busy-session health allowance: a session
	// with queued work is unhealthy only when nothing has happened for
	// this long.
	stalenessWindow = 10 * time.Minute

	// pendingToolTTL prunes tool invocations that never produced a
	// result (dead subprocess edge case).
	pendingToolTTL = 30 * time.Minute

	maxSendFailures = 3

	queueCapacity = 256
)

// sendBackoff is the sleep after the nth consecutive send failure.
// Variable so tests do not wait out real backoffs.
var sendBackoff = func(strikes int) time.Duration {
	return time.Duration(2*strikes) * time.Second
}

// AgentClient is the subset of the agent adapter a session drives.
// Narrowed to an interface so tests can substitute a fake subprocess.
type AgentClient interface {
	Query(text string) error
	Events() <-chan agent.Event
	Interrupt() error
	Disconnect()
	Alive() bool
}

// Factory launches an agent subprocess for a session.
type Factory func(ctx context.Context, cwd string, opts agent.Options) (AgentClient, error)

// Config carries the immutable identity of a session.
type Config struct {
	ChatID      string
	Name        string // stable session name, filesystem key
	ContactName string
	Tier        policy.Tier
	Type        Type
	Backend     chatid.Backend
	Model       string
	Cwd         string
	CLIPath     string
	LogsDir     string
	// SystemPrompt is appended at connect time (composed by the
	// orchestrator after the map lock is released).
	SystemPrompt string
	Probe        policy.ImageProbe
}

type pendingTool struct {
	start time.Time
	name  string
}

// Session owns one agent subprocess plus its inbound queue and the
// sender/receiver goroutines.
type Session struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
	metrics *metrics.Exporter

	queue  chan string
	client AgentClient
	cancel context.CancelFunc

	running        atomic.Bool
	senderActive   atomic.Bool
	receiverActive atomic.Bool

	mu                    sync.Mutex
	sessionID             string
	createdAt             time.Time
	lastActivity          time.Time
	turnCount             int
	errorCount            int
	consecutiveErrorTurns int
	pendingQueries        int
	pendingTools          map[string]pendingTool
	turnSawSendCmd        bool
	turnUsedTools         bool
	lastReminderTurn      int

	logFile *rotatingWriter
	wg      sync.WaitGroup
}

// New builds a session; Start launches it.
func New(cfg Config, factory Factory, exporter *metrics.Exporter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:          cfg,
		factory:      factory,
		logger:       logger.With("component", "session", "session", cfg.Name),
		metrics:      exporter,
		queue:        make(chan string, queueCapacity),
		pendingTools: make(map[string]pendingTool),
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}
}

// Start connects the subprocess and launches the sender and receiver.
// A non-empty resumeID reconstructs the prior conversation; otherwise a
// fresh session id is supplied explicitly so the runtime cannot
// auto-resume a poisoned one.
func (s *Session) Start(ctx context.Context, resumeID string) error {
	cap := policy.ForTier(s.cfg.Tier, s.cfg.Type == TypeGroup)

	opts := agent.Options{
		Resume:         resumeID,
		Model:          s.cfg.Model,
		FallbackModel:  "sonnet",
		PermissionMode: cap.PermissionMode,
		AllowedTools:   cap.AllowedTools,
		MaxTurns:       cap.MaxTurns,
		SystemPrompt:   s.cfg.SystemPrompt,
		CLIPath:        s.cfg.CLIPath,
		Permission:     policy.PermissionCallback(s.cfg.Tier, s.cfg.Type == TypeGroup, s.cfg.Probe),
	}
	if resumeID == "" {
		opts.SessionID = freshSessionID(s.cfg.Name)
	}

	if s.cfg.LogsDir != "" {
		logPath := filepath.Join(s.cfg.LogsDir, "sessions", chatid.Sanitize(s.cfg.Name)+".log")
		lf, err := newRotatingWriter(logPath)
		if err != nil {
			s.logger.Warn("session log unavailable", "path", logPath, "error", err)
		} else {
			s.logFile = lf
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	client, err := s.factory(ctx, s.cfg.Cwd, opts)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "connect agent for %s", s.cfg.Name)
	}

	s.mu.Lock()
	s.sessionID = resumeID
	if resumeID == "" {
		s.sessionID = opts.SessionID
	}
	s.mu.Unlock()

	s.client = client
	s.cancel = cancel
	s.running.Store(true)
	s.senderActive.Store(true)
	s.receiverActive.Store(true)

	s.wg.Add(2)
	go s.senderLoop(runCtx)
	go s.receiverLoop()

	s.logger.Info("session started", "type", s.cfg.Type, "tier", s.cfg.Tier, "resume", resumeID != "")
	return nil
}

// Inject enqueues a prompt and returns immediately. FIFO per session.
func (s *Session) Inject(text string) error {
	if !s.running.Load() {
		return errors.Errorf("session %s is not running", s.cfg.Name)
	}
	select {
	case s.queue <- text:
	default:
		return errors.Errorf("session %s queue full", s.cfg.Name)
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// Interrupt asks the agent to stop producing output for the current turn.
func (s *Session) Interrupt() error {
	if s.client == nil {
		return errors.New("session not started")
	}
	return s.client.Interrupt()
}

// Stop terminates the session: receiver cancelled, subprocess killed.
func (s *Session) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		s.client.Disconnect()
	}
	s.wg.Wait()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
	s.logger.Info("session stopped")
}

// IsAlive reports whether the subprocess is up and both tasks are active.
func (s *Session) IsAlive() bool {
	return s.running.Load() &&
		s.senderActive.Load() &&
		s.receiverActive.Load() &&
		s.client != nil && s.client.Alive()
}

// IsHealthy applies the liveness policy used by the health supervisor.
func (s *Session) IsHealthy() bool {
	if !s.IsAlive() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorCount >= maxSendFailures || s.consecutiveErrorTurns >= 3 {
		return false
	}
	if len(s.queue) == 0 {
		return true
	}
	return time.Since(s.lastActivity) <= stalenessWindow
}

// IsBusy reports whether a turn is in flight.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingQueries > 0
}

func (s *Session) senderLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.senderActive.Store(false)

	for s.running.Load() {
		var text string
		select {
		case text = <-s.queue:
		case <-time.After(queuePollInterval):
			continue
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		s.pendingQueries++
		s.mu.Unlock()

		if err := s.client.Query(text); err != nil {
			s.mu.Lock()
			s.errorCount++
			if s.pendingQueries > 0 {
				s.pendingQueries--
			}
			strikes := s.errorCount
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.SendError()
			}
			s.logger.Warn("query send failed", "strikes", strikes, "error", err)
			if strikes >= maxSendFailures {
				s.running.Store(false)
				return
			}
			select {
			case <-time.After(sendBackoff(strikes)):
			case <-ctx.Done():
				return
			}
			continue
		}
	}
}

func (s *Session) receiverLoop() {
	defer s.wg.Done()
	defer s.receiverActive.Store(false)

	for ev := range s.client.Events() {
		switch ev := ev.(type) {
		case agent.AssistantText:
			s.logOutput(ev.Text)
		case agent.ToolUse:
			s.recordToolUse(ev)
		case agent.ToolResult:
			s.recordToolResult(ev)
		case agent.Result:
			s.handleResult(ev)
		case agent.SystemEvent:
			s.logger.Debug("agent system message", "subtype", ev.Subtype)
		case agent.StreamClosed:
			if ev.Err != nil {
				s.logger.Error("agent stream failed", "error", ev.Err)
			}
			s.running.Store(false)
			return
		}
	}
	s.running.Store(false)
}

func (s *Session) recordToolUse(ev agent.ToolUse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTools[ev.ID] = pendingTool{start: time.Now(), name: ev.Name}
	s.turnUsedTools = true
	if ev.Name == "Bash" {
		if cmd, ok := ev.Input["command"].(string); ok {
			marker := s.cfg.Backend.SendMarker()
			if marker != "" && strings.Contains(cmd, marker) {
				s.turnSawSendCmd = true
			}
		}
	}
}

func (s *Session) recordToolResult(ev agent.ToolResult) {
	s.mu.Lock()
	pending, ok := s.pendingTools[ev.ID]
	if ok {
		delete(s.pendingTools, ev.ID)
	}
	s.mu.Unlock()

	if ok && s.metrics != nil {
		s.metrics.ToolCall(pending.name, time.Since(pending.start))
	}
}

// handleResult ends a turn, possibly merged. The pending counter resets
// to zero rather than decrementing: several fast injections can merge
// into one turn that produces a single result.
func (s *Session) handleResult(ev agent.Result) {
	s.mu.Lock()
	s.pendingQueries = 0
	s.errorCount = 0
	s.turnCount++
	s.lastActivity = time.Now()
	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}
	if ev.IsError {
		s.consecutiveErrorTurns++
	} else {
		s.consecutiveErrorTurns = 0
	}
	for id, t := range s.pendingTools {
		if time.Since(t.start) > pendingToolTTL {
			delete(s.pendingTools, id)
		}
	}
	needsReminder := !ev.IsError &&
		(s.cfg.Type == TypeIndividual || s.cfg.Type == TypeGroup) &&
		s.turnUsedTools && !s.turnSawSendCmd &&
		s.turnCount-s.lastReminderTurn > 1
	if needsReminder {
		s.lastReminderTurn = s.turnCount
	}
	s.turnSawSendCmd = false
	s.turnUsedTools = false
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TurnCompleted(ev.IsError)
	}
	if needsReminder {
		reminder := fmt.Sprintf(
			"System reminder: the turn ended without sending the user a reply. If a response is owed, send it now via: %s \"message\"",
			s.cfg.Backend.SendCommand(chatid.Bare(s.cfg.ChatID)))
		if err := s.Inject(reminder); err != nil {
			s.logger.Debug("reply reminder not enqueued", "error", err)
		}
	}
	s.logger.Debug("turn completed", "turns", ev.NumTurns, "duration_ms", ev.DurationMs, "is_error", ev.IsError)
}

func (s *Session) logOutput(text string) {
	if s.logFile == nil {
		return
	}
	line := time.Now().Format(time.RFC3339) + " " + strings.TrimSpace(text) + "\n"
	if _, err := s.logFile.Write([]byte(line)); err != nil {
		s.logger.Debug("session log write failed", "error", err)
	}
}
