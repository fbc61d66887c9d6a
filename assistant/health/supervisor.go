package health

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/svenhq/dispatch/assistant/metrics"
	"github.com/svenhq/dispatch/assistant/session"
	"github.com/svenhq/dispatch/assistant/transcript"
)

const (
	fastInterval = 60 * time.Second
	deepInterval = 5 * time.Minute
	// A restarted session is left alone for this long so the fast and
	// deep tiers cannot double-heal it.
	healedTTL = 5 * time.Minute

	deepTextCap = 4000
)

// SessionView is the slice of session state the supervisor scans.
type SessionView struct {
	ChatID    string
	Name      string
	Cwd       string
	SessionID string
	Type      session.Type
	Alive     bool
}

// Controller is the orchestrator surface the supervisor drives.
type Controller interface {
	HealthSnapshot() []SessionView
	RestartSession(chatID, reason string) error
}

// Supervisor runs the two healing tiers on their own cadences.
type Supervisor struct {
	ctl        Controller
	classifier Classifier
	home       string
	logger     *slog.Logger
	metrics    *metrics.Exporter

	mu       sync.Mutex
	healed   map[string]time.Time
	lastScan map[string]time.Time
}

func NewSupervisor(ctl Controller, classifier Classifier, home string, logger *slog.Logger, exporter *metrics.Exporter) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		ctl:        ctl,
		classifier: classifier,
		home:       home,
		logger:     logger.With("component", "health"),
		metrics:    exporter,
		healed:     make(map[string]time.Time),
		lastScan:   make(map[string]time.Time),
	}
}

// Run blocks until ctx is canceled, scanning on both cadences.
func (s *Supervisor) Run(ctx context.Context) {
	fast := time.NewTicker(fastInterval)
	deep := time.NewTicker(deepInterval)
	defer fast.Stop()
	defer deep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			s.fastScan(ctx)
		case <-deep.C:
			hits := s.fastScan(ctx)
			s.deepScan(ctx, hits)
		}
	}
}

// exempt sessions never get auto-healed: background sessions have no
// user waiting on them and the master session is the admin's own.
func exempt(v SessionView) bool {
	return v.Type == session.TypeBackground ||
		v.Type == session.TypeMaster ||
		strings.HasSuffix(v.ChatID, "-bg")
}

// fastScan is tier 1: crashed subprocesses and fatal transcript
// patterns. Returns the chat ids it handled so the deep tier can skip
// them within the same cycle.
func (s *Supervisor) fastScan(ctx context.Context) map[string]struct{} {
	s.pruneHealed()
	hits := make(map[string]struct{})

	for _, v := range s.ctl.HealthSnapshot() {
		if ctx.Err() != nil {
			return hits
		}
		if exempt(v) || s.recentlyHealed(v.ChatID) {
			continue
		}

		if !v.Alive {
			s.restart(v, "crashed")
			hits[v.ChatID] = struct{}{}
			continue
		}

		since := s.sinceFor(v.ChatID)
		path, ok := transcript.Find(s.home, v.Cwd, v.SessionID)
		if !ok {
			continue
		}
		entries, err := transcript.AssistantEntriesSince(path, since)
		if err != nil {
			s.logger.Warn("transcript read failed", "session", v.Name, "error", err)
			continue
		}
		if label, fatal := CheckFatal(entries); fatal {
			s.logger.Warn("fatal pattern in transcript", "session", v.Name, "label", label)
			s.restart(v, label)
			hits[v.ChatID] = struct{}{}
		}
	}
	return hits
}

// deepScan is tier 2: model classification of the last five minutes of
// assistant output for sessions tier 1 found nothing wrong with.
func (s *Supervisor) deepScan(ctx context.Context, skip map[string]struct{}) {
	if s.classifier == nil {
		return
	}
	for _, v := range s.ctl.HealthSnapshot() {
		if ctx.Err() != nil {
			return
		}
		if exempt(v) || s.recentlyHealed(v.ChatID) {
			continue
		}
		if _, handled := skip[v.ChatID]; handled {
			continue
		}

		path, ok := transcript.Find(s.home, v.Cwd, v.SessionID)
		if !ok {
			continue
		}
		entries, err := transcript.AssistantEntriesSince(path, time.Now().Add(-deepInterval))
		if err != nil {
			continue
		}
		text := transcript.ExtractAssistantText(entries, deepTextCap)
		if len(strings.TrimSpace(text)) < minClassifiableChars {
			continue
		}

		reason, fatal, err := s.classifier.Classify(ctx, text)
		if err != nil {
			s.logger.Warn("deep check failed", "session", v.Name, "error", err)
			continue
		}
		if fatal {
			s.logger.Warn("deep check flagged session", "session", v.Name, "reason", reason)
			s.restart(v, "deep:"+reason)
		}
	}
}

// restart records the heal and fires the restart on its own goroutine
// so a slow subprocess teardown never stalls the scan loop.
func (s *Supervisor) restart(v SessionView, reason string) {
	s.mu.Lock()
	s.healed[v.ChatID] = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionRestarted(reason)
	}
	go func() {
		if err := s.ctl.RestartSession(v.ChatID, reason); err != nil {
			s.logger.Error("health restart failed", "chat_id", v.ChatID, "reason", reason, "error", err)
		}
	}()
}

func (s *Supervisor) recentlyHealed(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.healed[chatID]
	return ok && time.Since(at) < healedTTL
}

func (s *Supervisor) pruneHealed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.healed {
		if time.Since(at) >= healedTTL {
			delete(s.healed, id)
		}
	}
}

// sinceFor returns the last fast-scan time for a session, advancing it
// to now. First sight scans one interval back.
func (s *Supervisor) sinceFor(chatID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	since, ok := s.lastScan[chatID]
	if !ok {
		since = now.Add(-fastInterval)
	}
	s.lastScan[chatID] = now
	return since
}
