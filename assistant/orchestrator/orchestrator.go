// Package orchestrator owns the global session map. It routes inbound
// messages to per-conversation sessions, creating them lazily, and is
// the control surface the IPC server, health supervisor, idle reaper,
// and reminder poller drive.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/svenhq/dispatch/assistant/chatid"
	"github.com/svenhq/dispatch/assistant/health"
	"github.com/svenhq/dispatch/assistant/ipc"
	"github.com/svenhq/dispatch/assistant/message"
	"github.com/svenhq/dispatch/assistant/metrics"
	"github.com/svenhq/dispatch/assistant/policy"
	"github.com/svenhq/dispatch/assistant/readers"
	"github.com/svenhq/dispatch/assistant/registry"
	"github.com/svenhq/dispatch/assistant/session"
	"github.com/svenhq/dispatch/assistant/transcript"
	"github.com/svenhq/dispatch/assistant/vision"
)

const (
	// masterChatID keys the persistent admin super-session in the map.
	masterChatID = "master"

	// bgSuffix marks the background twin of a conversation.
	bgSuffix = "-bg"

	defaultModel = "opus"
)

// Config carries everything the orchestrator needs beyond its
// collaborators. Helper paths are optional; an empty or missing helper
// degrades to an empty result, never an error.
type Config struct {
	OwnerName      string
	OwnerPhone     string
	Home           string
	TranscriptsDir string
	LogsDir        string
	AgentCLI       string

	// SoulPath is the shared identity document injected into every
	// startup prompt. Defaults to <home>/.claude/SOUL.md.
	SoulPath string
	// NotesHelper prints contact notes for a name; MemoryHelper prints a
	// memory summary; SummarizeHelper writes a session's pending-summary
	// file at shutdown.
	NotesHelper     string
	MemoryHelper    string
	SummarizeHelper string

	Probe policy.ImageProbe
}

// promptSpec records a deferred startup prompt. Composition involves
// slow subprocess calls and runs only after the map lock is released.
type promptSpec struct {
	kind         session.Type
	participants []string
	displayName  string
}

// Orchestrator multiplexes conversations into agent sessions. The
// mutex guards only the session map and the pending-prompt set; it is
// never held across an agent call or a helper subprocess.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	contacts *readers.Contacts
	rpaths   readers.Paths
	imsg     *readers.IMessageReader
	vision   *vision.Analyzer
	factory  session.Factory
	logger   *slog.Logger
	metrics  *metrics.Exporter

	mu       sync.Mutex
	sessions map[string]*session.Session
	pending  map[string]promptSpec

	draining atomic.Bool
}

func New(
	cfg Config,
	reg *registry.Registry,
	contacts *readers.Contacts,
	rpaths readers.Paths,
	analyzer *vision.Analyzer,
	factory session.Factory,
	logger *slog.Logger,
	exporter *metrics.Exporter,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SoulPath == "" {
		cfg.SoulPath = filepath.Join(cfg.Home, ".claude", "SOUL.md")
	}
	if cfg.Probe == nil {
		cfg.Probe = policy.DefaultImageProbe
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		contacts: contacts,
		rpaths:   rpaths,
		imsg:     readers.NewIMessageReader(rpaths.MessagesDB),
		vision:   analyzer,
		factory:  factory,
		logger:   logger.With("component", "orchestrator"),
		metrics:  exporter,
		sessions: make(map[string]*session.Session),
		pending:  make(map[string]promptSpec),
	}
}

// canonical prefixes and normalizes a raw chat id for its backend.
func canonical(source, chatID string) string {
	b := chatid.Get(source)
	if b.RegistryPrefix != "" && !strings.HasPrefix(chatID, b.RegistryPrefix) {
		chatID = b.RegistryPrefix + chatID
	}
	return chatid.Normalize(chatID)
}

// InjectMessage routes a 1:1 message, creating the session on demand.
func (o *Orchestrator) InjectMessage(ctx context.Context, contactName, chatID, text string, tier policy.Tier, atts []message.Attachment, audio, replyTo, source string, ts time.Time) error {
	if chatID == "" {
		return errors.Errorf("empty chat id for contact %s", contactName)
	}
	if o.draining.Load() {
		return errors.New("orchestrator is draining")
	}
	normalized := canonical(source, chatID)

	sess, err := o.ensureIndividual(ctx, contactName, normalized, tier, source)
	if err != nil {
		return err
	}
	o.injectStartupPrompt(ctx, normalized, sess)

	body := formatMessageBody(text, atts, audio)
	wrapped := o.wrapSMS(ctx, body, contactName, tier, chatid.Bare(normalized), replyTo, source)
	if err := sess.Inject(wrapped); err != nil {
		return err
	}
	o.registry.UpdateLastMessageTime(normalized)
	if o.metrics != nil {
		o.metrics.Injection("individual")
	}
	o.logger.Info("message injected", "chat_id", normalized, "source", source)

	o.spawnVision(ctx, sess, source, chatid.Bare(normalized), ts, atts)
	return nil
}

// InjectGroupMessage routes a group message. Admission is the router's
// job; by the time this runs the sender is allowed.
func (o *Orchestrator) InjectGroupMessage(ctx context.Context, chatID, displayName, senderName string, senderTier policy.Tier, text string, atts []message.Attachment, audio, replyTo, source string, ts time.Time) error {
	if chatID == "" {
		return errors.New("empty chat id for group message")
	}
	if o.draining.Load() {
		return errors.New("orchestrator is draining")
	}
	normalized := canonical(source, chatID)

	sess, err := o.ensureGroup(ctx, normalized, displayName, nil, source)
	if err != nil {
		return err
	}
	o.injectStartupPrompt(ctx, normalized, sess)

	body := formatMessageBody(text, atts, audio)
	wrapped := o.wrapGroupMessage(ctx, chatid.Bare(normalized), displayName, senderName, senderTier, body, replyTo, source)
	if err := sess.Inject(wrapped); err != nil {
		return err
	}
	o.registry.UpdateLastMessageTime(normalized)
	if o.metrics != nil {
		o.metrics.Injection("group")
	}

	o.spawnVision(ctx, sess, source, chatid.Bare(normalized), ts, atts)
	return nil
}

// ensureIndividual returns a live session for a 1:1 chat, creating or
// tier-correcting it as needed. The lock covers only check-and-create.
func (o *Orchestrator) ensureIndividual(ctx context.Context, contactName, normalized string, tier policy.Tier, source string) (*session.Session, error) {
	o.mu.Lock()
	existing := o.sessions[normalized]
	if existing != nil && existing.IsAlive() && existing.Tier() != tier {
		// Tier changed since creation; permissions are baked into the
		// subprocess, so a restart is the only way to apply the new set.
		o.mu.Unlock()
		o.logger.Info("tier mismatch, restarting session",
			"chat_id", normalized, "have", existing.Tier(), "want", tier)
		if _, err := o.restart(ctx, normalized, string(tier)); err != nil {
			return nil, err
		}
		o.mu.Lock()
	} else if existing == nil || !existing.IsAlive() {
		if _, err := o.createLocked(ctx, contactName, normalized, tier, source, session.TypeIndividual, nil, ""); err != nil {
			o.mu.Unlock()
			return nil, err
		}
	}
	sess := o.sessions[normalized]
	o.mu.Unlock()

	if sess == nil {
		return nil, errors.Errorf("no session for %s after create", normalized)
	}
	return sess, nil
}

func (o *Orchestrator) ensureGroup(ctx context.Context, normalized, displayName string, participants []string, source string) (*session.Session, error) {
	o.mu.Lock()
	existing := o.sessions[normalized]
	if existing == nil || !existing.IsAlive() {
		if len(participants) == 0 && source == "imessage" {
			// Resolving from chat.db is a read on a local SQLite file;
			// cheap enough to do under the lock.
			participants = o.resolveParticipants(ctx, chatid.Bare(normalized))
		}
		name := displayName
		if name == "" {
			name = chatid.Bare(normalized)
		}
		if _, err := o.createLocked(ctx, name, normalized, policy.TierAdmin, source, session.TypeGroup, participants, displayName); err != nil {
			o.mu.Unlock()
			return nil, err
		}
	}
	sess := o.sessions[normalized]
	o.mu.Unlock()

	if sess == nil {
		return nil, errors.Errorf("no group session for %s after create", normalized)
	}
	return sess, nil
}

// createLocked builds and starts one session. Caller holds o.mu.
// Zombie cleanup first: a dead map entry may still own a live
// subprocess, which must be killed before the replacement starts.
func (o *Orchestrator) createLocked(ctx context.Context, contactName, normalized string, tier policy.Tier, source string, kind session.Type, participants []string, displayName string) (*session.Session, error) {
	if old, ok := o.sessions[normalized]; ok {
		delete(o.sessions, normalized)
		o.logger.Warn("zombie cleanup before recreate", "chat_id", normalized)
		go old.Stop()
	}

	backend := chatid.Get(source)
	name := chatid.SessionName(backend, normalized)
	cwd := o.sessionCwd(normalized, kind)
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create session cwd %s", cwd)
	}

	model := defaultModel
	resumeID := ""
	if entry, ok := o.registry.Get(normalized); ok {
		if entry.Model != "" {
			model = entry.Model
		}
		resumeID = entry.SessionID
	}

	sess := session.New(session.Config{
		ChatID:      normalized,
		Name:        name,
		ContactName: contactName,
		Tier:        tier,
		Type:        kind,
		Backend:     backend,
		Model:       model,
		Cwd:         cwd,
		CLIPath:     o.cfg.AgentCLI,
		LogsDir:     o.cfg.LogsDir,
		Probe:       o.cfg.Probe,
	}, o.factory, o.metrics, o.logger)

	if err := sess.Start(ctx, resumeID); err != nil {
		return nil, err
	}
	o.sessions[normalized] = sess

	if kind == session.TypeIndividual || kind == session.TypeGroup {
		o.pending[normalized] = promptSpec{kind: kind, participants: participants, displayName: displayName}
		o.registry.Register(registry.Entry{
			ChatID:        normalized,
			SessionName:   name,
			Cwd:           cwd,
			SessionType:   string(kind),
			ContactName:   contactName,
			DisplayName:   displayName,
			Tier:          string(tier),
			SourceBackend: source,
			Model:         model,
			Participants:  participants,
		})
	}

	if o.metrics != nil {
		o.metrics.SessionCreated(string(kind), string(tier))
		o.metrics.SetActiveSessions(len(o.sessions))
	}
	o.logger.Info("session created", "chat_id", normalized, "name", name,
		"type", kind, "tier", tier, "resume", resumeID != "")
	return sess, nil
}

func (o *Orchestrator) sessionCwd(normalized string, kind session.Type) string {
	if kind == session.TypeMaster {
		return filepath.Join(o.cfg.TranscriptsDir, masterChatID)
	}
	base := strings.TrimSuffix(normalized, bgSuffix)
	backend := chatid.BackendFor(base)
	return filepath.Join(o.cfg.TranscriptsDir, backend.Name, chatid.Sanitize(chatid.Bare(base))+backend.SessionSuffix)
}

// injectStartupPrompt composes and injects a session's deferred system
// prompt. Runs outside the map lock: composition shells out to the
// notes and memory helpers and must not block other creations.
func (o *Orchestrator) injectStartupPrompt(ctx context.Context, normalized string, sess *session.Session) {
	o.mu.Lock()
	spec, ok := o.pending[normalized]
	if ok {
		delete(o.pending, normalized)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	var prompt string
	if spec.kind == session.TypeGroup {
		prompt = o.buildGroupPrompt(ctx, sess, spec.displayName, spec.participants)
	} else {
		prompt = o.buildIndividualPrompt(ctx, sess)
	}
	if err := sess.Inject(prompt); err != nil {
		o.logger.Warn("startup prompt inject failed", "chat_id", normalized, "error", err)
	}
}

// resolveParticipants maps group member handles to contact names where
// possible, falling back to the raw handle.
func (o *Orchestrator) resolveParticipants(ctx context.Context, chatIdentifier string) []string {
	handles, err := o.imsg.GroupParticipants(ctx, chatIdentifier)
	if err != nil {
		o.logger.Warn("group participant resolution failed", "chat_id", chatIdentifier, "error", err)
		return nil
	}
	names := make([]string, 0, len(handles))
	for _, h := range handles {
		if o.contacts != nil {
			if c, ok := o.contacts.LookupIdentifier(h); ok {
				names = append(names, c.Name)
				continue
			}
		}
		names = append(names, h)
	}
	return names
}

// spawnVision fires one analysis task per image attachment. Best
// effort: the tasks log and count their own failures.
func (o *Orchestrator) spawnVision(ctx context.Context, sess *session.Session, source, bareChatID string, ts time.Time, atts []message.Attachment) {
	if o.vision == nil {
		return
	}
	for _, att := range atts {
		if !policy.IsImagePath(att.Path) {
			continue
		}
		go o.vision.AnalyzeAndInject(ctx, sess, source, bareChatID, ts, att.Path)
	}
}

// KillSession stops a conversation and its background twin. The
// session id is persisted first so the conversation can resume later.
func (o *Orchestrator) KillSession(chatID string) bool {
	normalized := chatid.Normalize(chatID)
	o.mu.Lock()
	sess := o.sessions[normalized]
	delete(o.sessions, normalized)
	bg := o.sessions[normalized+bgSuffix]
	delete(o.sessions, normalized+bgSuffix)
	delete(o.pending, normalized)
	if o.metrics != nil {
		o.metrics.SetActiveSessions(len(o.sessions))
	}
	o.mu.Unlock()

	if sess != nil {
		if id := sess.SessionID(); id != "" {
			o.registry.UpdateSessionID(normalized, id)
		}
		sess.Stop()
	}
	if bg != nil {
		bg.Stop()
	}
	if sess != nil && o.metrics != nil {
		o.metrics.SessionKilled("explicit")
	}
	o.logger.Info("session killed", "chat_id", normalized, "fg", sess != nil, "bg", bg != nil)
	return sess != nil
}

// KillAllSessions stops everything and returns how many were live.
func (o *Orchestrator) KillAllSessions() int {
	o.mu.Lock()
	all := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.sessions = make(map[string]*session.Session)
	o.pending = make(map[string]promptSpec)
	if o.metrics != nil {
		o.metrics.SetActiveSessions(0)
	}
	o.mu.Unlock()

	for _, s := range all {
		if id := s.SessionID(); id != "" {
			o.registry.UpdateSessionID(s.ChatID(), id)
		}
		s.Stop()
	}
	o.logger.Info("all sessions killed", "count", len(all))
	return len(all)
}

// RestartSession implements the health and IPC restart contract.
func (o *Orchestrator) RestartSession(chatID, reason string) error {
	o.logger.Info("restart requested", "chat_id", chatID, "reason", reason)
	_, err := o.restart(context.Background(), chatid.Normalize(chatID), "")
	return err
}

// restart kills and recreates one session from its registry snapshot.
// The agent-side session index is cleared in between so the fresh
// subprocess cannot auto-resume the poisoned conversation; the resume
// id persisted by the kill carries the context forward instead.
func (o *Orchestrator) restart(ctx context.Context, normalized, tierOverride string) (*session.Session, error) {
	entry, ok := o.registry.Get(normalized)
	o.KillSession(normalized)
	if !ok {
		return nil, errors.Errorf("no registry entry for %s", normalized)
	}
	if entry.Cwd != "" {
		if err := transcript.ClearSessionIndex(o.cfg.Home, entry.Cwd); err != nil {
			o.logger.Warn("session index clear failed", "chat_id", normalized, "error", err)
		}
	}

	tier := policy.Parse(entry.Tier)
	if tierOverride != "" {
		tier = policy.Parse(tierOverride)
	}
	contactName := entry.ContactName
	if contactName == "" {
		contactName = entry.DisplayName
	}

	var sess *session.Session
	var err error
	if entry.SessionType == string(session.TypeGroup) {
		sess, err = o.ensureGroup(ctx, normalized, entry.DisplayName, entry.Participants, entry.SourceBackend)
	} else {
		sess, err = o.ensureIndividual(ctx, contactName, normalized, tier, entry.SourceBackend)
	}
	if err != nil {
		return nil, err
	}
	o.injectStartupPrompt(ctx, normalized, sess)
	o.logger.Info("session restarted", "chat_id", normalized, "name", entry.SessionName)
	return sess, nil
}

// get returns the live session for a normalized chat id, if any.
func (o *Orchestrator) get(normalized string) *session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[normalized]
}

// snapshot copies the session map without holding the lock during use.
func (o *Orchestrator) snapshot() map[string]*session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*session.Session, len(o.sessions))
	for k, v := range o.sessions {
		out[k] = v
	}
	return out
}

// GetSessionInfo returns a session's live snapshot.
func (o *Orchestrator) GetSessionInfo(chatID string) (session.Info, bool) {
	sess := o.get(chatid.Normalize(chatID))
	if sess == nil {
		return session.Info{}, false
	}
	return sess.Snapshot(), true
}

// Status implements the IPC controller's session listing, merging live
// state with registry fields the session does not carry.
func (o *Orchestrator) Status() []ipc.StatusRecord {
	var out []ipc.StatusRecord
	for chatID, sess := range o.snapshot() {
		rec := ipc.StatusRecord{Info: sess.Snapshot()}
		if entry, ok := o.registry.Get(chatID); ok {
			rec.DisplayName = entry.DisplayName
			rec.Participants = entry.Participants
		}
		out = append(out, rec)
	}
	return out
}

// HealthSnapshot implements the health supervisor's view of the map.
func (o *Orchestrator) HealthSnapshot() []health.SessionView {
	var out []health.SessionView
	for chatID, sess := range o.snapshot() {
		out = append(out, health.SessionView{
			ChatID:    chatID,
			Name:      sess.Name(),
			Cwd:       sess.Cwd(),
			SessionID: sess.SessionID(),
			Type:      sess.SessionType(),
			Alive:     sess.IsAlive(),
		})
	}
	return out
}

// SetModel records a model override and restarts so the subprocess
// picks it up.
func (o *Orchestrator) SetModel(chatID, model string) error {
	normalized := chatid.Normalize(chatID)
	if !o.registry.UpdateModel(normalized, model) {
		return errors.Errorf("no registry entry for %s", normalized)
	}
	if o.get(normalized) == nil {
		return nil // applies on next lazy creation
	}
	return o.RestartSession(normalized, "set_model")
}
