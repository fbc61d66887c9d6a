package orchestrator

import (
	"context"
	"strings"

	"github.com/svenhq/dispatch/assistant/chatid"
	"github.com/svenhq/dispatch/assistant/policy"
	"github.com/svenhq/dispatch/assistant/registry"
	"github.com/svenhq/dispatch/assistant/session"
	"github.com/svenhq/dispatch/assistant/transcript"
)

// CreateMasterSession starts (or returns) the persistent admin
// super-session. It has no startup prompt and is exempt from health
// and idle handling.
func (o *Orchestrator) CreateMasterSession(ctx context.Context) (*session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing := o.sessions[masterChatID]; existing != nil && existing.IsAlive() {
		return existing, nil
	}
	return o.createLocked(ctx, "Master", masterChatID, policy.TierAdmin, "imessage", session.TypeMaster, nil, "")
}

// InjectMasterPrompt routes an owner command to the master session,
// creating it on first use.
func (o *Orchestrator) InjectMasterPrompt(ctx context.Context, adminID, prompt string) error {
	sess, err := o.CreateMasterSession(ctx)
	if err != nil {
		return err
	}
	sendCmd := chatid.Default().SendCommand(adminID)
	return sess.Inject(wrapMaster(adminID, prompt, sendCmd))
}

// ensureBackground starts (or returns) the background twin of a
// conversation. It shares the foreground cwd so both see the same
// transcript directory.
func (o *Orchestrator) ensureBackground(ctx context.Context, contactName, normalized string, tier policy.Tier, source string) (*session.Session, error) {
	bgID := normalized + bgSuffix

	o.mu.Lock()
	if existing := o.sessions[bgID]; existing != nil && existing.IsAlive() {
		o.mu.Unlock()
		return existing, nil
	}
	sess, err := o.createLocked(ctx, contactName+" (BG)", bgID, tier, source, session.TypeBackground, nil, "")
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	fgName := chatid.SessionName(chatid.Get(source), normalized)
	if err := sess.Inject(backgroundPrompt(contactName, fgName)); err != nil {
		o.logger.Warn("background prompt inject failed", "chat_id", bgID, "error", err)
	}
	return sess, nil
}

// InjectConsolidation triggers the nightly memory pass for a contact
// in its background session.
func (o *Orchestrator) InjectConsolidation(ctx context.Context, contactName, chatID string) error {
	normalized := chatid.Normalize(chatID)

	tier := policy.TierAdmin
	source := "imessage"
	if entry, ok := o.registry.Get(normalized); ok {
		tier = policy.Parse(entry.Tier)
		if entry.SourceBackend != "" {
			source = entry.SourceBackend
		}
	}

	sess, err := o.ensureBackground(ctx, contactName, normalized, tier, source)
	if err != nil {
		return err
	}
	fgName := chatid.SessionName(chatid.Get(source), normalized)
	if err := sess.Inject(consolidationPrompt(contactName, fgName)); err != nil {
		return err
	}
	o.logger.Info("consolidation injected", "contact", contactName, "chat_id", normalized)
	return nil
}

// InjectDirect delivers an already-formatted prompt (a fired reminder)
// into a contact's foreground session, creating it if needed.
func (o *Orchestrator) InjectDirect(chatID, contactName, tier, prompt string) error {
	ctx := context.Background()
	source := "imessage"
	normalized := chatid.Normalize(chatID)
	if entry, ok := o.registry.Get(normalized); ok && entry.SourceBackend != "" {
		source = entry.SourceBackend
	}

	sess, err := o.ensureIndividual(ctx, contactName, normalized, policy.Parse(tier), source)
	if err != nil {
		return err
	}
	o.injectStartupPrompt(ctx, normalized, sess)
	return sess.Inject(prompt)
}

// InjectBackground delivers a prompt into the contact's background
// twin.
func (o *Orchestrator) InjectBackground(chatID, contactName, tier, prompt string) error {
	ctx := context.Background()
	normalized := chatid.Normalize(chatID)
	sess, err := o.ensureBackground(ctx, contactName, normalized, policy.Parse(tier), "imessage")
	if err != nil {
		return err
	}
	return sess.Inject(prompt)
}

// RecreatePersisted restarts sessions that shut down with a pending
// summary on disk. The summary lands in the startup prompt; everything
// else stays lazy.
func (o *Orchestrator) RecreatePersisted(ctx context.Context) int {
	recreated := 0
	for chatID, entry := range o.registry.All() {
		if entry.Cwd == "" || !transcript.HasPendingSummary(entry.Cwd) {
			continue
		}
		if strings.HasSuffix(chatID, bgSuffix) || chatID == masterChatID {
			continue
		}
		if err := o.recreateFromEntry(ctx, chatID, entry); err != nil {
			o.logger.Warn("pending-summary recreation failed", "chat_id", chatID, "error", err)
			continue
		}
		recreated++
	}
	if recreated > 0 {
		o.logger.Info("sessions recreated from pending summaries", "count", recreated)
	}
	return recreated
}

func (o *Orchestrator) recreateFromEntry(ctx context.Context, chatID string, entry registry.Entry) error {
	var sess *session.Session
	var err error
	if entry.SessionType == string(session.TypeGroup) {
		sess, err = o.ensureGroup(ctx, chatID, entry.DisplayName, entry.Participants, entry.SourceBackend)
	} else {
		contactName := entry.ContactName
		if contactName == "" {
			contactName = entry.DisplayName
		}
		sess, err = o.ensureIndividual(ctx, contactName, chatID, policy.Parse(entry.Tier), entry.SourceBackend)
	}
	if err != nil {
		return err
	}
	o.injectStartupPrompt(ctx, chatID, sess)
	return nil
}
