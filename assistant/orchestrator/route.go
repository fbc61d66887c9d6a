package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/svenhq/dispatch/assistant/chatid"
	"github.com/svenhq/dispatch/assistant/message"
	"github.com/svenhq/dispatch/assistant/policy"
)

const (
	// healingBudget bounds the one-shot diagnostic agent run.
	healingBudget = 15 * time.Minute

	// spuriousCancelCeiling ends the drain loop after this many
	// consecutive routing panics; something structural is wrong and a
	// clean daemon restart beats limping on.
	spuriousCancelCeiling = 500
)

// Run drains the ingress queue until ctx is canceled or the channel
// closes. A panic while routing one message is absorbed and counted;
// the counter resets on every clean delivery.
func (o *Orchestrator) Run(ctx context.Context, in <-chan message.Message) error {
	spurious := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if routePanicked(o.logger, func() { o.route(ctx, msg) }) {
				spurious++
				if spurious >= spuriousCancelCeiling {
					return errors.Errorf("routing failed %d consecutive times, shutting down", spurious)
				}
				continue
			}
			spurious = 0
		}
	}
}

func routePanicked(logger *slog.Logger, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logger.Error("routing panic recovered", "panic", fmt.Sprint(r))
		}
	}()
	fn()
	return false
}

// route delivers one inbound message: resolve the sender, apply the
// owner intercepts, enforce group admission, and inject.
func (o *Orchestrator) route(ctx context.Context, msg message.Message) {
	senderName := msg.SenderDisplayName
	senderTier := policy.TierUnknown
	if o.contacts != nil {
		if c, ok := o.contacts.LookupIdentifier(msg.SenderID); ok {
			senderName = c.Name
			senderTier = c.Tier
		}
	}
	if msg.Tier != "" {
		senderTier = policy.Parse(msg.Tier)
	}
	if senderName == "" {
		senderName = msg.SenderID
	}

	// The owner's phone is admin even when the contacts snapshot is
	// broken; the intercepts matter most exactly then.
	isAdmin := policy.IsAdmin(senderTier) || msg.SenderID == o.cfg.OwnerPhone

	if isAdmin && o.intercept(ctx, msg, senderName) {
		return
	}

	if msg.IsGroup {
		o.routeGroup(ctx, msg, senderName, senderTier)
		return
	}

	if senderTier == policy.TierUnknown && msg.SenderID != o.cfg.OwnerPhone {
		o.logger.Info("message from unknown sender ignored", "sender", msg.SenderID, "backend", msg.SourceBackend)
		if o.metrics != nil {
			o.metrics.MessageDropped(msg.SourceBackend, "unknown_sender")
		}
		return
	}

	err := o.InjectMessage(ctx, senderName, msg.ChatID, msg.Text, senderTier,
		msg.Attachments, msg.AudioTranscription, msg.ReplyToGUID, msg.SourceBackend, msg.Timestamp)
	if err != nil {
		o.logger.Error("message injection failed", "chat_id", msg.ChatID, "error", err)
	}
}

// routeGroup admits a group message when the sender is blessed, the
// group already has a session, or any blessed contact participates.
func (o *Orchestrator) routeGroup(ctx context.Context, msg message.Message, senderName string, senderTier policy.Tier) {
	normalized := canonical(msg.SourceBackend, msg.ChatID)

	admitted := policy.Blessed(senderTier)
	if !admitted {
		if _, ok := o.registry.Get(normalized); ok {
			admitted = true
			o.logger.Info("unknown sender admitted to established group", "sender", msg.SenderID, "chat_id", normalized)
		}
	}
	if !admitted && msg.SourceBackend == "imessage" && o.contacts != nil {
		handles, err := o.imsg.GroupParticipants(ctx, chatid.Bare(normalized))
		if err == nil && o.contacts.HasBlessedParticipant(handles) {
			admitted = true
			o.logger.Info("group admitted via blessed participant", "chat_id", normalized)
		}
	}
	if !admitted {
		o.logger.Warn("group message rejected", "sender", msg.SenderID, "chat_id", normalized)
		if o.metrics != nil {
			o.metrics.MessageDropped(msg.SourceBackend, "group_not_admitted")
		}
		return
	}

	err := o.InjectGroupMessage(ctx, msg.ChatID, msg.GroupName, senderName, senderTier,
		msg.Text, msg.Attachments, msg.AudioTranscription, msg.ReplyToGUID, msg.SourceBackend, msg.Timestamp)
	if err != nil {
		o.logger.Error("group injection failed", "chat_id", msg.ChatID, "error", err)
	}
}

// intercept handles the owner control words. Returns true when the
// message was consumed.
func (o *Orchestrator) intercept(ctx context.Context, msg message.Message, senderName string) bool {
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "HEALME"):
		custom := strings.TrimSpace(strings.TrimPrefix(text, "HEALME"))
		o.logger.Info("HEALME triggered", "by", senderName, "custom", custom != "")
		o.spawnHealingSession(ctx, msg.SenderID, custom)
		return true

	case strings.HasPrefix(text, "MASTER"):
		prompt := strings.TrimSpace(strings.TrimPrefix(text, "MASTER"))
		if prompt == "" {
			o.logger.Warn("MASTER command with empty prompt ignored")
			return true
		}
		if err := o.InjectMasterPrompt(ctx, msg.SenderID, prompt); err != nil {
			o.logger.Error("master injection failed", "error", err)
		}
		return true

	case text == "RESTART":
		target := msg.SenderID
		if msg.IsGroup {
			target = msg.ChatID
		}
		normalized := canonical(msg.SourceBackend, target)
		entry, ok := o.registry.Get(normalized)
		if !ok {
			o.confirm(ctx, msg, "[RESTART] No session found for this chat")
			return true
		}
		if err := o.RestartSession(normalized, "owner_command"); err != nil {
			o.confirm(ctx, msg, fmt.Sprintf("[RESTART] Failed to restart %s", entry.SessionName))
		} else {
			o.confirm(ctx, msg, fmt.Sprintf("[RESTART] %s restarted", entry.SessionName))
		}
		return true
	}
	return false
}

// confirm replies to an intercept over the message's own backend.
func (o *Orchestrator) confirm(ctx context.Context, msg message.Message, text string) {
	backend := chatid.Get(msg.SourceBackend)
	cmd := backend.SendCommand(msg.SenderID) + " " + shellQuote(text)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "sh", "-c", cmd).Run(); err != nil {
		o.logger.Warn("intercept confirmation failed", "error", err)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// spawnHealingSession launches a one-shot diagnostic agent outside the
// session map. Bounded: the subprocess gets 15 minutes, then the
// context kills it.
func (o *Orchestrator) spawnHealingSession(ctx context.Context, adminPhone, custom string) {
	if custom == "" {
		custom = "None provided"
	}
	prompt := fmt.Sprintf(`EMERGENCY HEALING MODE

HEALME was triggered from %[1]s.
Custom context: %[2]s

Your job is to diagnose and fix the issue:
1. FIRST: send a text so they know you are on it:
   %[3]s "[HEALING] Starting diagnosis..."
2. Check active sessions: dispatchctl status
3. Check recent logs for errors:
   tail -100 %[4]s/dispatchd.log | grep -iE "(error|fail|panic)"
4. Send [HEALING] updates as you find issues.
5. Fix what you can: kill stuck processes, restart broken sessions
   (dispatchctl restart <chat_id>).
6. Send a completion text:
   %[3]s "[HEALING] Complete - <summary>"

If you CANNOT fix the issue, send:
%[3]s "[HEALING] FAILED - manual intervention needed: <reason>"

You have 15 minutes. Work efficiently.
`, adminPhone, custom, chatid.Default().SendCommand(adminPhone), o.cfg.LogsDir)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healingBudget)
	cmd := exec.CommandContext(runCtx, o.cfg.AgentCLI, "--dangerously-skip-permissions", "-p", prompt)
	cmd.Dir = o.cfg.Home
	if err := cmd.Start(); err != nil {
		cancel()
		o.logger.Error("healing session spawn failed", "error", err)
		return
	}
	o.logger.Info("healing session spawned", "pid", cmd.Process.Pid)

	go func() {
		defer cancel()
		err := cmd.Wait()
		o.logger.Info("healing session finished", "error", err)
	}()
}
