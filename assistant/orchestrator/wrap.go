package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/svenhq/dispatch/assistant/chatid"
	"github.com/svenhq/dispatch/assistant/message"
	"github.com/svenhq/dispatch/assistant/policy"
)

// replyChainMax bounds how much of a reply thread is replayed into the
// prompt.
const replyChainMax = 10

// formatMessageBody renders the user-visible part of an injected
// prompt: text, audio transcription, and an attachment manifest the
// agent can follow with its file-read tool.
func formatMessageBody(text string, atts []message.Attachment, audio string) string {
	body := text
	if body == "" {
		body = "(no text)"
	}
	if audio != "" {
		body = fmt.Sprintf("(Audio message transcription: %s)", audio)
	}
	if len(atts) > 0 {
		var lines []string
		for _, a := range atts {
			lines = append(lines, fmt.Sprintf("  - %s (%s, %dKB)", a.Name, a.MimeType, a.SizeBytes/1024))
			lines = append(lines, fmt.Sprintf("    Path: %s", a.Path))
		}
		body += "\n\nATTACHMENTS:\n" + strings.Join(lines, "\n")
		body += "\n\nYou can view images using the Read tool on the path above."
	}
	return body
}

// wrapSMS frames a 1:1 message with sender identity, chat id, optional
// reply-thread context, and the reply instruction for the backend.
func (o *Orchestrator) wrapSMS(ctx context.Context, body, contactName string, tier policy.Tier, bareChatID, replyTo, source string) string {
	backend := chatid.Get(source)
	replyContext := o.replyContext(ctx, replyTo, contactName, source)

	display := body
	if source == "sven-app" {
		display = "\U0001F3A4 " + body
	}

	wrapped := fmt.Sprintf(`
---%[1]s FROM %[2]s (%[3]s)---
Chat ID: %[4]s%[5]s
%[6]s
---END %[1]s---
**Important:** You are in a text message session. Communicate back with: %[7]s "message"
`, backend.Label, contactName, tier, bareChatID, replyContext, display, backend.SendCommand(bareChatID))

	if note := tierReminder(contactName, tier); note != "" {
		wrapped += note + "\n"
	}
	return wrapped
}

// wrapAdmin frames a prompt as an owner override for IPC injection.
func (o *Orchestrator) wrapAdmin(prompt string) string {
	return fmt.Sprintf(`
---ADMIN OVERRIDE---
From: %s (admin)
%s
---END ADMIN OVERRIDE---
`, o.cfg.OwnerName, prompt)
}

// wrapGroupMessage frames a group message. The session runs with admin
// capabilities, so the sender's tier travels in the prompt and the ACL
// note tells the agent which rules file governs this sender.
func (o *Orchestrator) wrapGroupMessage(ctx context.Context, bareChatID, displayName, senderName string, senderTier policy.Tier, body, replyTo, source string) string {
	backend := chatid.Get(source)
	shown := displayName
	if shown == "" {
		shown = "Group Chat"
	}
	replyContext := o.replyContext(ctx, replyTo, senderName, source)
	aclNote := groupACLNote(senderName, senderTier)

	return fmt.Sprintf(`
---GROUP %[1]s [%[2]s] FROM %[3]s [TIER: %[4]s]---
Chat ID: %[5]s%[6]s
%[7]s
---END %[1]s---%[8]s

To reply: %[9]s "message"
`, backend.Label, shown, senderName, senderTier, bareChatID, replyContext, body, aclNote, backend.GroupSendCommand(bareChatID))
}

// wrapMaster frames an owner command for the master session.
func wrapMaster(adminID, prompt, sendCmd string) string {
	return fmt.Sprintf(`---MASTER COMMAND---
From: Admin (%s)
%s
---END MASTER COMMAND---

Respond via: %s "[MASTER] your response"
`, adminID, prompt, sendCmd)
}

func groupACLNote(senderName string, tier policy.Tier) string {
	switch tier {
	case policy.TierFamily:
		return fmt.Sprintf("\n\nACL: %s is FAMILY tier. Read ~/.claude/rules/family-rules.md - can analyze/read but mutations need admin approval.", senderName)
	case policy.TierFavorite:
		return fmt.Sprintf("\n\nACL: %s is FAVORITE tier. Read ~/.claude/rules/favorites-rules.md for what you can/cannot do for them.", senderName)
	case policy.TierBots:
		return fmt.Sprintf("\n\nACL: %s is BOTS tier. Read ~/.claude/rules/bots-rules.md - loop detection required, respond selectively.", senderName)
	default:
		return ""
	}
}

// tierReminder points the agent at the rules file for restricted 1:1
// senders. Admin-equivalent tiers need none.
func tierReminder(contactName string, tier policy.Tier) string {
	if policy.IsAdmin(tier) {
		return ""
	}
	switch tier {
	case policy.TierFamily, policy.TierFavorite, policy.TierBots:
		return fmt.Sprintf("REMINDER: %s is %s tier. Follow ~/.claude/rules/%s-rules.md.",
			contactName, strings.ToUpper(string(tier)), ruleSlug(tier))
	default:
		return fmt.Sprintf("REMINDER: %s is UNKNOWN tier. Be helpful but share nothing personal and take no actions on their behalf.", contactName)
	}
}

func ruleSlug(tier policy.Tier) string {
	if tier == policy.TierFavorite {
		return "favorites"
	}
	return string(tier)
}

// replyContext expands a reply thread into a quoted block, oldest
// first, excluding the replied-to message itself. Only the iMessage
// store supports thread lookup.
func (o *Orchestrator) replyContext(ctx context.Context, replyTo, contactName, source string) string {
	if replyTo == "" || source != "imessage" || o.imsg == nil {
		return ""
	}
	chain, err := o.imsg.ReplyChain(ctx, replyTo, contactName, replyChainMax)
	if err != nil || len(chain) == 0 {
		return ""
	}
	lines := make([]string, 0, len(chain))
	for _, m := range chain {
		lines = append(lines, fmt.Sprintf("  %s: %q", m.Sender, m.Text))
	}
	return "\n[Reply thread (oldest to newest):\n" + strings.Join(lines, "\n") + "]\n"
}
