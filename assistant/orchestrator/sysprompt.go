package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/svenhq/dispatch/assistant/chatid"
	"github.com/svenhq/dispatch/assistant/session"
	"github.com/svenhq/dispatch/assistant/transcript"
)

// helperTimeout bounds the notes and memory helper calls that feed
// startup prompts.
const helperTimeout = 10 * time.Second

// buildIndividualPrompt assembles the startup prompt for a 1:1
// session. The slow pieces (identity doc, contact notes, memory
// summary, chat context) are fetched in parallel.
func (o *Orchestrator) buildIndividualPrompt(ctx context.Context, sess *session.Session) string {
	var soul, notes, memory, chatContext string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { soul = o.soulContent(); return nil })
	g.Go(func() error { notes = o.runHelper(gctx, o.cfg.NotesHelper, "notes", sess.ContactName()); return nil })
	g.Go(func() error { memory = o.runHelper(gctx, o.cfg.MemoryHelper, "summary", sess.ContactName()); return nil })
	g.Go(func() error { chatContext = readChatContext(sess.Cwd()); return nil })
	_ = g.Wait()

	pendingSummary := transcript.ConsumePendingSummary(sess.Cwd())

	var b strings.Builder
	backend := chatid.BackendFor(sess.ChatID())
	bare := chatid.Bare(sess.ChatID())

	fmt.Fprintf(&b, "SESSION START - INDIVIDUAL %s CHAT: %s (%s tier)\n", backend.Label, sess.ContactName(), sess.Tier())
	fmt.Fprintf(&b, "Chat ID: %s\n", sess.ChatID())
	writeSection(&b, "My Identity (from SOUL.md)", soul)
	writeSection(&b, fmt.Sprintf("About %s (from Contacts.app)", sess.ContactName()), notes)
	writeSection(&b, fmt.Sprintf("About %s (from memories)", sess.ContactName()), memory)
	writeSection(&b, "Current Conversation Context", chatContext)
	writeSection(&b, "Previous Session Context", pendingSummary)

	if hist := backend.HistoryCommand(bare); hist != "" {
		fmt.Fprintf(&b, "\n**FIRST**: Run this command to see recent conversation history:\n%s\n", hist)
	} else {
		fmt.Fprintf(&b, "\n(%s session - no message history command available yet)\n", backend.Label)
	}

	b.WriteString(`
After reading, act based on what you see:

1. **Task was in progress** (last OUT messages show active work):
   - Pick up EXACTLY where you left off
   - Do NOT announce restart or say "catching up"

2. **Unanswered message** (last IN message has no response):
   - Respond to it naturally

3. **Conversation was idle** (no pending work or questions):
   - Wait silently for new messages

CRITICAL: Never send restart notifications. Users shouldn't notice session restarts.
`)
	fmt.Fprintf(&b, "\nSend messages with: %s \"your message\"\n", backend.SendCommand(bare))
	b.WriteString("NEVER escape exclamation marks. Write \"Hello!\" NOT \"Hello\\!\". The CLI handles escaping.\n")
	return b.String()
}

// buildGroupPrompt assembles the startup prompt for a group session,
// fetching notes and memories for every participant in parallel.
func (o *Orchestrator) buildGroupPrompt(ctx context.Context, sess *session.Session, displayName string, participants []string) string {
	var soul, chatContext string
	notes := make([]string, len(participants))
	memories := make([]string, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { soul = o.soulContent(); return nil })
	g.Go(func() error { chatContext = readChatContext(sess.Cwd()); return nil })
	for i, p := range participants {
		g.Go(func() error { notes[i] = o.runHelper(gctx, o.cfg.NotesHelper, "notes", p); return nil })
		g.Go(func() error { memories[i] = o.runHelper(gctx, o.cfg.MemoryHelper, "summary", p); return nil })
	}
	_ = g.Wait()

	pendingSummary := transcript.ConsumePendingSummary(sess.Cwd())

	shown := displayName
	if shown == "" {
		shown = chatid.Bare(sess.ChatID())
	}
	backend := chatid.BackendFor(sess.ChatID())
	bare := chatid.Bare(sess.ChatID())

	var b strings.Builder
	fmt.Fprintf(&b, "SESSION START - GROUP CHAT: %s\n", shown)
	fmt.Fprintf(&b, "Chat ID: %s\n\nParticipants:\n", sess.ChatID())
	if len(participants) == 0 {
		b.WriteString("- (unknown participants)\n")
	}
	for _, p := range participants {
		tier := "unknown"
		if o.contacts != nil {
			if c, ok := o.contacts.LookupName(p); ok {
				tier = string(c.Tier)
			}
		}
		fmt.Fprintf(&b, "- %s (%s)\n", p, tier)
	}
	writeSection(&b, "My Identity (from SOUL.md)", soul)
	for i, p := range participants {
		if notes[i] == "" && memories[i] == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## About %s\n", p)
		if notes[i] != "" {
			fmt.Fprintf(&b, "\n**From Contacts.app:**\n%s\n", notes[i])
		}
		if memories[i] != "" {
			fmt.Fprintf(&b, "\n**From memories:**\n%s\n", memories[i])
		}
	}
	writeSection(&b, "Current Conversation Context", chatContext)
	writeSection(&b, "Previous Session Context", pendingSummary)

	if hist := backend.HistoryCommand(bare); hist != "" {
		fmt.Fprintf(&b, "\n**FIRST**: Check conversation history: %s\n", hist)
	}
	b.WriteString(`
After reading, act based on what you see - respond to unanswered messages, continue work in progress, or wait silently.

CRITICAL: Never send restart notifications. Users shouldn't notice session restarts.
`)
	fmt.Fprintf(&b, "\nSend to this group with: %s \"your message\"\n", backend.GroupSendCommand(bare))
	b.WriteString("You MUST call the send command via Bash to actually send messages. Text output alone does NOT reach users.\n")
	return b.String()
}

// backgroundPrompt primes a background twin as a headless task runner.
func backgroundPrompt(contactName, fgSessionName string) string {
	return fmt.Sprintf(`BACKGROUND SESSION - Task runner for %s.

This is a headless background session for executing scheduled tasks (reminders, cron jobs, etc).
You receive task injections and execute them, then wait for the next task.

When you receive a task:
1. Execute it immediately
2. If it involves sending a message, use the appropriate send command
3. Report completion if requested
4. Wait for next task

Session: %s
Ready for tasks...
`, contactName, fgSessionName)
}

// consolidationPrompt drives the nightly memory pass in a background
// session.
func consolidationPrompt(contactName, fgSessionName string) string {
	return fmt.Sprintf(`
--- NIGHTLY MEMORY CONSOLIDATION ---
Time to consolidate memories for %[1]s.

Run this command to see today's conversations:
memory consolidate "%[2]s"

Review the output and save any important memories:
- Facts about the person
- Preferences they expressed
- Projects you worked on together
- Lessons learned

For each memory, run:
memory save "%[2]s" "memory text" --type TYPE

Types: fact, preference, project, lesson, relationship, context

When done, sync the notes file:
memory sync "%[2]s"

Start now!
`, contactName, fgSessionName)
}

func writeSection(b *strings.Builder, title, content string) {
	if content == "" {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n%s\n", title, content)
}

func (o *Orchestrator) soulContent() string {
	data, err := os.ReadFile(o.cfg.SoulPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readChatContext loads the per-chat CONTEXT.md maintained by the
// nightly consolidation pass.
func readChatContext(cwd string) string {
	data, err := os.ReadFile(filepath.Join(cwd, "CONTEXT.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// runHelper executes an optional helper binary and returns its stdout.
// Missing or failing helpers yield "", never an error: startup prompts
// degrade instead of blocking session creation.
func (o *Orchestrator) runHelper(ctx context.Context, path string, args ...string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, helperTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		o.logger.Debug("helper failed", "helper", filepath.Base(path), "error", err)
		return ""
	}
	out := strings.TrimSpace(stdout.String())
	if strings.Contains(out, "No notes") || strings.Contains(out, "No memories") {
		return ""
	}
	return out
}
