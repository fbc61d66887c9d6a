package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// PendingSummaryFile is written into a session cwd by the shutdown
// summarizer and consumed on the next session start.
const PendingSummaryFile = ".pending-summary.md"

const (
	minSummaryChars = 100
	maxSummaryChars = 10000
)

var (
	smsBody      = regexp.MustCompile(`(?s)---SMS FROM [^-]+---\n(.*?)\n---END`)
	groupSMSBody = regexp.MustCompile(`(?s)---GROUP SMS .+---\n(.*?)\n---END`)
)

// ConsumePendingSummary reads, validates, and deletes a session's
// pending-summary file. Returns "" when absent or unusable.
func ConsumePendingSummary(cwd string) string {
	path := filepath.Join(cwd, PendingSummaryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	_ = os.Remove(path)

	summary := strings.TrimSpace(string(data))
	if len(summary) < minSummaryChars {
		return ""
	}
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars]
	}
	return summary
}

// HasPendingSummary reports whether a session cwd holds a summary file.
func HasPendingSummary(cwd string) bool {
	_, err := os.Stat(filepath.Join(cwd, PendingSummaryFile))
	return err == nil
}

// RecentContext formats the last turns of a session's transcript as a
// short history block for a fresh system prompt.
func RecentContext(home, cwd, sessionID string, limit, maxChars int) string {
	path, ok := Find(home, cwd, sessionID)
	if !ok {
		return "No previous conversation history found."
	}
	entries, err := lastConversationEntries(path, limit)
	if err != nil || len(entries) == 0 {
		return "No previous conversation history found."
	}

	lines := []string{"RECENT CONVERSATION HISTORY:"}
	total := 0
	hasContent := false
	for _, e := range entries {
		role := "You"
		if e.Type == "user" {
			role = "Human"
		}
		for _, text := range e.TextBlocks() {
			content := cleanInjectedBody(strings.TrimSpace(text))
			if len(content) < 2 {
				continue
			}
			hasContent = true
			if len(content) > 300 {
				content = content[:300] + "..."
			}
			if total+len(content) > maxChars {
				lines = append(lines, "... (earlier messages truncated)")
				return strings.Join(lines, "\n")
			}
			lines = append(lines, fmt.Sprintf("[%s]: %s", role, content))
			total += len(content)
		}
	}
	if !hasContent {
		return "No previous conversation history."
	}
	return strings.Join(lines, "\n")
}

// cleanInjectedBody strips the wrap scaffolding from injected prompts
// so history shows what the user actually said.
func cleanInjectedBody(content string) string {
	if strings.HasPrefix(content, "IMPORTANT: Read and follow") {
		return ""
	}
	if m := smsBody.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := groupSMSBody.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return content
}

// lastConversationEntries returns the last limit user/assistant entries
// in chronological order.
func lastConversationEntries(path string, limit int) ([]Entry, error) {
	all, err := TailEntries(path)
	if err != nil {
		return nil, errors.Wrap(err, "read transcript")
	}
	var conv []Entry
	for _, e := range all {
		if e.Type == "user" || e.Type == "assistant" {
			conv = append(conv, e)
		}
	}
	if len(conv) > limit {
		conv = conv[len(conv)-limit:]
	}
	return conv, nil
}
