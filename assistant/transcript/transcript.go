// Package transcript locates and reads the JSONL conversation records
// the agent runtime writes under ~/.claude/projects. The health
// supervisor tails them for fatal errors; session startup mines them
// for recent-history context.
package transcript

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// tailChunk is how far back from EOF we read. 128 KiB covers roughly
// 5-10 minutes of activity.
const tailChunk = 128 * 1024

// Entry is one transcript record.
type Entry struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextBlocks returns the text blocks of an entry's message content.
// Content may be a plain string (user prompts) or a block list.
func (e Entry) TextBlocks() []string {
	raw := e.Message.Content
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []string{asString}
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return texts
}

// ProjectDir maps a session cwd to the agent's sanitized project
// directory ("/" becomes "-").
func ProjectDir(home, cwd string) string {
	sanitized := strings.ReplaceAll(cwd, "/", "-")
	if !strings.HasPrefix(sanitized, "-") {
		sanitized = "-" + sanitized
	}
	return filepath.Join(home, ".claude", "projects", sanitized)
}

// Find locates the active transcript for a session. Resolution order:
// the exact session id, then the sessions index, then the newest JSONL
// in the project directory.
func Find(home, cwd, sessionID string) (string, bool) {
	if cwd == "" {
		return "", false
	}
	dir := ProjectDir(home, cwd)
	if _, err := os.Stat(dir); err != nil {
		return "", false
	}

	if sessionID != "" {
		direct := filepath.Join(dir, sessionID+".jsonl")
		if _, err := os.Stat(direct); err == nil {
			return direct, true
		}
	}

	if path, ok := fromIndex(dir); ok {
		return path, true
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(matches) == 0 {
		return "", false
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return matches[0], true
}

type sessionsIndex struct {
	Entries []struct {
		FullPath string `json:"fullPath"`
		Modified string `json:"modified"`
	} `json:"entries"`
}

func fromIndex(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "sessions-index.json"))
	if err != nil {
		return "", false
	}
	var idx sessionsIndex
	if err := json.Unmarshal(data, &idx); err != nil || len(idx.Entries) == 0 {
		return "", false
	}
	sort.Slice(idx.Entries, func(i, j int) bool {
		return idx.Entries[i].Modified > idx.Entries[j].Modified
	})
	path := idx.Entries[0].FullPath
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// ClearSessionIndex removes the sessions index for a cwd so a fresh
// subprocess cannot auto-resume a poisoned conversation.
func ClearSessionIndex(home, cwd string) error {
	path := filepath.Join(ProjectDir(home, cwd), "sessions-index.json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove sessions index")
	}
	return nil
}

// TailEntries parses every record in the last tailChunk bytes of a
// transcript, in file order.
func TailEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open transcript")
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "seek transcript")
	}
	chunk := int64(tailChunk)
	if size < chunk {
		chunk = size
	}
	if _, err := f.Seek(size-chunk, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek transcript tail")
	}
	tail, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read transcript tail")
	}

	var entries []Entry
	for _, line := range strings.Split(string(tail), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue // partial first line after the seek, or junk
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AssistantEntriesSince reads assistant entries newer than since from
// the tail of a transcript.
func AssistantEntriesSince(path string, since time.Time) ([]Entry, error) {
	all, err := TailEntries(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, e := range all {
		if e.Type != "assistant" || e.Timestamp.IsZero() {
			continue
		}
		if e.Timestamp.After(since) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ExtractAssistantText concatenates text blocks from entries, capped at
// maxChars, separated for classifier consumption.
func ExtractAssistantText(entries []Entry, maxChars int) string {
	var texts []string
	total := 0
	for _, e := range entries {
		for _, text := range e.TextBlocks() {
			remaining := maxChars - total
			if remaining <= 0 {
				return strings.Join(texts, "\n---\n")
			}
			if len(text) > remaining {
				text = text[:remaining]
			}
			texts = append(texts, text)
			total += len(text)
		}
	}
	return strings.Join(texts, "\n---\n")
}
