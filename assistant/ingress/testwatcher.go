package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/svenhq/dispatch/assistant/message"
)

// testMessage is the drop-file format: write one of these as JSON into
// the watched directory and it flows through the full pipeline as an
// inbound message.
type testMessage struct {
	From        string   `json:"from"`
	Text        string   `json:"text"`
	IsGroup     bool     `json:"is_group"`
	ChatID      string   `json:"chat_id"`
	GroupName   string   `json:"group_name"`
	Attachments []string `json:"attachments"`
	ReplyTo     string   `json:"reply_to"`
}

// TestWatcher feeds the pipeline from JSON files dropped into a
// directory, for exercising the daemon without iMessage or Signal.
// Consumed files are deleted; malformed ones move to errors/.
type TestWatcher struct {
	dir    string
	mux    *Multiplexer
	logger *slog.Logger
}

func NewTestWatcher(dir string, mux *Multiplexer, logger *slog.Logger) *TestWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestWatcher{dir: dir, mux: mux, logger: logger.With("component", "testwatcher")}
}

// Run watches until ctx is canceled. Files already present at startup
// are consumed first.
func (w *TestWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return errors.Wrap(err, "create test message dir")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return errors.Wrap(err, "watch test message dir")
	}
	w.logger.Info("test watcher started", "dir", w.dir)

	w.sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasSuffix(event.Name, ".json") {
				// Writers may still be mid-write on Create; a short
				// settle plus the sweep's tolerance covers it.
				time.Sleep(50 * time.Millisecond)
				w.sweep()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// sweep consumes every .json file currently in the directory, in name
// order.
func (w *TestWatcher) sweep() {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		return
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := w.consume(path); err != nil {
			w.logger.Error("bad test message", "file", filepath.Base(path), "error", err)
			w.quarantine(path)
		}
	}
}

func (w *TestWatcher) consume(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read test message")
	}
	var tm testMessage
	if err := json.Unmarshal(data, &tm); err != nil {
		return errors.Wrap(err, "parse test message")
	}
	if tm.Text == "" && len(tm.Attachments) == 0 {
		return errors.New("test message has no text or attachments")
	}

	from := tm.From
	if from == "" {
		from = "+15555550005"
	}
	chatID := tm.ChatID
	if chatID == "" {
		chatID = from
	}

	var atts []message.Attachment
	for _, p := range tm.Attachments {
		atts = append(atts, message.Attachment{Path: p, Name: filepath.Base(p)})
	}

	now := time.Now()
	w.mux.Emit(message.Message{
		RowID:         now.UnixMilli(),
		Timestamp:     now,
		ChatID:        chatID,
		SenderID:      from,
		Text:          tm.Text,
		Attachments:   atts,
		IsGroup:       tm.IsGroup,
		GroupName:     tm.GroupName,
		ReplyToGUID:   tm.ReplyTo,
		SourceBackend: "test",
	})
	w.logger.Info("queued test message", "file", filepath.Base(path), "from", from, "group", tm.IsGroup)
	return os.Remove(path)
}

// quarantine moves a malformed file aside so the sweep does not loop
// over it forever.
func (w *TestWatcher) quarantine(path string) {
	errDir := filepath.Join(w.dir, "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		_ = os.Remove(path)
		return
	}
	if err := os.Rename(path, filepath.Join(errDir, filepath.Base(path))); err != nil {
		_ = os.Remove(path)
	}
}
