package readers

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SignalReader reads conversation context from the signal-cli message
// store. Timestamps there are unix milliseconds.
type SignalReader struct {
	path string
}

func NewSignalReader(path string) *SignalReader {
	return &SignalReader{path: path}
}

const signalContextQuery = `
SELECT timestamp, text, is_from_me, COALESCE(sender, ''), COALESCE(attachments, '')
FROM messages
WHERE chat_id = ?
  AND timestamp %s ?
  AND text IS NOT NULL
  AND text != ''
ORDER BY timestamp %s
LIMIT ?`

// ContextAround returns up to before messages preceding the anchor and
// after messages following it, oldest first.
func (r *SignalReader) ContextAround(ctx context.Context, chatID string, anchor time.Time, before, after int) ([]ContextMessage, error) {
	if !exists(r.path) {
		return nil, nil
	}
	db, err := openReadOnly(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "open signal db")
	}
	defer db.Close()

	anchorMs := anchor.UnixMilli()

	older, err := r.window(ctx, db, chatID, anchorMs, "<", "DESC", before)
	if err != nil {
		return nil, err
	}
	reverse(older)
	newer, err := r.window(ctx, db, chatID, anchorMs, ">", "ASC", after)
	if err != nil {
		return nil, err
	}
	return append(older, newer...), nil
}

func (r *SignalReader) window(ctx context.Context, db *sql.DB, chatID string, anchorMs int64, cmp, order string, limit int) ([]ContextMessage, error) {
	query := strings.Replace(signalContextQuery, "%s", cmp, 1)
	query = strings.Replace(query, "%s", order, 1)
	rows, err := db.QueryContext(ctx, query, chatID, anchorMs, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query signal context")
	}
	defer rows.Close()

	var out []ContextMessage
	for rows.Next() {
		var (
			ms       int64
			text     string
			fromMe   bool
			sender   string
			attsJSON string
		)
		if err := rows.Scan(&ms, &text, &fromMe, &sender, &attsJSON); err != nil {
			return nil, errors.Wrap(err, "scan signal row")
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if fromMe {
			sender = "Me"
		} else if sender == "" {
			sender = "Unknown"
		}
		out = append(out, ContextMessage{
			Text:        text,
			Sender:      sender,
			FromMe:      fromMe,
			Timestamp:   time.UnixMilli(ms),
			Attachments: attachmentPaths(attsJSON),
		})
	}
	return out, rows.Err()
}

// attachmentPaths extracts file paths from the JSON attachment column.
// Malformed JSON yields no attachments rather than a failed read.
func attachmentPaths(raw string) []string {
	if raw == "" {
		return nil
	}
	var atts []struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		return nil
	}
	var paths []string
	for _, a := range atts {
		if a.Path != "" {
			paths = append(paths, a.Path)
		}
	}
	return paths
}
