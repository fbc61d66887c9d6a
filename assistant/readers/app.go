package readers

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const appTimeLayout = "2006-01-02 15:04:05"

// AppReader reads conversation context from the voice app's message
// store. The app is single-user, so the chat id is ignored; timestamps
// are SQLite DATETIME strings.
type AppReader struct {
	path string
}

func NewAppReader(path string) *AppReader {
	return &AppReader{path: path}
}

const appContextQuery = `
SELECT created_at, content, role, COALESCE(image_path, '')
FROM messages
WHERE created_at %s ?
ORDER BY created_at %s
LIMIT ?`

// ContextAround returns up to before messages preceding the anchor and
// after messages following it, oldest first.
func (r *AppReader) ContextAround(ctx context.Context, _ string, anchor time.Time, before, after int) ([]ContextMessage, error) {
	if !exists(r.path) {
		return nil, nil
	}
	db, err := openReadOnly(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "open app db")
	}
	defer db.Close()

	anchorStr := anchor.Format(appTimeLayout)

	older, err := r.window(ctx, db, anchorStr, "<", "DESC", before)
	if err != nil {
		return nil, err
	}
	reverse(older)
	newer, err := r.window(ctx, db, anchorStr, ">", "ASC", after)
	if err != nil {
		return nil, err
	}
	return append(older, newer...), nil
}

func (r *AppReader) window(ctx context.Context, db *sql.DB, anchor, cmp, order string, limit int) ([]ContextMessage, error) {
	query := strings.Replace(appContextQuery, "%s", cmp, 1)
	query = strings.Replace(query, "%s", order, 1)
	rows, err := db.QueryContext(ctx, query, anchor, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query app context")
	}
	defer rows.Close()

	var out []ContextMessage
	for rows.Next() {
		var createdAt, content, role, imagePath string
		if err := rows.Scan(&createdAt, &content, &role, &imagePath); err != nil {
			return nil, errors.Wrap(err, "scan app row")
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		ts, err := time.Parse(appTimeLayout, createdAt)
		if err != nil {
			ts = time.Now()
		}
		fromMe := role == "assistant"
		sender := "User"
		if fromMe {
			sender = "Sven"
		}
		var atts []string
		if imagePath != "" {
			atts = []string{imagePath}
		}
		out = append(out, ContextMessage{
			Text:        content,
			Sender:      sender,
			FromMe:      fromMe,
			Timestamp:   ts,
			Attachments: atts,
		})
	}
	return out, rows.Err()
}
