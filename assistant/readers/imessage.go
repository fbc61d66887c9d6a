package readers

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// chat.db stores message dates as nanoseconds since 2001-01-01 UTC.
var macOSEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

func macOSNanos(t time.Time) int64      { return t.Sub(macOSEpoch).Nanoseconds() }
func fromMacOSNanos(ns int64) time.Time { return macOSEpoch.Add(time.Duration(ns)) }

// IMessageReader reads conversation context, reply threads, and group
// membership from the Messages.app chat.db.
type IMessageReader struct {
	path string
}

func NewIMessageReader(path string) *IMessageReader {
	return &IMessageReader{path: path}
}

const imessageContextQuery = `
SELECT m.date, m.text, m.is_from_me, COALESCE(h.id, '')
FROM message m
LEFT JOIN handle h ON m.handle_id = h.ROWID
LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN chat c ON cmj.chat_id = c.ROWID
WHERE c.chat_identifier = ?
  AND m.date %s ?
  AND m.text IS NOT NULL
  AND m.text != ''
ORDER BY m.date %s
LIMIT ?`

// ContextAround returns up to before messages preceding the anchor and
// after messages following it, oldest first.
func (r *IMessageReader) ContextAround(ctx context.Context, chatID string, anchor time.Time, before, after int) ([]ContextMessage, error) {
	if !exists(r.path) {
		return nil, nil
	}
	db, err := openReadOnly(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "open chat.db")
	}
	defer db.Close()

	anchorNs := macOSNanos(anchor)

	older, err := r.window(ctx, db, chatID, anchorNs, "<", "DESC", before)
	if err != nil {
		return nil, err
	}
	reverse(older)
	newer, err := r.window(ctx, db, chatID, anchorNs, ">", "ASC", after)
	if err != nil {
		return nil, err
	}
	return append(older, newer...), nil
}

func (r *IMessageReader) window(ctx context.Context, db *sql.DB, chatID string, anchorNs int64, cmp, order string, limit int) ([]ContextMessage, error) {
	query := strings.Replace(imessageContextQuery, "%s", cmp, 1)
	query = strings.Replace(query, "%s", order, 1)
	rows, err := db.QueryContext(ctx, query, chatID, anchorNs, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query chat.db context")
	}
	defer rows.Close()

	var out []ContextMessage
	for rows.Next() {
		var (
			dateNs   int64
			text     string
			fromMe   bool
			senderID string
		)
		if err := rows.Scan(&dateNs, &text, &fromMe, &senderID); err != nil {
			return nil, errors.Wrap(err, "scan chat.db row")
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sender := senderID
		if fromMe {
			sender = "Me"
		} else if sender == "" {
			sender = "Unknown"
		}
		out = append(out, ContextMessage{
			Text:      text,
			Sender:    sender,
			FromMe:    fromMe,
			Timestamp: fromMacOSNanos(dateNs),
		})
	}
	return out, rows.Err()
}

// ReplyChain returns up to max messages of the reply thread rooted at
// threadGUID, oldest first, excluding the replied-to message itself.
// Outbound messages are labeled "You", inbound ones by contactName.
func (r *IMessageReader) ReplyChain(ctx context.Context, threadGUID, contactName string, max int) ([]ContextMessage, error) {
	if threadGUID == "" || !exists(r.path) {
		return nil, nil
	}
	db, err := openReadOnly(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "open chat.db")
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT text, is_from_me, date
		FROM message
		WHERE thread_originator_guid = ?
		  AND guid != ?
		  AND text IS NOT NULL
		  AND text != ''
		ORDER BY date DESC
		LIMIT ?`, threadGUID, threadGUID, max)
	if err != nil {
		return nil, errors.Wrap(err, "query reply chain")
	}
	defer rows.Close()

	var chain []ContextMessage
	for rows.Next() {
		var (
			text   string
			fromMe bool
			dateNs int64
		)
		if err := rows.Scan(&text, &fromMe, &dateNs); err != nil {
			return nil, errors.Wrap(err, "scan reply chain row")
		}
		sender := contactName
		if fromMe {
			sender = "You"
		}
		chain = append(chain, ContextMessage{
			Text:      strings.TrimSpace(text),
			Sender:    sender,
			FromMe:    fromMe,
			Timestamp: fromMacOSNanos(dateNs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(chain)
	return chain, nil
}

// GroupParticipants returns the handle identifiers (phones and emails)
// joined to a group chat.
func (r *IMessageReader) GroupParticipants(ctx context.Context, chatIdentifier string) ([]string, error) {
	if !exists(r.path) {
		return nil, nil
	}
	db, err := openReadOnly(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "open chat.db")
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT h.id
		FROM handle h
		JOIN chat_handle_join chj ON h.ROWID = chj.handle_id
		JOIN chat c ON chj.chat_id = c.ROWID
		WHERE c.chat_identifier = ?`, chatIdentifier)
	if err != nil {
		return nil, errors.Wrap(err, "query group participants")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func reverse(msgs []ContextMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
