// Package readers provides read-only access to the message stores the
// backends keep on disk: conversation context windows for the vision
// pipeline, iMessage reply threads, and the contacts snapshot used for
// tier resolution.
package readers

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"
)

// ContextMessage is one message normalized across backends.
type ContextMessage struct {
	Text        string
	Sender      string
	FromMe      bool
	Timestamp   time.Time
	Attachments []string
}

// ContextReader retrieves messages around a timestamp. Implementations
// exist per backend because each store uses a different timestamp
// encoding: iMessage counts nanoseconds since 2001-01-01, Signal uses
// unix milliseconds, and the voice app stores datetime strings.
type ContextReader interface {
	ContextAround(ctx context.Context, chatID string, anchor time.Time, before, after int) ([]ContextMessage, error)
}

// Paths locates the per-backend databases.
type Paths struct {
	MessagesDB string
	SignalDB   string
	AppDB      string
}

// DefaultPaths returns the standard database locations under home.
func DefaultPaths(home string) Paths {
	return Paths{
		MessagesDB: filepath.Join(home, "Library", "Messages", "chat.db"),
		SignalDB:   filepath.Join(home, "Library", "Application Support", "signal-cli", "messages.db"),
		AppDB:      filepath.Join(home, "dispatch", "state", "sven-messages.db"),
	}
}

// ForBackend returns the context reader for a backend name, or nil when
// the backend keeps no readable message store.
func ForBackend(name string, p Paths) ContextReader {
	switch name {
	case "imessage":
		return NewIMessageReader(p.MessagesDB)
	case "signal":
		return NewSignalReader(p.SignalDB)
	case "sven-app":
		return NewAppReader(p.AppDB)
	default:
		return nil
	}
}

// FormatContext renders messages one per line for the vision prompt.
func FormatContext(msgs []ContextMessage) string {
	var lines []string
	for _, m := range msgs {
		if m.Text != "" {
			lines = append(lines, m.Sender+": "+m.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// openReadOnly opens a backend database without taking any locks on it.
// Backends own their stores; we only ever observe.
func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// exists reports whether a database file is present. A missing store is
// an empty store, not an error: backends create their databases lazily.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
