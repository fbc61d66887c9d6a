// Package registry persists the chat-id to session metadata map that
// survives daemon restarts. Writes are atomic (temp file + rename under
// an advisory lock) and high-frequency timestamp updates are debounced.
package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// debounceWindow collapses update bursts into at most one flush per second.
const debounceWindow = time.Second

// Entry is the persisted snapshot of one session.
type Entry struct {
	ChatID          string     `json:"chat_id"`
	SessionName     string     `json:"session_name"`
	Cwd             string     `json:"cwd"`
	SessionType     string     `json:"session_type"`
	ContactName     string     `json:"contact_name"`
	DisplayName     string     `json:"display_name,omitempty"`
	Tier            string     `json:"tier"`
	SourceBackend   string     `json:"source_backend"`
	Model           string     `json:"model"`
	SessionID       string     `json:"session_id,omitempty"`
	Participants    []string   `json:"participants,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastMessageTime *time.Time `json:"last_message_time,omitempty"`
}

// Registry is the durable session map. All mutation goes through its
// mutex; disk writes are serialized behind the same lock.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	dirty   bool
	flushAt *time.Timer
	// OnFlush is invoked after each committed write; used for metrics.
	OnFlush func()
}

// Open loads the registry file, treating a corrupt or missing file as
// empty.
func Open(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:    path,
		logger:  logger.With("component", "registry"),
		entries: make(map[string]*Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("registry unreadable, starting empty", "path", path, "error", err)
		}
		return r
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		r.logger.Warn("registry corrupt, starting empty", "path", path, "error", err)
		r.entries = make(map[string]*Entry)
	}
	return r
}

// Register creates or updates an entry. Idempotent: a prior entry's
// CreatedAt is preserved.
func (r *Registry) Register(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if prior, ok := r.entries[entry.ChatID]; ok {
		entry.CreatedAt = prior.CreatedAt
		if entry.LastMessageTime == nil {
			entry.LastMessageTime = prior.LastMessageTime
		}
	} else if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	stored := entry
	r.entries[entry.ChatID] = &stored
	r.writeLocked()
}

// Get returns a copy of the entry for a chat id.
func (r *Registry) Get(chatID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[chatID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetBySessionName returns a copy of the entry with the given session name.
func (r *Registry) GetBySessionName(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.SessionName == name {
			return *e, true
		}
	}
	return Entry{}, false
}

// All returns a snapshot copy of every entry.
func (r *Registry) All() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = *v
	}
	return out
}

// Remove deletes an entry. Used on explicit kill only; idle reaps keep
// the entry so the conversation can resume.
func (r *Registry) Remove(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[chatID]; !ok {
		return
	}
	delete(r.entries, chatID)
	r.writeLocked()
}

// UpdateSessionID records the agent's resume id for a chat.
func (r *Registry) UpdateSessionID(chatID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[chatID]
	if !ok || e.SessionID == sessionID {
		return
	}
	e.SessionID = sessionID
	e.UpdatedAt = time.Now()
	r.writeLocked()
}

// UpdateModel records a model override for a chat.
func (r *Registry) UpdateModel(chatID, model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[chatID]
	if !ok {
		return false
	}
	e.Model = model
	e.UpdatedAt = time.Now()
	r.writeLocked()
	return true
}

// UpdateLastMessageTime bumps the entry's message timestamp. Debounced:
// bursts collapse into one disk write per debounce window.
func (r *Registry) UpdateLastMessageTime(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[chatID]
	if !ok {
		return
	}
	now := time.Now()
	e.LastMessageTime = &now
	e.UpdatedAt = now
	r.dirty = true

	if r.flushAt == nil {
		r.flushAt = time.AfterFunc(debounceWindow, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.flushAt = nil
			if r.dirty {
				r.writeLocked()
			}
		})
	}
}

// Flush forces any pending debounced write to disk. Always called on
// graceful shutdown.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushAt != nil {
		r.flushAt.Stop()
		r.flushAt = nil
	}
	if r.dirty {
		r.writeLocked()
	}
}

// writeLocked commits the map to disk. Caller holds r.mu. A failed
// write keeps the in-memory state; the next successful flush picks it
// up.
func (r *Registry) writeLocked() {
	r.dirty = false
	if err := r.atomicWrite(); err != nil {
		r.dirty = true
		r.logger.Warn("registry write failed, retaining in memory", "error", err)
		return
	}
	if r.OnFlush != nil {
		r.OnFlush()
	}
}

func (r *Registry) atomicWrite() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal registry")
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return errors.Wrap(err, "create registry dir")
	}

	lock, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open registry lock")
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, "acquire registry lock")
	}
	defer func() { _ = unix.Flock(int(lock.Fd()), unix.LOCK_UN) }()

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*")
	if err != nil {
		return errors.Wrap(err, "create temp registry")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write temp registry")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "sync temp registry")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp registry")
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "rename registry")
	}
	return nil
}
