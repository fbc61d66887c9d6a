package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "registry.json"), nil)
}

func TestRegisterPreservesCreatedAt(t *testing.T) {
	r := testRegistry(t)

	r.Register(Entry{ChatID: "+15555551234", SessionName: "imessage/+15555551234", Tier: "family"})
	first, ok := r.Get("+15555551234")
	require.True(t, ok)
	require.False(t, first.CreatedAt.IsZero())

	time.Sleep(10 * time.Millisecond)
	r.Register(Entry{ChatID: "+15555551234", SessionName: "imessage/+15555551234", Tier: "admin"})
	second, ok := r.Get("+15555551234")
	require.True(t, ok)

	assert.Equal(t, first.CreatedAt, second.CreatedAt, "re-register must preserve created_at")
	assert.Equal(t, "admin", second.Tier)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt) || second.UpdatedAt.Equal(first.UpdatedAt))
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	r := Open(path, nil)
	for i := 0; i < 20; i++ {
		r.Register(Entry{
			ChatID:      fmt.Sprintf("+1555555%04d", i),
			SessionName: fmt.Sprintf("imessage/+1555555%04d", i),
			Tier:        "favorite",
			Model:       "opus",
		})
	}
	// Burst of timestamp updates, then flush.
	for i := 0; i < 2000; i++ {
		r.UpdateLastMessageTime(fmt.Sprintf("+1555555%04d", i%20))
	}
	r.Flush()

	reopened := Open(path, nil)
	all := reopened.All()
	require.Len(t, all, 20)
	for id, e := range all {
		assert.NotNil(t, e.LastMessageTime, "entry %s missing last_message_time", id)
		assert.Equal(t, "opus", e.Model)
	}
}

func TestDebounceCollapsesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r := Open(path, nil)

	flushes := 0
	r.OnFlush = func() { flushes++ }

	r.Register(Entry{ChatID: "+15555550001", SessionName: "s"})
	base := flushes

	for i := 0; i < 500; i++ {
		r.UpdateLastMessageTime("+15555550001")
	}
	// Bursts inside the window produce at most one deferred flush.
	assert.Equal(t, base, flushes, "no immediate flush during burst")

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, base+1, flushes, "exactly one debounced flush")
}

func TestCorruptFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	r := Open(path, nil)
	assert.Empty(t, r.All())

	// And it recovers on the next write.
	r.Register(Entry{ChatID: "+15555550001", SessionName: "s"})
	reopened := Open(path, nil)
	assert.Len(t, reopened.All(), 1)
}

func TestRemove(t *testing.T) {
	r := testRegistry(t)
	r.Register(Entry{ChatID: "a", SessionName: "sa"})
	r.Register(Entry{ChatID: "b", SessionName: "sb"})
	r.Remove("a")

	_, ok := r.Get("a")
	assert.False(t, ok)
	_, ok = r.Get("b")
	assert.True(t, ok)

	// Removing a missing entry is a no-op.
	r.Remove("zzz")
}

func TestUpdateSessionID(t *testing.T) {
	r := testRegistry(t)
	r.Register(Entry{ChatID: "a", SessionName: "sa"})
	r.UpdateSessionID("a", "sid-123")

	e, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "sid-123", e.SessionID)

	// Unknown chat id is ignored.
	r.UpdateSessionID("zzz", "sid-999")
}

func TestUpdateModel(t *testing.T) {
	r := testRegistry(t)
	r.Register(Entry{ChatID: "a", SessionName: "sa", Model: "opus"})
	assert.True(t, r.UpdateModel("a", "sonnet"))
	e, _ := r.Get("a")
	assert.Equal(t, "sonnet", e.Model)
	assert.False(t, r.UpdateModel("zzz", "haiku"))
}

func TestGetBySessionName(t *testing.T) {
	r := testRegistry(t)
	r.Register(Entry{ChatID: "signal:+15555550001", SessionName: "signal/+15555550001-signal"})

	e, ok := r.GetBySessionName("signal/+15555550001-signal")
	require.True(t, ok)
	assert.Equal(t, "signal:+15555550001", e.ChatID)

	_, ok = r.GetBySessionName("nope")
	assert.False(t, ok)
}

func TestAllReturnsCopies(t *testing.T) {
	r := testRegistry(t)
	r.Register(Entry{ChatID: "a", SessionName: "sa", Tier: "family"})

	snapshot := r.All()
	entry := snapshot["a"]
	entry.Tier = "admin"
	snapshot["a"] = entry

	fresh, _ := r.Get("a")
	assert.Equal(t, "family", fresh.Tier, "mutating a snapshot must not affect the registry")
}
