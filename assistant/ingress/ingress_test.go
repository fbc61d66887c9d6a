package ingress

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svenhq/dispatch/assistant/message"
	"github.com/svenhq/dispatch/assistant/policy"
	"github.com/svenhq/dispatch/assistant/readers"
)

func recvMessage(t *testing.T, mux *Multiplexer) message.Message {
	t.Helper()
	select {
	case msg := <-mux.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message on multiplexer")
		return message.Message{}
	}
}

func TestMultiplexerEmit(t *testing.T) {
	mux := NewMultiplexer(nil, nil)

	mux.Emit(message.Message{ChatID: "+15550102000", Text: "hi", SourceBackend: "imessage"})
	got := recvMessage(t, mux)
	assert.Equal(t, "hi", got.Text)
}

func TestMultiplexerDropsEmptyMessages(t *testing.T) {
	mux := NewMultiplexer(nil, nil)
	mux.Emit(message.Message{ChatID: "+15550102000", SourceBackend: "imessage"})
	assert.Empty(t, mux.ch)
}

func TestMultiplexerThrottlesBursts(t *testing.T) {
	mux := NewMultiplexer(nil, nil)
	for i := 0; i < 300; i++ {
		mux.Emit(message.Message{ChatID: "test:runner", Text: "x", SourceBackend: "test"})
	}
	// The burst allowance admits some; the rest are throttled away.
	n := len(mux.ch)
	assert.Greater(t, n, 0)
	assert.Less(t, n, 300)
}

func signalLine(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func receiveNotification(ts int64, body, source string, group bool) map[string]any {
	dm := map[string]any{"message": body, "timestamp": ts}
	if group {
		dm["groupInfo"] = map[string]any{"groupId": "Zm9vYmFyYmF6cXV1eA==", "groupName": "Crew"}
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "receive",
		"params": map[string]any{
			"envelope": map[string]any{
				"sourceNumber": source,
				"sourceName":   "Ada",
				"dataMessage":  dm,
			},
		},
	}
}

func TestSignalProcessLine(t *testing.T) {
	mux := NewMultiplexer(nil, nil)
	l := NewSignalListener("/nonexistent", mux, nil)

	l.processLine(signalLine(t, receiveNotification(1000, "hello there", "+15550102000", false)))
	got := recvMessage(t, mux)
	assert.Equal(t, "hello there", got.Text)
	assert.Equal(t, "+15550102000", got.ChatID)
	assert.Equal(t, "signal", got.SourceBackend)
	assert.Equal(t, "Ada", got.SenderDisplayName)
	assert.False(t, got.IsGroup)
}

func TestSignalGroupMessage(t *testing.T) {
	mux := NewMultiplexer(nil, nil)
	l := NewSignalListener("/nonexistent", mux, nil)

	l.processLine(signalLine(t, receiveNotification(1001, "group hello", "+15550102000", true)))
	got := recvMessage(t, mux)
	assert.True(t, got.IsGroup)
	assert.Equal(t, "Zm9vYmFyYmF6cXV1eA==", got.ChatID)
	assert.Equal(t, "Crew", got.GroupName)
	assert.Equal(t, "+15550102000", got.SenderID)
}

func TestSignalDedup(t *testing.T) {
	mux := NewMultiplexer(nil, nil)
	l := NewSignalListener("/nonexistent", mux, nil)

	for i := 0; i < 3; i++ {
		l.processLine(signalLine(t, receiveNotification(2000, "once", "+15550102000", false)))
	}
	recvMessage(t, mux)
	assert.Empty(t, mux.ch, "duplicate timestamps must not re-emit")
}

func TestSignalDedupPrunesOldest(t *testing.T) {
	mux := NewMultiplexer(nil, nil)
	l := NewSignalListener("/nonexistent", mux, nil)

	for ts := int64(1); ts <= maxSeenTimestamps+1; ts++ {
		l.duplicate(ts)
	}
	assert.LessOrEqual(t, len(l.seen), maxSeenTimestamps)
	// The newest timestamps survive the prune.
	assert.True(t, l.duplicate(maxSeenTimestamps+1))
}

func TestSignalIgnoresNonReceive(t *testing.T) {
	mux := NewMultiplexer(nil, nil)
	l := NewSignalListener("/nonexistent", mux, nil)

	l.processLine([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	l.processLine([]byte(`not json`))
	assert.Empty(t, mux.ch)
}

func TestSignalListenOverSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "sig")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "signal.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Consume the subscribe request, then deliver one message.
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		line := signalLine(t, receiveNotification(3000, "over the wire", "+15550102000", false))
		_, _ = conn.Write(append(line, '\n'))
	}()

	mux := NewMultiplexer(nil, nil)
	l := NewSignalListener(sock, mux, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	got := recvMessage(t, mux)
	assert.Equal(t, "over the wire", got.Text)
	cancel()
	wg.Wait()
}

func TestTestWatcherConsumesDropFiles(t *testing.T) {
	dir := t.TempDir()
	mux := NewMultiplexer(nil, nil)
	w := NewTestWatcher(dir, mux, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	payload := `{"from":"+15555551234","text":"drop test","is_group":false}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "msg1.json"), []byte(payload), 0o644))

	got := recvMessage(t, mux)
	assert.Equal(t, "drop test", got.Text)
	assert.Equal(t, "+15555551234", got.ChatID)
	assert.Equal(t, "test", got.SourceBackend)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "msg1.json"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "consumed file must be deleted")
}

func TestTestWatcherQuarantinesMalformed(t *testing.T) {
	dir := t.TempDir()
	mux := NewMultiplexer(nil, nil)
	w := NewTestWatcher(dir, mux, nil)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{broken"), 0o644))
	w.sweep()

	_, err := os.Stat(filepath.Join(dir, "errors", "bad.json"))
	assert.NoError(t, err, "malformed file must move to errors/")
	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, mux.ch)
}

func TestTestWatcherDefaults(t *testing.T) {
	dir := t.TempDir()
	mux := NewMultiplexer(nil, nil)
	w := NewTestWatcher(dir, mux, nil)

	path := filepath.Join(dir, "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text":"defaults"}`), 0o644))
	w.sweep()

	got := recvMessage(t, mux)
	assert.Equal(t, "+15555550005", got.SenderID)
	assert.Equal(t, "+15555550005", got.ChatID)
}

type fakeDirectory map[string]readers.Contact

func (d fakeDirectory) LookupName(name string) (readers.Contact, bool) {
	c, ok := d[name]
	return c, ok
}

type fakeSink struct {
	mu sync.Mutex
	fg []string
	bg []string
}

func (s *fakeSink) InjectDirect(chatID, contactName, tier, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fg = append(s.fg, chatID+"|"+prompt)
	return nil
}

func (s *fakeSink) InjectBackground(chatID, contactName, tier, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bg = append(s.bg, chatID+"|"+prompt)
	return nil
}

// reminderHelper writes a stub poll script that prints due reminders
// on --json and logs every invocation.
func reminderHelper(t *testing.T, dueJSON string) (helper, argsLog string) {
	t.Helper()
	dir := t.TempDir()
	helper = filepath.Join(dir, "poll-due")
	argsLog = filepath.Join(dir, "args.log")
	script := "#!/bin/sh\necho \"$@\" >> " + argsLog + "\n" +
		"if [ \"$1\" = \"--json\" ]; then cat <<'EOF'\n" + dueJSON + "\nEOF\nfi\n"
	require.NoError(t, os.WriteFile(helper, []byte(script), 0o755))
	return helper, argsLog
}

func TestReminderPollerFiresDue(t *testing.T) {
	due := `[{"id":1,"title":"water plants","notes":"the ferns","contact":"Ada","target":"both","list":"Chores"}]`
	helper, argsLog := reminderHelper(t, due)

	sink := &fakeSink{}
	dir := fakeDirectory{"Ada": {Name: "Ada", Phone: "+15550102000", Tier: policy.TierWife}}
	p := NewReminderPoller(helper, sink, dir, nil)

	p.poll(context.Background())

	require.Len(t, sink.fg, 1)
	require.Len(t, sink.bg, 1)
	assert.Contains(t, sink.fg[0], "---REMINDER FIRED")
	assert.Contains(t, sink.fg[0], "water plants")
	assert.Contains(t, sink.fg[0], "Notes: the ferns")
	assert.Contains(t, sink.fg[0], "TEXT the user")
	assert.Contains(t, sink.bg[0], "silently")

	logged, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "--complete water plants --list Chores")
}

func TestReminderPollerSkipsCronEntries(t *testing.T) {
	due := `[{"id":2,"title":"daily standup","contact":"Ada","target":"fg","cron":"0 9 * * *"}]`
	helper, _ := reminderHelper(t, due)

	sink := &fakeSink{}
	dir := fakeDirectory{"Ada": {Name: "Ada", Phone: "+15550102000", Tier: policy.TierWife}}
	p := NewReminderPoller(helper, sink, dir, nil)

	p.poll(context.Background())
	assert.Empty(t, sink.fg)
}

func TestReminderPollerUnresolvedContact(t *testing.T) {
	due := `[{"id":3,"title":"orphan","contact":"Nobody","target":"fg"}]`
	helper, argsLog := reminderHelper(t, due)

	sink := &fakeSink{}
	p := NewReminderPoller(helper, sink, fakeDirectory{}, nil)

	p.poll(context.Background())
	assert.Empty(t, sink.fg)

	logged, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	assert.NotContains(t, string(logged), "--complete", "unresolved reminders must not be completed")
}

func TestReminderPollerMissingHelper(t *testing.T) {
	p := NewReminderPoller(filepath.Join(t.TempDir(), "gone"), &fakeSink{}, fakeDirectory{}, nil)
	p.poll(context.Background())
}
