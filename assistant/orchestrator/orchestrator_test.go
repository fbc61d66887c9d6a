package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svenhq/dispatch/assistant/agent"
	"github.com/svenhq/dispatch/assistant/ipc"
	"github.com/svenhq/dispatch/assistant/message"
	"github.com/svenhq/dispatch/assistant/policy"
	"github.com/svenhq/dispatch/assistant/readers"
	"github.com/svenhq/dispatch/assistant/registry"
	"github.com/svenhq/dispatch/assistant/session"
)

// fakeClient is an in-memory stand-in for the agent subprocess.
type fakeClient struct {
	mu      sync.Mutex
	queries []string
	events  chan agent.Event
	alive   bool
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan agent.Event, 64), alive: true}
}

func (f *fakeClient) Query(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	return nil
}

func (f *fakeClient) Events() <-chan agent.Event { return f.events }
func (f *fakeClient) Interrupt() error           { return nil }

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeClient) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeClient) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeClient) allQueries() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.queries, "\n=====\n")
}

// fakeFactory hands out fake clients and records the connect options.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	opts    []agent.Options
}

func (f *fakeFactory) New(ctx context.Context, cwd string, opts agent.Options) (session.AgentClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeClient()
	f.clients = append(f.clients, c)
	f.opts = append(f.opts, opts)
	return c, nil
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 {
		i += len(f.clients)
	}
	return f.clients[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) lastOpts() agent.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeFactory, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.Open(filepath.Join(dir, "registry.json"), nil)
	factory := &fakeFactory{}

	cfg := Config{
		OwnerName:      "Sven",
		OwnerPhone:     "+15550100001",
		Home:           dir,
		TranscriptsDir: filepath.Join(dir, "transcripts"),
		LogsDir:        filepath.Join(dir, "logs"),
		AgentCLI:       "claude",
	}
	o := New(cfg, reg, nil, readers.Paths{}, nil, factory.New, nil, nil)
	t.Cleanup(func() { o.KillAllSessions() })
	return o, factory, reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestInjectMessageCreatesSessionLazily(t *testing.T) {
	o, factory, reg := newTestOrchestrator(t)
	ctx := context.Background()

	err := o.InjectMessage(ctx, "Ada", "+15550102000", "hello", policy.TierFavorite, nil, "", "", "imessage", time.Now())
	require.NoError(t, err)

	require.Equal(t, 1, factory.count())
	fake := factory.client(0)
	// Startup prompt plus the wrapped message.
	waitFor(t, 2*time.Second, func() bool { return fake.queryCount() == 2 })

	all := fake.allQueries()
	assert.Contains(t, all, "SESSION START - INDIVIDUAL SMS CHAT: Ada (favorite tier)")
	assert.Contains(t, all, "---SMS FROM Ada (favorite)---")
	assert.Contains(t, all, "Chat ID: +15550102000")
	assert.Contains(t, all, "hello")

	entry, ok := reg.Get("+15550102000")
	require.True(t, ok)
	assert.Equal(t, "imessage/+15550102000", entry.SessionName)
	assert.Equal(t, "favorite", entry.Tier)
	assert.Equal(t, "opus", entry.Model)
}

func TestSecondMessageReusesSession(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "one", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "two", policy.TierFavorite, nil, "", "", "imessage", time.Now()))

	assert.Equal(t, 1, factory.count(), "same chat must not spawn a second subprocess")
	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool { return fake.queryCount() == 3 })
}

func TestChatIDNormalizationCollapsesVariants(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "5550102000", "a", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "b", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	require.NoError(t, o.InjectMessage(ctx, "Ada", "15550102000", "c", policy.TierFavorite, nil, "", "", "imessage", time.Now()))

	assert.Equal(t, 1, factory.count())
}

func TestTierMismatchRestartsSession(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "now admin", policy.TierAdmin, nil, "", "", "imessage", time.Now()))

	require.Equal(t, 2, factory.count(), "tier change must restart the subprocess")
	info, ok := o.GetSessionInfo("+15550102000")
	require.True(t, ok)
	assert.Equal(t, policy.TierAdmin, info.Tier)

	fake := factory.client(1)
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(fake.allQueries(), "now admin")
	})
}

func TestZombieCleanupBeforeRecreate(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	// Subprocess dies without the map noticing.
	factory.client(0).Disconnect()
	waitFor(t, 2*time.Second, func() bool {
		info, _ := o.GetSessionInfo("+15550102000")
		return !info.Alive
	})

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "again", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	assert.Equal(t, 2, factory.count())
	info, ok := o.GetSessionInfo("+15550102000")
	require.True(t, ok)
	assert.True(t, info.Alive)
}

func TestKillSessionPersistsResumeID(t *testing.T) {
	o, factory, reg := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	factory.client(0).events <- agent.Result{SessionID: "resume-abc"}
	waitFor(t, 2*time.Second, func() bool {
		info, _ := o.GetSessionInfo("+15550102000")
		return info.SessionID == "resume-abc"
	})

	assert.True(t, o.KillSession("+15550102000"))
	entry, ok := reg.Get("+15550102000")
	require.True(t, ok)
	assert.Equal(t, "resume-abc", entry.SessionID)

	_, ok = o.GetSessionInfo("+15550102000")
	assert.False(t, ok)
}

func TestRecreationResumesFromPersistedID(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	factory.client(0).events <- agent.Result{SessionID: "resume-abc"}
	waitFor(t, 2*time.Second, func() bool {
		info, _ := o.GetSessionInfo("+15550102000")
		return info.SessionID == "resume-abc"
	})
	o.KillSession("+15550102000")

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "back", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	assert.Equal(t, "resume-abc", factory.lastOpts().Resume)
}

func TestRestartSessionClearsIndexAndResumes(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	factory.client(0).events <- agent.Result{SessionID: "resume-abc"}
	waitFor(t, 2*time.Second, func() bool {
		info, _ := o.GetSessionInfo("+15550102000")
		return info.SessionID == "resume-abc"
	})

	// A stale index would let the subprocess auto-resume the poisoned
	// conversation.
	info, _ := o.GetSessionInfo("+15550102000")
	projDir := filepath.Join(o.cfg.Home, ".claude", "projects", "-"+strings.ReplaceAll(strings.TrimPrefix(info.Cwd, "/"), "/", "-"))
	require.NoError(t, os.MkdirAll(projDir, 0o755))
	idx := filepath.Join(projDir, "sessions-index.json")
	require.NoError(t, os.WriteFile(idx, []byte(`{"entries":[]}`), 0o644))

	require.NoError(t, o.RestartSession("+15550102000", "test"))

	_, err := os.Stat(idx)
	assert.True(t, os.IsNotExist(err), "restart must remove the session index")
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, "resume-abc", factory.lastOpts().Resume)
}

func TestGroupMessageAdmittedForBlessedSender(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	groupID := "a1b2c3d4e5f60718293a4b5c"

	o.route(context.Background(), message.Message{
		ChatID:        groupID,
		SenderID:      "+15550102000",
		Tier:          "favorite",
		Text:          "hello group",
		IsGroup:       true,
		GroupName:     "Crew",
		SourceBackend: "imessage",
		Timestamp:     time.Now(),
	})

	require.Equal(t, 1, factory.count())
	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool { return fake.queryCount() == 2 })
	all := fake.allQueries()
	assert.Contains(t, all, "SESSION START - GROUP CHAT: Crew")
	assert.Contains(t, all, "---GROUP SMS [Crew] FROM +15550102000 [TIER: favorite]---")
	assert.Contains(t, all, "ACL: +15550102000 is FAVORITE tier")

	info, ok := o.GetSessionInfo(groupID)
	require.True(t, ok)
	assert.Equal(t, policy.TierAdmin, info.Tier, "group sessions run admin-equivalent")
}

func TestGroupMessageRejectedForUnknownSender(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	groupID := "a1b2c3d4e5f60718293a4b5c"

	o.route(context.Background(), message.Message{
		ChatID:        groupID,
		SenderID:      "+19998887777",
		Text:          "let me in",
		IsGroup:       true,
		SourceBackend: "imessage",
		Timestamp:     time.Now(),
	})

	assert.Equal(t, 0, factory.count(), "unknown sender without engagement must be dropped")
}

func TestGroupMessageAdmittedForEstablishedGroup(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	groupID := "a1b2c3d4e5f60718293a4b5c"

	// A blessed sender establishes the group first.
	o.route(context.Background(), message.Message{
		ChatID: groupID, SenderID: "+15550102000", Tier: "favorite",
		Text: "hi", IsGroup: true, SourceBackend: "imessage", Timestamp: time.Now(),
	})
	require.Equal(t, 1, factory.count())

	// Now an unknown sender posts into the same group.
	o.route(context.Background(), message.Message{
		ChatID: groupID, SenderID: "+19998887777",
		Text: "me too", IsGroup: true, SourceBackend: "imessage", Timestamp: time.Now(),
	})

	assert.Equal(t, 1, factory.count())
	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(fake.allQueries(), "[TIER: unknown]")
	})
}

func TestUnknownIndividualSenderIgnored(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)

	o.route(context.Background(), message.Message{
		ChatID: "+19998887777", SenderID: "+19998887777",
		Text: "hello?", SourceBackend: "imessage", Timestamp: time.Now(),
	})

	assert.Equal(t, 0, factory.count())
}

func TestMasterIntercept(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)

	o.route(context.Background(), message.Message{
		ChatID: "+15550100001", SenderID: "+15550100001",
		Text: "MASTER check the calendar", SourceBackend: "imessage", Timestamp: time.Now(),
	})

	require.Equal(t, 1, factory.count())
	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(fake.allQueries(), "---MASTER COMMAND---")
	})
	all := fake.allQueries()
	assert.Contains(t, all, "From: Admin (+15550100001)")
	assert.Contains(t, all, "check the calendar")

	info, ok := o.GetSessionInfo(masterChatID)
	require.True(t, ok)
	assert.Equal(t, session.TypeMaster, info.Type)
}

func TestMasterInterceptRequiresAdmin(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)

	o.route(context.Background(), message.Message{
		ChatID: "+19998887777", SenderID: "+19998887777",
		Text: "MASTER do evil", SourceBackend: "imessage", Timestamp: time.Now(),
	})

	assert.Equal(t, 0, factory.count())
}

func TestHealmeIntercept(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	log := filepath.Join(dir, "healme.log")
	stub := filepath.Join(dir, "claude")
	script := "#!/bin/sh\necho \"$@\" > " + log + "\n"
	require.NoError(t, os.WriteFile(stub, []byte(script), 0o755))
	o.cfg.AgentCLI = stub

	o.route(context.Background(), message.Message{
		ChatID: "+15550100001", SenderID: "+15550100001",
		Text: "HEALME daemon is stuck", SourceBackend: "imessage", Timestamp: time.Now(),
	})

	assert.Equal(t, 0, factory.count(), "healing runs outside the session map")
	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(log)
		return err == nil && strings.Contains(string(data), "EMERGENCY HEALING MODE")
	})
	data, _ := os.ReadFile(log)
	assert.Contains(t, string(data), "daemon is stuck")
}

func TestInjectConsolidationUsesBackgroundTwin(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectConsolidation(ctx, "Ada", "+15550102000"))

	require.Equal(t, 1, factory.count())
	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool { return fake.queryCount() == 2 })
	all := fake.allQueries()
	assert.Contains(t, all, "BACKGROUND SESSION - Task runner for Ada")
	assert.Contains(t, all, "NIGHTLY MEMORY CONSOLIDATION")

	info, ok := o.GetSessionInfo("+15550102000-bg")
	require.True(t, ok)
	assert.Equal(t, session.TypeBackground, info.Type)
}

func TestIPCInjectAdminWrap(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)

	name, err := o.Inject(ipc.Request{
		Cmd: "inject", ChatID: "+15550102000", Prompt: "do the thing",
		Admin: true, ContactName: "Ada", Tier: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, "imessage/+15550102000", name)

	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(fake.allQueries(), "---ADMIN OVERRIDE---")
	})
	assert.Contains(t, fake.allQueries(), "From: Sven (admin)")
}

func TestIPCInjectBackgroundFlag(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	name, err := o.Inject(ipc.Request{
		Cmd: "inject", ChatID: "+15550102000", Prompt: "nightly task",
		BG: true, ContactName: "Ada", Tier: "favorite",
	})
	require.NoError(t, err)
	assert.Equal(t, "imessage/+15550102000-bg", name)
}

func TestStatusMergesRegistryFields(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	records := o.Status()
	require.Len(t, records, 1)
	assert.Equal(t, "+15550102000", records[0].ChatID)
	assert.True(t, records[0].Alive)
}

func TestHealthSnapshotExposesSessions(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	views := o.HealthSnapshot()
	require.Len(t, views, 1)
	assert.Equal(t, session.TypeIndividual, views[0].Type)
	assert.True(t, views[0].Alive)
}

func TestSetModelRestartsWithOverride(t *testing.T) {
	o, factory, reg := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	require.NoError(t, o.SetModel("+15550102000", "sonnet"))

	entry, ok := reg.Get("+15550102000")
	require.True(t, ok)
	assert.Equal(t, "sonnet", entry.Model)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, "sonnet", factory.lastOpts().Model)
}

func TestSetModelUnknownChat(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	assert.Error(t, o.SetModel("+19990000000", "sonnet"))
}

func TestShutdownPersistsAndStopsAll(t *testing.T) {
	o, factory, reg := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	factory.client(0).events <- agent.Result{SessionID: "resume-xyz"}
	waitFor(t, 2*time.Second, func() bool {
		info, _ := o.GetSessionInfo("+15550102000")
		return info.SessionID == "resume-xyz"
	})

	o.Shutdown(ctx)

	entry, ok := reg.Get("+15550102000")
	require.True(t, ok)
	assert.Equal(t, "resume-xyz", entry.SessionID)
	assert.Empty(t, o.Status())

	// Draining orchestrator refuses new work.
	err := o.InjectMessage(ctx, "Ada", "+15550102000", "late", policy.TierFavorite, nil, "", "", "imessage", time.Now())
	assert.Error(t, err)
}

func TestShutdownRunsSummarizeHelper(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	dir := t.TempDir()
	log := filepath.Join(dir, "summaries.log")
	helper := filepath.Join(dir, "summarize-session")
	script := "#!/bin/sh\necho \"$1\" >> " + log + "\n"
	require.NoError(t, os.WriteFile(helper, []byte(script), 0o755))
	o.cfg.SummarizeHelper = helper

	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "hi", policy.TierFavorite, nil, "", "", "imessage", time.Now()))
	o.Shutdown(ctx)

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Contains(t, string(data), "imessage/+15550102000")
}

func TestRecreatePersistedSessionsWithPendingSummary(t *testing.T) {
	o, factory, reg := newTestOrchestrator(t)
	ctx := context.Background()

	cwd := filepath.Join(o.cfg.TranscriptsDir, "imessage", "+15550102000")
	require.NoError(t, os.MkdirAll(cwd, 0o755))
	summary := strings.Repeat("Ada asked about the trip to Lisbon and flight options. ", 4)
	require.NoError(t, os.WriteFile(filepath.Join(cwd, ".pending-summary.md"), []byte(summary), 0o644))

	reg.Register(registry.Entry{
		ChatID:        "+15550102000",
		SessionName:   "imessage/+15550102000",
		Cwd:           cwd,
		SessionType:   "individual",
		ContactName:   "Ada",
		Tier:          "favorite",
		SourceBackend: "imessage",
	})

	assert.Equal(t, 1, o.RecreatePersisted(ctx))
	require.Equal(t, 1, factory.count())

	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(fake.allQueries(), "Previous Session Context")
	})
	assert.Contains(t, fake.allQueries(), "Lisbon")

	_, err := os.Stat(filepath.Join(cwd, ".pending-summary.md"))
	assert.True(t, os.IsNotExist(err), "summary file is consumed")
}

func TestRecreatePersistedSkipsEntriesWithoutSummary(t *testing.T) {
	o, factory, reg := newTestOrchestrator(t)

	reg.Register(registry.Entry{
		ChatID: "+15550102000", SessionName: "imessage/+15550102000",
		Cwd: t.TempDir(), SessionType: "individual", ContactName: "Ada",
		Tier: "favorite", SourceBackend: "imessage",
	})

	assert.Equal(t, 0, o.RecreatePersisted(context.Background()))
	assert.Equal(t, 0, factory.count())
}

func TestIdleReaperExemptsBackgroundAndMaster(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.CreateMasterSession(ctx)
	require.NoError(t, err)
	require.NoError(t, o.InjectConsolidation(ctx, "Ada", "+15550102000"))

	o.reapIdle()
	// Fresh sessions are under threshold anyway; the exemption is what
	// keeps these alive even when the daemon has been up for days.
	assert.Equal(t, 2, factory.count())
	_, ok := o.GetSessionInfo(masterChatID)
	assert.True(t, ok)
	_, ok = o.GetSessionInfo("+15550102000-bg")
	assert.True(t, ok)
}

func TestRunDrainsQueueAndRoutes(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)

	ch := make(chan message.Message, 4)
	ch <- message.Message{
		ChatID: "+15550102000", SenderID: "+15550102000", Tier: "favorite",
		SenderDisplayName: "Ada", Text: "via the loop",
		SourceBackend: "imessage", Timestamp: time.Now(),
	}
	close(ch)

	require.NoError(t, o.Run(context.Background(), ch))
	require.Equal(t, 1, factory.count())
	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(fake.allQueries(), "via the loop")
	})
}

func TestVisionSpawnSkippedWithoutAnalyzer(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t)
	ctx := context.Background()

	atts := []message.Attachment{{Path: "/tmp/photo.jpg", MimeType: "image/jpeg", Name: "photo.jpg", SizeBytes: 2048}}
	require.NoError(t, o.InjectMessage(ctx, "Ada", "+15550102000", "", policy.TierFavorite, atts, "", "", "imessage", time.Now()))

	fake := factory.client(0)
	waitFor(t, 2*time.Second, func() bool { return fake.queryCount() == 2 })
	all := fake.allQueries()
	assert.Contains(t, all, "ATTACHMENTS:")
	assert.Contains(t, all, "photo.jpg (image/jpeg, 2KB)")
	assert.Contains(t, all, "Path: /tmp/photo.jpg")
}
