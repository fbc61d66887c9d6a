package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/svenhq/dispatch/assistant/chatid"
	"github.com/svenhq/dispatch/assistant/ipc"
	"github.com/svenhq/dispatch/assistant/policy"
	"github.com/svenhq/dispatch/assistant/session"
)

const (
	reaperInterval = 5 * time.Minute
	idleThreshold  = 2 * time.Hour

	summarizeTimeout = 60 * time.Second
)

// RunIdleReaper kills conversations idle past the threshold. The map
// is snapshotted under the lock and iterated without it; kills are
// detached so a slow stop never blocks the sweep.
func (o *Orchestrator) RunIdleReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reapIdle()
		}
	}
}

func (o *Orchestrator) reapIdle() {
	now := time.Now()
	for chatID, sess := range o.snapshot() {
		if sess.SessionType() == session.TypeBackground ||
			sess.SessionType() == session.TypeMaster ||
			strings.HasSuffix(chatID, bgSuffix) {
			continue
		}
		idle := now.Sub(sess.LastActivity())
		if idle <= idleThreshold {
			continue
		}
		o.logger.Info("idle session reaped", "chat_id", chatID, "idle", idle.Round(time.Minute))
		if o.metrics != nil {
			o.metrics.SessionKilled("idle")
		}
		go o.KillSession(chatID)
	}
}

// Shutdown drains the daemon: summaries first (best effort, bounded),
// then session ids persisted, then subprocesses stopped and the
// registry flushed.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.draining.Store(true)

	o.mu.Lock()
	all := make(map[string]*session.Session, len(o.sessions))
	for k, v := range o.sessions {
		all[k] = v
	}
	o.sessions = make(map[string]*session.Session)
	o.pending = make(map[string]promptSpec)
	o.mu.Unlock()

	o.generateShutdownSummaries(ctx, all)

	for chatID, sess := range all {
		if id := sess.SessionID(); id != "" {
			o.registry.UpdateSessionID(chatID, id)
		}
	}
	for _, sess := range all {
		sess.Stop()
	}
	o.registry.Flush()
	o.logger.Info("shutdown complete", "sessions_stopped", len(all))
}

// generateShutdownSummaries runs the summarize helper once per live
// session, concurrently, so context survives the restart as a
// pending-summary file.
func (o *Orchestrator) generateShutdownSummaries(ctx context.Context, all map[string]*session.Session) {
	if o.cfg.SummarizeHelper == "" || len(all) == 0 {
		return
	}
	if _, err := os.Stat(o.cfg.SummarizeHelper); err != nil {
		return
	}
	o.logger.Info("generating shutdown summaries", "sessions", len(all))

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range all {
		if sess.SessionType() == session.TypeBackground || sess.SessionType() == session.TypeMaster {
			continue
		}
		g.Go(func() error {
			runCtx, cancel := context.WithTimeout(gctx, summarizeTimeout)
			defer cancel()
			cmd := exec.CommandContext(runCtx, o.cfg.SummarizeHelper, sess.Name())
			if err := cmd.Run(); err != nil {
				o.logger.Warn("shutdown summary failed", "session", sess.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Inject implements the IPC inject command: flags select the wrap and
// the destination.
func (o *Orchestrator) Inject(req ipc.Request) (string, error) {
	if req.ChatID == "" {
		return "", errors.New("chat_id is required")
	}
	if req.Prompt == "" {
		return "", errors.New("prompt is required")
	}
	ctx := context.Background()
	source := req.Source
	if source == "" {
		source = "imessage"
	}
	normalized := canonical(source, req.ChatID)

	contactName := req.ContactName
	tier := policy.Parse(req.Tier)
	if entry, ok := o.registry.Get(normalized); ok {
		if contactName == "" {
			contactName = entry.ContactName
		}
		if req.Tier == "" {
			tier = policy.Parse(entry.Tier)
		}
		if req.Source == "" && entry.SourceBackend != "" {
			source = entry.SourceBackend
			normalized = canonical(source, req.ChatID)
		}
	}
	if contactName == "" {
		contactName = chatid.Bare(normalized)
	}

	if req.BG {
		sess, err := o.ensureBackground(ctx, contactName, normalized, tier, source)
		if err != nil {
			return "", err
		}
		return sess.Name(), sess.Inject(req.Prompt)
	}

	sess, err := o.ensureIndividual(ctx, contactName, normalized, tier, source)
	if err != nil {
		return "", err
	}
	o.injectStartupPrompt(ctx, normalized, sess)

	prompt := req.Prompt
	switch {
	case req.Admin:
		prompt = o.wrapAdmin(prompt)
	case req.SMS:
		prompt = o.wrapSMS(ctx, prompt, contactName, tier, chatid.Bare(normalized), req.ReplyTo, source)
	}
	if err := sess.Inject(prompt); err != nil {
		return "", err
	}
	o.registry.UpdateLastMessageTime(normalized)
	return sess.Name(), nil
}
