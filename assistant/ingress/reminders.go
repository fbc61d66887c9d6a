package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/svenhq/dispatch/assistant/readers"
)

const (
	reminderPollInterval = 5 * time.Second
	reminderPollTimeout  = 30 * time.Second
)

// Reminder is one due entry from the poll helper.
type Reminder struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Notes   string `json:"notes"`
	Contact string `json:"contact"`
	// Target picks the destination: "fg" (the contact's conversation),
	// "bg" (its background twin), or "both".
	Target string `json:"target"`
	List   string `json:"list"`
	Cron   string `json:"cron"`
}

// Directory resolves a contact name to its record.
type Directory interface {
	LookupName(name string) (readers.Contact, bool)
}

// ReminderSink delivers reminder prompts, creating sessions as needed.
type ReminderSink interface {
	InjectDirect(chatID, contactName, tier, prompt string) error
	InjectBackground(chatID, contactName, tier, prompt string) error
}

// ReminderPoller runs the poll helper every few seconds and injects
// due reminders into the owning sessions. Recurring (cron) entries are
// fired by the helper itself and excluded from the due list here.
type ReminderPoller struct {
	helperPath string
	sink       ReminderSink
	dir        Directory
	logger     *slog.Logger
}

func NewReminderPoller(helperPath string, sink ReminderSink, dir Directory, logger *slog.Logger) *ReminderPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderPoller{
		helperPath: helperPath,
		sink:       sink,
		dir:        dir,
		logger:     logger.With("component", "reminders"),
	}
}

// Run polls until ctx is canceled.
func (p *ReminderPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(reminderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *ReminderPoller) poll(ctx context.Context) {
	due, err := p.checkDue(ctx)
	if err != nil {
		p.logger.Error("reminder poll failed", "error", err)
		return
	}
	now := time.Now().Format("2006-01-02 15:04:05")
	for _, r := range due {
		if r.Cron != "" {
			continue
		}
		p.fire(ctx, r, now)
	}
}

func (p *ReminderPoller) checkDue(ctx context.Context) ([]Reminder, error) {
	if _, err := os.Stat(p.helperPath); err != nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, reminderPollTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.helperPath, "--json")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	var due []Reminder
	if err := json.Unmarshal(stdout.Bytes(), &due); err != nil {
		return nil, err
	}
	return due, nil
}

func (p *ReminderPoller) fire(ctx context.Context, r Reminder, timestamp string) {
	if r.Contact == "" {
		p.logger.Debug("reminder without contact skipped", "title", r.Title)
		return
	}
	contact, ok := p.dir.LookupName(r.Contact)
	if !ok || contact.Phone == "" {
		p.logger.Warn("reminder contact unresolved", "title", r.Title, "contact", r.Contact)
		return
	}
	tier := string(contact.Tier)

	delivered := false
	if r.Target == "" || r.Target == "fg" || r.Target == "both" {
		prompt := buildReminderPrompt(r, timestamp, fgInstruction)
		if err := p.sink.InjectDirect(contact.Phone, r.Contact, tier, prompt); err != nil {
			p.logger.Error("reminder fg inject failed", "title", r.Title, "error", err)
		} else {
			delivered = true
		}
	}
	if r.Target == "bg" || r.Target == "both" {
		prompt := buildReminderPrompt(r, timestamp, bgInstruction)
		if err := p.sink.InjectBackground(contact.Phone, r.Contact, tier, prompt); err != nil {
			p.logger.Error("reminder bg inject failed", "title", r.Title, "error", err)
		} else {
			delivered = true
		}
	}
	if delivered {
		p.complete(ctx, r)
	}
}

const fgInstruction = `ACTION REQUIRED:
1. TEXT the user: "Reminder fired: [task name]. Working on it now..."
2. EXECUTE the task
3. TEXT the user the results when done`

const bgInstruction = "EXECUTE this task now silently. No need to text the user."

func buildReminderPrompt(r Reminder, timestamp, instruction string) string {
	prompt := fmt.Sprintf("\n---REMINDER FIRED [%s]---\n%s\n", timestamp, r.Title)
	if r.Notes != "" {
		prompt += "Notes: " + r.Notes + "\n"
	}
	prompt += "---END REMINDER---\n\n" + instruction + "\n"
	return prompt
}

// complete marks a one-shot reminder done so it never fires again.
func (p *ReminderPoller) complete(ctx context.Context, r Reminder) {
	ctx, cancel := context.WithTimeout(ctx, reminderPollTimeout)
	defer cancel()

	list := r.List
	if list == "" {
		list = "Reminders"
	}
	cmd := exec.CommandContext(ctx, p.helperPath, "--complete", r.Title, "--list", list)
	if err := cmd.Run(); err != nil {
		p.logger.Error("reminder completion failed", "title", r.Title, "error", err)
		return
	}
	p.logger.Info("reminder completed", "title", r.Title, "list", list)
}
