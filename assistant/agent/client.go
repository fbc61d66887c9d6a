// Package agent is the adapter around the agent runtime CLI. It speaks
// the stream-json protocol over stdin/stdout of a long-lived subprocess
// and exposes a typed event stream.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	scannerInitialBufSize = 256 * 1024
	defaultMaxBufferSize  = 10 * 1024 * 1024

	// Grace period between close-stdin and SIGKILL on Disconnect.
	terminateGrace = 2 * time.Second

	maxStderrLines = 50
)

// Client owns one agent subprocess. All writes to the subprocess are
// serialized; events are delivered on a single channel until the
// subprocess exits, terminated by a StreamClosed event.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex
	reqSeq  atomic.Int64
	events  chan Event

	waitOnce sync.Once
	waitErr  error
}

// Connect launches the agent subprocess in cwd and starts the stream
// reader. The returned client is ready for Query immediately.
func Connect(ctx context.Context, cwd string, opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cliPath := opts.CLIPath
	if cliPath == "" {
		cliPath = "claude"
	}
	if !strings.Contains(cliPath, "/") {
		resolved, err := exec.LookPath(cliPath)
		if err != nil {
			return nil, errors.Wrap(err, "agent CLI not found")
		}
		cliPath = resolved
	}

	args := buildArgs(opts)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cliPath, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "CLAUDE_DISABLE_TELEMETRY=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		cancel()
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		cancel()
		return nil, errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "start agent subprocess")
	}
	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
		cancel()
		return nil, ctx.Err()
	}

	c := &Client{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		opts:   opts,
		logger: logger,
		events: make(chan Event, 64),
	}

	go c.readLoop(stdout)
	go c.drainStderr(stderr)

	logger.Info("agent subprocess started",
		"pid", cmd.Process.Pid,
		"cwd", cwd,
		"model", opts.Model,
		"resume", opts.Resume != "")
	return c, nil
}

func buildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	} else if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.FallbackModel != "" {
		args = append(args, "--fallback-model", opts.FallbackModel)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Permission != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	return args
}

// Events returns the event stream. Closed after StreamClosed.
func (c *Client) Events() <-chan Event { return c.events }

// Query enqueues one user turn on the subprocess stdin. Safe to call
// while a turn is in flight; the agent picks it up between tool calls.
func (c *Client) Query(text string) error {
	msg := streamMessage{
		Type: "user",
		Message: &wireMessage{
			Role:    "user",
			Content: []wireBlock{{Type: "text", Text: text}},
		},
	}
	return c.writeLine(msg)
}

// Interrupt asks the agent to abort the current turn.
func (c *Client) Interrupt() error {
	id := fmt.Sprintf("req_%d", c.reqSeq.Add(1))
	msg := streamMessage{
		Type:      "control_request",
		RequestID: id,
		Request:   &controlRequest{Subtype: "interrupt"},
	}
	return c.writeLine(msg)
}

func (c *Client) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal stream message")
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return errors.Wrap(err, "write to agent stdin")
	}
	return nil
}

// Alive reports whether the subprocess is still running.
func (c *Client) Alive() bool {
	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}
	return c.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Disconnect closes stdin, waits the grace period, then force-kills.
// Idempotent.
func (c *Client) Disconnect() {
	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.waitOnce.Do(func() { c.waitErr = c.cmd.Wait() })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(terminateGrace):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-done
	}
	c.cancel()
}

// readLoop parses stream-json lines into events. Control requests for
// tool permission are answered inline from the configured callback.
func (c *Client) readLoop(stdout io.ReadCloser) {
	defer close(c.events)

	maxBuf := c.opts.MaxBufferSize
	if maxBuf <= 0 {
		maxBuf = defaultMaxBufferSize
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), maxBuf)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			if len(line) > 100 {
				line = line[:100]
			}
			c.logger.Debug("non-JSON agent output", "line", line)
			continue
		}

		switch msg.Type {
		case "assistant":
			for _, block := range msg.blocks() {
				switch block.Type {
				case "text":
					if block.Text != "" {
						c.events <- AssistantText{Text: block.Text}
					}
				case "tool_use":
					c.events <- ToolUse{ID: block.ID, Name: block.Name, Input: block.Input}
				}
			}
		case "user":
			for _, block := range msg.blocks() {
				if block.Type == "tool_result" {
					c.events <- ToolResult{
						ID:      block.ToolUseID,
						Content: blockContentText(block.Content),
						IsError: block.IsError,
					}
				}
			}
		case "system":
			c.events <- SystemEvent{Subtype: msg.Subtype}
		case "result":
			c.events <- Result{
				SessionID:  msg.SessionID,
				NumTurns:   msg.NumTurns,
				DurationMs: msg.DurationMs,
				IsError:    msg.IsError,
				Text:       msg.Result,
			}
		case "control_request":
			c.handleControlRequest(msg)
		default:
			c.logger.Debug("unknown agent message type", "type", msg.Type)
		}
	}

	err := scanner.Err()
	if err != nil {
		c.logger.Error("agent stream scan failed", "error", err)
	}
	c.events <- StreamClosed{Err: err}
}

func (c *Client) handleControlRequest(msg streamMessage) {
	if msg.Request == nil || msg.Request.Subtype != "can_use_tool" {
		return
	}
	decision := Decision{Allow: true}
	if c.opts.Permission != nil {
		decision = c.opts.Permission(msg.Request.ToolName, msg.Request.Input)
	}

	behavior := "allow"
	if !decision.Allow {
		behavior = "deny"
	}
	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": msg.RequestID,
			"response": map[string]any{
				"behavior": behavior,
				"message":  decision.Message,
			},
		},
	}
	if err := c.writeLine(resp); err != nil {
		c.logger.Warn("failed to answer permission request",
			"tool", msg.Request.ToolName, "error", err)
	}
}

func (c *Client) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	var kept []string
	for scanner.Scan() {
		line := scanner.Text()
		kept = append(kept, line)
		if len(kept) > maxStderrLines {
			kept = kept[1:]
		}
	}
	if len(kept) > 0 {
		c.logger.Debug("agent stderr tail", "lines", len(kept), "last", kept[len(kept)-1])
	}
}

func (m streamMessage) blocks() []wireBlock {
	if m.Message == nil {
		return nil
	}
	return m.Message.Content
}

// blockContentText flattens a tool_result content field, which may be a
// plain string or a list of typed blocks.
func blockContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}
