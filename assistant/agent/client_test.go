package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type closableBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *closableBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *closableBuffer) Close() error { return nil }

func (b *closableBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestClient(stdout string, opts Options) (*Client, *closableBuffer) {
	stdin := &closableBuffer{}
	c := &Client{
		stdin:  stdin,
		opts:   opts,
		logger: slog.Default(),
		events: make(chan Event, 64),
	}
	go c.readLoop(io.NopCloser(strings.NewReader(stdout)))
	return c, stdin
}

func collect(c *Client) []Event {
	var events []Event
	for ev := range c.events {
		events = append(events, ev)
	}
	return events
}

func TestReadLoopClassifiesEvents(t *testing.T) {
	stdout := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"abc"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working on it"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"file.txt"}]}}`,
		`{"type":"result","session_id":"abc","num_turns":3,"duration_ms":1200,"is_error":false}`,
	}, "\n") + "\n"

	c, _ := newTestClient(stdout, Options{})
	events := collect(c)

	if len(events) != 6 {
		t.Fatalf("expected 6 events (incl. StreamClosed), got %d: %#v", len(events), events)
	}

	t.Run("system", func(t *testing.T) {
		sys, ok := events[0].(SystemEvent)
		if !ok || sys.Subtype != "init" {
			t.Fatalf("expected init SystemEvent, got %#v", events[0])
		}
	})
	t.Run("text", func(t *testing.T) {
		text, ok := events[1].(AssistantText)
		if !ok || text.Text != "working on it" {
			t.Fatalf("expected AssistantText, got %#v", events[1])
		}
	})
	t.Run("tool use", func(t *testing.T) {
		use, ok := events[2].(ToolUse)
		if !ok || use.Name != "Bash" || use.ID != "t1" {
			t.Fatalf("expected Bash ToolUse, got %#v", events[2])
		}
		if use.Input["command"] != "ls" {
			t.Fatalf("tool input not preserved: %#v", use.Input)
		}
	})
	t.Run("tool result", func(t *testing.T) {
		res, ok := events[3].(ToolResult)
		if !ok || res.ID != "t1" || res.Content != "file.txt" {
			t.Fatalf("expected ToolResult for t1, got %#v", events[3])
		}
	})
	t.Run("result", func(t *testing.T) {
		result, ok := events[4].(Result)
		if !ok || result.SessionID != "abc" || result.NumTurns != 3 {
			t.Fatalf("expected Result, got %#v", events[4])
		}
	})
	t.Run("stream closed", func(t *testing.T) {
		closed, ok := events[5].(StreamClosed)
		if !ok || closed.Err != nil {
			t.Fatalf("expected clean StreamClosed, got %#v", events[5])
		}
	})
}

func TestReadLoopSkipsGarbage(t *testing.T) {
	stdout := "not json at all\n\n" +
		`{"type":"result","session_id":"x","num_turns":1}` + "\n"

	c, _ := newTestClient(stdout, Options{})
	events := collect(c)

	if len(events) != 2 {
		t.Fatalf("expected result + closed, got %d events", len(events))
	}
	if _, ok := events[0].(Result); !ok {
		t.Fatalf("expected Result first, got %#v", events[0])
	}
}

func TestPermissionDenyAnswered(t *testing.T) {
	stdout := `{"type":"control_request","request_id":"req_9","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/etc/passwd"}}}` + "\n"

	denied := false
	opts := Options{
		Permission: func(tool string, input map[string]any) Decision {
			denied = true
			if tool != "Write" {
				t.Errorf("expected Write, got %s", tool)
			}
			return Decision{Allow: false, Message: "write access is not permitted"}
		},
	}
	c, stdin := newTestClient(stdout, opts)
	collect(c)

	if !denied {
		t.Fatal("permission callback never invoked")
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdin.String())), &resp); err != nil {
		t.Fatalf("control response not valid JSON: %v", err)
	}
	inner := resp["response"].(map[string]any)
	if inner["request_id"] != "req_9" {
		t.Fatalf("response not correlated to request: %#v", inner)
	}
	verdict := inner["response"].(map[string]any)
	if verdict["behavior"] != "deny" {
		t.Fatalf("expected deny, got %#v", verdict)
	}
}

func TestToolResultContentList(t *testing.T) {
	stdout := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}]}}` + "\n"

	c, _ := newTestClient(stdout, Options{})
	events := collect(c)

	res, ok := events[0].(ToolResult)
	if !ok || res.Content != "part one part two" {
		t.Fatalf("expected flattened content, got %#v", events[0])
	}
}

func TestBuildArgs(t *testing.T) {
	t.Run("fresh session", func(t *testing.T) {
		args := buildArgs(Options{SessionID: "sid-1", Model: "opus", MaxTurns: 200})
		joined := strings.Join(args, " ")
		for _, want := range []string{"--session-id sid-1", "--model opus", "--max-turns 200", "--input-format stream-json"} {
			if !strings.Contains(joined, want) {
				t.Errorf("args missing %q: %s", want, joined)
			}
		}
		if strings.Contains(joined, "--resume") {
			t.Errorf("fresh session must not resume: %s", joined)
		}
	})
	t.Run("resume wins over session id", func(t *testing.T) {
		args := buildArgs(Options{SessionID: "sid-1", Resume: "old-sid"})
		joined := strings.Join(args, " ")
		if !strings.Contains(joined, "--resume old-sid") {
			t.Errorf("expected resume flag: %s", joined)
		}
		if strings.Contains(joined, "--session-id") {
			t.Errorf("resume and session-id are mutually exclusive: %s", joined)
		}
	})
	t.Run("permission prompt tool wired when callback set", func(t *testing.T) {
		args := buildArgs(Options{Permission: func(string, map[string]any) Decision { return Decision{Allow: true} }})
		if !strings.Contains(strings.Join(args, " "), "--permission-prompt-tool stdio") {
			t.Errorf("expected permission prompt tool: %v", args)
		}
	})
}
