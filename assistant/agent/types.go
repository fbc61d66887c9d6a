package agent

// Event is the sealed variant set of messages emitted by the agent
// subprocess. The receiver classifies by type switch, never by shape.
type Event interface{ event() }

// AssistantText is one text block of an assistant message.
type AssistantText struct {
	Text string
}

// ToolUse announces a tool invocation the agent has started.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult closes a previously announced tool invocation.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// SystemEvent carries agent control chatter (init, status). Consumed
// silently except at debug level.
type SystemEvent struct {
	Subtype string
}

// Result terminates a turn. Merged turns produce exactly one Result.
type Result struct {
	SessionID  string
	NumTurns   int
	DurationMs int64
	IsError    bool
	Text       string
}

// StreamClosed is the final event on the stream; Err is nil on clean EOF.
type StreamClosed struct {
	Err error
}

func (AssistantText) event() {}
func (ToolUse) event()       {}
func (ToolResult) event()    {}
func (SystemEvent) event()   {}
func (Result) event()        {}
func (StreamClosed) event()  {}

// Decision is a permission callback verdict for one tool call.
type Decision struct {
	Allow   bool
	Message string // reason shown to the agent on deny
}

// PermissionFunc gates tool calls at runtime. Called from the stream
// goroutine; must return quickly and must not call back into the Client.
type PermissionFunc func(tool string, input map[string]any) Decision

// Options configures one agent subprocess.
type Options struct {
	SessionID      string // fresh id supplied explicitly when not resuming
	Resume         string // prior session id to reconstruct, if any
	Model          string
	FallbackModel  string
	PermissionMode string
	AllowedTools   []string
	MaxTurns       int
	SystemPrompt   string
	MaxBufferSize  int // stdout scanner cap; defaults to 10 MiB
	CLIPath        string
	Permission     PermissionFunc
}

// Wire structures for the stream-json protocol.

type streamMessage struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Message    *wireMessage    `json:"message,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Result     string          `json:"result,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Request    *controlRequest `json:"request,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role,omitempty"`
	Content []wireBlock `json:"content,omitempty"`
}

type wireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}
