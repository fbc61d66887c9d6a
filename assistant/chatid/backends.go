package chatid

import "strings"

// Backend is a static value record describing one messaging backend.
// All backend-sensitive operations substitute its fields into templates;
// there is no backend class hierarchy.
type Backend struct {
	Name           string
	Label          string // wrap header label, e.g. "SMS"
	SessionSuffix  string // appended to session names for non-default backends
	RegistryPrefix string // chat id prefix, "" for the default backend
	// Command templates; "{chat_id}" is replaced with the bare id.
	SendCmd              string
	GroupSendCmd         string
	HistoryCmd           string
	SupportsImageContext bool
}

var backends = []Backend{
	{
		Name:                 "imessage",
		Label:                "SMS",
		SessionSuffix:        "",
		RegistryPrefix:       "",
		SendCmd:              `sms send {chat_id}`,
		GroupSendCmd:         `sms send-group {chat_id}`,
		HistoryCmd:           `sms history {chat_id}`,
		SupportsImageContext: true,
	},
	{
		Name:                 "signal",
		Label:                "SIGNAL MESSAGE",
		SessionSuffix:        "-signal",
		RegistryPrefix:       "signal:",
		SendCmd:              `signal-send {chat_id}`,
		GroupSendCmd:         `signal-send --group {chat_id}`,
		HistoryCmd:           `signal-history {chat_id}`,
		SupportsImageContext: true,
	},
	{
		Name:                 "test",
		Label:                "TEST MESSAGE",
		SessionSuffix:        "-test",
		RegistryPrefix:       "test:",
		SendCmd:              `test-reply {chat_id}`,
		GroupSendCmd:         `test-reply {chat_id}`,
		HistoryCmd:           "",
		SupportsImageContext: false,
	},
	{
		Name:                 "sven-app",
		Label:                "SVEN APP",
		SessionSuffix:        "-app",
		RegistryPrefix:       "app:",
		SendCmd:              `sven-app-send`,
		GroupSendCmd:         `sven-app-send`,
		HistoryCmd:           "",
		SupportsImageContext: true,
	},
}

// Backends returns the fixed backend set.
func Backends() []Backend { return backends }

// Default returns the default backend (iMessage).
func Default() Backend { return backends[0] }

// Get resolves a backend by name; unknown names fall back to the default.
func Get(name string) Backend {
	for _, b := range backends {
		if b.Name == name {
			return b
		}
	}
	return Default()
}

// SendCommand renders the 1:1 send command for a bare chat id.
func (b Backend) SendCommand(bareID string) string {
	return strings.ReplaceAll(b.SendCmd, "{chat_id}", bareID)
}

// GroupSendCommand renders the group send command for a bare chat id.
func (b Backend) GroupSendCommand(bareID string) string {
	return strings.ReplaceAll(b.GroupSendCmd, "{chat_id}", bareID)
}

// HistoryCommand renders the history command, or "" when unsupported.
func (b Backend) HistoryCommand(bareID string) string {
	if b.HistoryCmd == "" {
		return ""
	}
	return strings.ReplaceAll(b.HistoryCmd, "{chat_id}", bareID)
}

// SendMarker is the substring looked for in a turn's tool history to
// decide whether the agent replied to the user. Derived from the first
// token of the send command.
func (b Backend) SendMarker() string {
	fields := strings.Fields(b.SendCmd)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) >= 2 && !strings.Contains(fields[1], "{") {
		return fields[0] + " " + fields[1]
	}
	return fields[0]
}

// SessionName derives the stable session name for (backend, chat id).
// It is used as the filesystem key for working directories and logs.
func SessionName(b Backend, chatID string) string {
	return b.Name + "/" + Sanitize(Bare(chatID)) + b.SessionSuffix
}
