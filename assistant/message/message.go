// Package message defines the canonical inbound message record shared
// by the ingress listeners, the orchestrator, and the vision pipeline.
package message

import "time"

// Attachment describes one file attached to a message.
type Attachment struct {
	Path      string `json:"path"`
	MimeType  string `json:"mime_type"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Message is one inbound message, immutable after construction.
// Deduplication is the producing backend's responsibility.
type Message struct {
	RowID              int64        `json:"row_id"`
	Timestamp          time.Time    `json:"timestamp"`
	ChatID             string       `json:"chat_id"`
	SenderID           string       `json:"sender_id"`
	SenderDisplayName  string       `json:"sender_display_name,omitempty"`
	Tier               string       `json:"tier,omitempty"`
	Text               string       `json:"text,omitempty"`
	Attachments        []Attachment `json:"attachments,omitempty"`
	AudioTranscription string       `json:"audio_transcription,omitempty"`
	IsGroup            bool         `json:"is_group"`
	GroupName          string       `json:"group_name,omitempty"`
	ReplyToGUID        string       `json:"reply_to_guid,omitempty"`
	SourceBackend      string       `json:"source_backend"`
}

// Empty reports whether a message carries nothing routable. Empty
// messages are filtered at ingress and never reach the orchestrator.
func (m Message) Empty() bool {
	return m.Text == "" && m.AudioTranscription == "" && len(m.Attachments) == 0
}
