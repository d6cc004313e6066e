package domain

import "time"

// MessageKind is the closed set of SessionMessage kinds.
type MessageKind string

const (
	MessageUser       MessageKind = "user"
	MessageAssistant  MessageKind = "assistant"
	MessageSystem     MessageKind = "system"
	MessageToolUse    MessageKind = "tool_use"
	MessageToolResult MessageKind = "tool_result"
	MessageResult     MessageKind = "result"
)

// SessionMessage is one persisted event in a session's transcript.
// Sequence numbers are dense starting at 1 and unique per session.
type SessionMessage struct {
	SessionID string
	Sequence  int64
	Timestamp time.Time
	Kind      MessageKind
	Content   string
	Metadata  map[string]interface{}
}
