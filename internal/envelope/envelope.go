// Package envelope defines the closed set of discriminated messages that
// cross the browser WebSocket and the worker relay WebSocket, and the
// codec that encodes/decodes them.
//
// The browser-facing wire format wraps every payload in {type, payload,
// timestamp}. The worker-facing wire format is newline-delimited JSON of
// bare type-tagged objects, one per line.
package envelope

import "time"

// BrowserType is the closed set of envelope types exchanged with browsers.
type BrowserType string

const (
	// Inbound (browser -> server)
	TypeSessionSubscribe        BrowserType = "session_subscribe"
	TypeSessionUnsubscribe      BrowserType = "session_unsubscribe"
	TypeSessionUserMessage      BrowserType = "session_user_message"
	TypeSessionPermissionResp   BrowserType = "session_permission_response"
	TypePing                    BrowserType = "ping"

	// Outbound (server -> browser)
	TypeConnected                BrowserType = "connected"
	TypeError                    BrowserType = "error"
	TypePong                     BrowserType = "pong"
	TypeSessionStatus            BrowserType = "session_status"
	TypeSessionMessage           BrowserType = "session_message"
	TypeSessionStream            BrowserType = "session_stream"
	TypeSessionPermissionRequest BrowserType = "session_permission_request"
	TypeSessionPermissionResolved BrowserType = "session_permission_resolved"
	TypeSessionToolProgress      BrowserType = "session_tool_progress"
	TypeSessionResult            BrowserType = "session_result"
	TypeAgentCreated             BrowserType = "agent:created"
	TypeAgentUpdated             BrowserType = "agent:updated"
	TypeAgentDeleted             BrowserType = "agent:deleted"
)

// inboundTypes and outboundTypes close the set recognized by the codec.
var inboundTypes = map[BrowserType]bool{
	TypeSessionSubscribe:      true,
	TypeSessionUnsubscribe:    true,
	TypeSessionUserMessage:    true,
	TypeSessionPermissionResp: true,
	TypePing:                  true,
}

var outboundTypes = map[BrowserType]bool{
	TypeConnected:                 true,
	TypeError:                     true,
	TypePong:                      true,
	TypeSessionStatus:             true,
	TypeSessionMessage:            true,
	TypeSessionStream:             true,
	TypeSessionPermissionRequest:  true,
	TypeSessionPermissionResolved: true,
	TypeSessionToolProgress:       true,
	TypeSessionResult:             true,
	TypeAgentCreated:              true,
	TypeAgentUpdated:              true,
	TypeAgentDeleted:              true,
}

// IsRecognizedInbound reports whether t is in the closed inbound set.
func IsRecognizedInbound(t BrowserType) bool { return inboundTypes[t] }

// IsRecognizedOutbound reports whether t is in the closed outbound set.
func IsRecognizedOutbound(t BrowserType) bool { return outboundTypes[t] }

// Envelope is the wire shape for every browser-facing message.
type Envelope struct {
	Type      BrowserType `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// Wrap builds an Envelope with the current time stamped in ISO-8601.
func Wrap(t BrowserType, payload interface{}) Envelope {
	return Envelope{Type: t, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// --- Browser inbound payloads ---

type SessionSubscribePayload struct {
	SessionID string `json:"sessionId"`
}

type SessionUnsubscribePayload struct {
	SessionID string `json:"sessionId"`
}

type SessionUserMessagePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

type SessionPermissionResponsePayload struct {
	SessionID string             `json:"sessionId"`
	RequestID string             `json:"requestId"`
	Behavior  PermissionBehavior `json:"behavior"`
}

// --- Browser outbound payloads ---

type ConnectedPayload struct {
	DeviceID string `json:"deviceId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type SessionStatusPayload struct {
	SessionID          string      `json:"sessionId"`
	Status              string      `json:"status"`
	PendingPermissions  interface{} `json:"pendingPermissions,omitempty"`
	StartupPhase        string      `json:"startupPhase,omitempty"`
	StartupTimestamp    string      `json:"startupTimestamp,omitempty"`
	Error                string      `json:"error,omitempty"`
	LastActivityAt       string      `json:"lastActivityAt,omitempty"`
}

type SessionMessagePayload struct {
	SessionID   string      `json:"sessionId"`
	MessageType string      `json:"messageType"`
	Content     string      `json:"content"`
	Raw         interface{} `json:"raw,omitempty"`
}

type SessionStreamPayload struct {
	SessionID string      `json:"sessionId"`
	Event     interface{} `json:"event"`
}

type SessionPermissionRequestPayload struct {
	SessionID string      `json:"sessionId"`
	RequestID string      `json:"requestId"`
	ToolName  string      `json:"toolName"`
	Input     interface{} `json:"input"`
}

type SessionPermissionResolvedPayload struct {
	SessionID string             `json:"sessionId"`
	RequestID string             `json:"requestId"`
	Behavior  PermissionBehavior `json:"behavior"`
}

type SessionToolProgressPayload struct {
	SessionID string      `json:"sessionId"`
	ToolUseID string      `json:"toolUseId,omitempty"`
	Progress  interface{} `json:"progress"`
}

type SessionResultPayload struct {
	SessionID string      `json:"sessionId"`
	Result    interface{} `json:"result"`
}

// --- Worker-facing frames (newline-delimited, bare type-tagged) ---

// WorkerFrameType is the closed set of frame types exchanged with workers.
type WorkerFrameType string

const (
	WorkerSystem     WorkerFrameType = "system"
	WorkerUser       WorkerFrameType = "user"
	WorkerAssistant  WorkerFrameType = "assistant"
	WorkerToolUse    WorkerFrameType = "tool_use"
	WorkerToolResult WorkerFrameType = "tool_result"
	WorkerResult     WorkerFrameType = "result"
	WorkerQuestion   WorkerFrameType = "question"
	WorkerPermission WorkerFrameType = "permission"
)

var workerFrameTypes = map[WorkerFrameType]bool{
	WorkerSystem:     true,
	WorkerUser:       true,
	WorkerAssistant:  true,
	WorkerToolUse:    true,
	WorkerToolResult: true,
	WorkerResult:     true,
	WorkerQuestion:   true,
	WorkerPermission: true,
}

// IsRecognizedWorkerFrame reports whether t is in the closed worker set.
func IsRecognizedWorkerFrame(t WorkerFrameType) bool { return workerFrameTypes[t] }

// WorkerFrame is the minimal envelope used to sniff a worker frame's type
// before unmarshaling its specific payload.
type WorkerFrame struct {
	Type    WorkerFrameType `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
}

type WorkerSystemFrame struct {
	Type         WorkerFrameType        `json:"type"`
	Subtype      string                 `json:"subtype"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
}

type WorkerUserFrame struct {
	Type    WorkerFrameType `json:"type"`
	Content string          `json:"content"`
}

type WorkerQuestionFrame struct {
	Type       WorkerFrameType          `json:"type"`
	QuestionID string                   `json:"questionId,omitempty"`
	Text       string                   `json:"text"`
	Options    []WorkerQuestionOption   `json:"options,omitempty"`
}

type WorkerQuestionOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type WorkerPermissionFrame struct {
	Type      WorkerFrameType `json:"type"`
	RequestID string          `json:"requestId"`
	Behavior  string          `json:"behavior"`
}
