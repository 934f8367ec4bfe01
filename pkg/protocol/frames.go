// Package protocol defines the wire envelope exchanged over gateway sessions.
//
// Every frame is one self-describing JSON envelope per WebSocket text message:
//
//	{"type": "chat.send", "id": "f-123", "data": {...}}
//
// Response frames echo the inbound frame's id so clients can correlate.
// Unknown inbound types are answered with a chat.error frame carrying the
// original id.
package protocol

import "encoding/json"

// ProtocolVersion is bumped whenever the frame set changes incompatibly.
const ProtocolVersion = 3

// Frame is the bidirectional wire envelope.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewFrame builds a frame with marshaled data. Marshal failures produce a
// frame with empty data; callers pass known-good payload types.
func NewFrame(frameType, id string, data interface{}) *Frame {
	f := &Frame{Type: frameType, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			f.Data = raw
		}
	}
	return f
}

// NewErrorFrame builds a chat.error frame correlated to the inbound id.
func NewErrorFrame(id, message string) *Frame {
	return &Frame{Type: ChatError, ID: id, Error: message}
}

// Inbound frame types the gateway handles.
const (
	SessionList   = "session.list"
	SessionLoad   = "session.load"
	SessionCreate = "session.create"

	ChatSend      = "chat.send"
	ChatInterrupt = "chat.interrupt"

	ReviewResolve = "review.resolve"

	AgentList = "agent.list"

	SystemPing = "system.ping"
)

// Outbound frame types.
const (
	SessionData = "session.data"

	ChatStream      = "chat.stream"
	ChatToolUse     = "chat.tool_use"
	ChatToolResult  = "chat.tool_result"
	ChatPlan        = "chat.plan"
	ChatDone        = "chat.done"
	ChatError       = "chat.error"
	ChatRouted      = "chat.routed"
	ChatAgentSpawn  = "chat.agent_spawn"
	ChatAgentResult = "chat.agent_result"

	ReviewCreated  = "review.created"
	ReviewResolved = "review.resolved"

	SystemStatus = "system.status"
	SystemPong   = "system.pong"

	LogEntry = "log.entry"
)

// Broadcast reports whether a frame type is delivered to every connected
// client rather than targeted at the client that owns the turn. Spawn
// lifecycle frames are broadcast: delegated turns run server-side with no
// owning frame id.
func Broadcast(frameType string) bool {
	switch frameType {
	case ChatAgentSpawn, ChatAgentResult,
		ReviewCreated, ReviewResolved, SystemStatus, LogEntry:
		return true
	}
	return false
}
