// Package protocol defines the two wire formats of the classroom agent: the
// envelope exchanged between participants over the broadcast bus, and the
// control messages exchanged between the agent and its local UI over
// WebSocket. Both are JSON with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// ---------------------------------------------------------------------------
// Control message type constants
// ---------------------------------------------------------------------------

// Client -> Agent message types.
const (
	TypeStartSession    = "start_session"
	TypeResumeSession   = "resume_session"
	TypeJoinSession     = "join_session"
	TypeLeaveSession    = "leave_session"
	TypeRetry           = "retry"
	TypeToggleMic       = "toggle_mic"
	TypeToggleCamera    = "toggle_camera"
	TypeKick            = "kick"
	TypeSyncUpdate      = "sync_update"
	TypeSyncRequest     = "sync_request"
	TypeChatSend        = "chat_send"
	TypeStroke          = "stroke"
	TypeWhiteboardClear = "whiteboard_clear"
	TypeTyping          = "typing"
	TypePresenceQuery   = "presence_query"
	TypePing            = "ping"
)

// Agent -> Client message types.
const (
	TypeState       = "state"
	TypeSyncState   = "sync_state"
	TypeChatMessage = "chat_message"
	TypeChatHistory = "chat_history"
	TypePresence    = "presence"
	TypeNotice      = "notice"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Control envelope, used for the first pass to extract the type.
// ---------------------------------------------------------------------------

// ControlEnvelope holds the message type and the raw JSON payload for
// deferred parsing into a concrete struct.
type ControlEnvelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded into the matching struct later.
func (e *ControlEnvelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Agent message structs
// ---------------------------------------------------------------------------

// StartSessionMsg asks the agent to open a new session with a student.
type StartSessionMsg struct {
	Type      string `json:"type"`
	StudentID string `json:"student_id" validate:"required"`
}

// ResumeSessionMsg re-enters a session this teacher already opened.
type ResumeSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id" validate:"required"`
}

// JoinSessionMsg joins an active session as student or observer.
type JoinSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id" validate:"required"`
}

// LeaveSessionMsg leaves the current session.
type LeaveSessionMsg struct {
	Type string `json:"type"`
}

// RetryMsg re-runs a failed start or join.
type RetryMsg struct {
	Type string `json:"type"`
}

// ToggleMsg flips the microphone or camera.
type ToggleMsg struct {
	Type string `json:"type"`
}

// KickMsg removes a participant from the session.
type KickMsg struct {
	Type   string `json:"type"`
	Target string `json:"target" validate:"required"`
}

// SyncMsg carries a reading position, either as the teacher's update or as
// a student's request.
type SyncMsg struct {
	Type         string  `json:"type"`
	DocumentID   string  `json:"document_id" validate:"required"`
	ItemIndex    int     `json:"item_index" validate:"gte=0"`
	ScrollOffset float64 `json:"scroll_offset" validate:"gte=0"`
}

// ChatSendMsg sends a chat message to the session.
type ChatSendMsg struct {
	Type string `json:"type"`
	Body string `json:"body" validate:"required"`
}

// StrokeMsg draws on the whiteboard.
type StrokeMsg struct {
	Type   string  `json:"type"`
	Points []Point `json:"points" validate:"required,min=1"`
	Color  string  `json:"color"`
	Width  float64 `json:"width" validate:"gte=0"`
	Tool   string  `json:"tool"`
}

// SimpleMsg is used by message types without fields (whiteboard_clear,
// typing, presence_query, ping).
type SimpleMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Agent -> Client message structs
// ---------------------------------------------------------------------------

// ParticipantInfo describes one participant in StateMsg.
type ParticipantInfo struct {
	Identity  string `json:"identity"`
	Role      string `json:"role"`
	Muted     bool   `json:"muted"`
	CameraOff bool   `json:"camera_off"`
	JoinedAt  int64  `json:"joined_at"`
}

// StateMsg reports a lifecycle transition.
type StateMsg struct {
	Type         string            `json:"type"`
	State        string            `json:"state"`
	Reason       string            `json:"reason,omitempty"`
	Code         string            `json:"code,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Attempt      uint64            `json:"attempt"`
	Local        ParticipantInfo   `json:"local"`
	Participants []ParticipantInfo `json:"participants"`
}

// SyncStateMsg pushes the applied reading position to the UI. It is also
// used to surface a student's sync request to the teacher's UI, with From
// set.
type SyncStateMsg struct {
	Type  string    `json:"type"`
	From  string    `json:"from,omitempty"`
	State SyncState `json:"state"`
}

// ChatMessageMsg relays one chat message.
type ChatMessageMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// ChatHistoryMsg replaces the UI's chat log.
type ChatHistoryMsg struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// StrokeEventMsg relays one whiteboard stroke.
type StrokeEventMsg struct {
	Type   string `json:"type"`
	Stroke Stroke `json:"stroke"`
}

// TypingEventMsg reports a change in someone's typing indicator.
type TypingEventMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceMsg lists identities currently online.
type PresenceMsg struct {
	Type   string   `json:"type"`
	Online []string `json:"online"`
}

// NoticeMsg reports a non-fatal side-channel problem.
type NoticeMsg struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// ErrorMsg is sent to communicate a failed command.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the agent's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct, and any error. Unknown
// and agent-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env ControlEnvelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartSession:
		var m StartSessionMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeResumeSession:
		var m ResumeSessionMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinSession:
		var m JoinSessionMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveSession:
		var m LeaveSessionMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRetry:
		var m RetryMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeToggleMic, TypeToggleCamera:
		var m ToggleMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeKick:
		var m KickMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSyncUpdate, TypeSyncRequest:
		var m SyncMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatSend:
		var m ChatSendMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStroke:
		var m StrokeMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWhiteboardClear, TypeTyping, TypePresenceQuery, TypePing:
		var m SimpleMsg
		err = sonic.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded agent message. The msgType is
// injected under the "type" key regardless of what the payload carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
