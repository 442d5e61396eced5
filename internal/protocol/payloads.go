package protocol

import "errors"

// ErrEnvelopeTooLarge is returned when an envelope exceeds MaxEnvelopeBytes.
var ErrEnvelopeTooLarge = errors.New("protocol: envelope exceeds size limit")

// JoinPayload announces a participant on the session channel.
type JoinPayload struct {
	Muted     bool `json:"muted"`
	CameraOff bool `json:"camera_off"`
}

// NegotiatePayload carries an opaque peer-connection description. The
// coordinator never inspects Blob.
type NegotiatePayload struct {
	Blob []byte `json:"blob"`
}

// LeavePayload is broadcast when a participant leaves.
type LeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

// MuteStatePayload reflects the sender's local media flags.
type MuteStatePayload struct {
	Muted     bool `json:"muted"`
	CameraOff bool `json:"camera_off"`
}

// KickPayload asks the targeted participant to leave.
type KickPayload struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

// SyncState is the teacher's reading position. Rev orders updates from one
// publisher; a mirror never applies a revision at or below the one it holds.
type SyncState struct {
	DocumentID   string  `json:"document_id"`
	ItemIndex    int     `json:"item_index"`
	ScrollOffset float64 `json:"scroll_offset"`
	Rev          uint64  `json:"rev,omitempty"`
}

// SameContent reports whether two states point at the same position,
// ignoring Rev.
func (s SyncState) SameContent(o SyncState) bool {
	return s.DocumentID == o.DocumentID && s.ItemIndex == o.ItemIndex && s.ScrollOffset == o.ScrollOffset
}

// ChatMessage is one append-only chat entry. SentAt is unix milliseconds.
type ChatMessage struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
	SentAt int64  `json:"sent_at"`
}

// Point is a whiteboard coordinate normalised to the board size.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one whiteboard drawing operation.
type Stroke struct {
	ID      string  `json:"id"`
	Author  string  `json:"author"`
	Points  []Point `json:"points"`
	Color   string  `json:"color,omitempty"`
	Width   float64 `json:"width,omitempty"`
	Tool    string  `json:"tool,omitempty"`
	DrawnAt int64   `json:"drawn_at"`
}

// WhiteboardClearPayload wipes every stroke drawn before ClearedAt.
type WhiteboardClearPayload struct {
	ClearedAt int64 `json:"cleared_at"`
}

// TypingPayload marks the sender as typing in a conversation.
type TypingPayload struct {
	Conversation string `json:"conversation"`
}

// HeartbeatPayload is published periodically on a presence channel.
type HeartbeatPayload struct {
	Scope string `json:"scope"`
}
