package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// MaxEnvelopeBytes caps a single encoded envelope on the broadcast bus.
const MaxEnvelopeBytes = 16 * 1024

// Envelope kinds carried on a session channel.
const (
	KindJoin      = "join"
	KindNegotiate = "negotiate"
	KindLeave     = "leave"
	KindMuteState = "mute-state"
	KindKick      = "kick"

	KindSync        = "sync"
	KindSyncRequest = "sync-request"

	KindChat            = "chat"
	KindStroke          = "stroke"
	KindWhiteboardClear = "whiteboard-clear"
)

// Envelope kinds carried on the presence and typing channels.
const (
	KindHeartbeat = "heartbeat"
	KindTyping    = "typing"
)

// Participant roles as they appear on the wire.
const (
	RoleTeacher  = "teacher"
	RoleStudent  = "student"
	RoleObserver = "observer"
)

// IsSignaling reports whether kind belongs to the session lifecycle rather
// than to one of the components sharing the channel.
func IsSignaling(kind string) bool {
	switch kind {
	case KindJoin, KindNegotiate, KindLeave, KindMuteState, KindKick:
		return true
	}
	return false
}

// Envelope is the tagged union published on the broadcast bus. The header
// identifies the sender and, for negotiation, the attempt it belongs to; the
// payload is decoded lazily by whichever component owns the kind.
type Envelope struct {
	Kind     string          `json:"kind"`
	Session  string          `json:"session,omitempty"`
	From     string          `json:"from"`
	Role     string          `json:"role,omitempty"`
	Instance string          `json:"instance,omitempty"`
	Attempt  uint64          `json:"attempt,omitempty"`
	SentAt   int64           `json:"sent_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope of the given kind with payload encoded and
// SentAt stamped with the current time in unix milliseconds.
func NewEnvelope(kind string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Kind: kind, SentAt: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode serializes the envelope, rejecting anything over MaxEnvelopeBytes.
func Encode(env *Envelope) ([]byte, error) {
	data, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("protocol: %q envelope is %d bytes: %w", env.Kind, len(data), ErrEnvelopeTooLarge)
	}
	return data, nil
}

// Decode parses bytes received from the bus.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return nil, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"kind\" field")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %q envelope has no payload", e.Kind)
	}
	if err := sonic.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", e.Kind, err)
	}
	return nil
}
