// Package session drives the lifecycle of one live classroom session on this
// client: registry bookkeeping, the signaling channel, peer connection
// negotiation and bounded reconnection. Every input is serialized onto a
// single event loop owned by the Coordinator.
package session

import (
	"time"
)

// State is a lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateCreating     State = "creating"
	StateJoining      State = "joining"
	StateConnecting   State = "connecting"
	StateReconnecting State = "reconnecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
)

// Live reports whether the session channel is usable for shared state.
func (s State) Live() bool {
	return s == StateConnected || s == StateReconnecting
}

// Settled reports whether a new start, resume or join may begin.
func (s State) Settled() bool {
	return s == StateIdle || s == StateFailed || s == StateEnded
}

// Participant is a member of the session as last announced on the channel.
type Participant struct {
	Identity  string    `json:"identity"`
	Role      string    `json:"role"`
	Muted     bool      `json:"muted"`
	CameraOff bool      `json:"camera_off"`
	JoinedAt  time.Time `json:"joined_at"`

	instance string
}

// Snapshot is an immutable view of the coordinator.
type Snapshot struct {
	State     State         `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	Code      Code          `json:"code,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Instance  string        `json:"instance"`
	Attempt   uint64        `json:"attempt"`
	Local     Participant   `json:"local"`
	Remote    []Participant `json:"remote"`
}

// Config bounds negotiation and reconnection.
type Config struct {
	// ConnectTimeout caps start/join from announce to connected.
	ConnectTimeout time.Duration
	// AttemptTimeout caps a single re-negotiation.
	AttemptTimeout time.Duration
	// RegistryTimeout caps each registry call.
	RegistryTimeout time.Duration
	MaxReconnects   int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	// IdleTimeout ends a teacher's session after the student left and
	// nobody rejoined.
	IdleTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  30 * time.Second,
		AttemptTimeout:  10 * time.Second,
		RegistryTimeout: 5 * time.Second,
		MaxReconnects:   3,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		IdleTimeout:     10 * time.Minute,
	}
}

// backoff returns the delay before reconnect attempt n (0-based).
func (c Config) backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < n && d < c.BackoffMax; i++ {
		d *= 2
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}
