// Package peer abstracts the peer-to-peer media connection negotiated between
// the two participants of a session. Descriptions exchanged by Negotiate are
// opaque to callers and travel over the signaling channel untouched.
package peer

import (
	"context"
	"errors"
)

// MediaKind identifies a local media stream.
type MediaKind string

const (
	Audio MediaKind = "audio"
	Video MediaKind = "video"
)

var (
	ErrClosed           = errors.New("peer: connection closed")
	ErrUnexpectedSignal = errors.New("peer: unexpected description type")
)

// Events are delivered from provider goroutines. Implementations must not
// block in them.
type Events struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnTrack        func(kind MediaKind, trackID string)
}

// Connection is one negotiated peer connection.
//
// Negotiate drives the offer/answer exchange. With nil input it creates an
// offer; given a remote offer it returns the answer; given a remote answer
// it applies it and returns nil.
type Connection interface {
	Negotiate(ctx context.Context, incoming []byte) ([]byte, error)
	SetMediaEnabled(kind MediaKind, enabled bool) error
	Close() error
}

// Provider creates connections.
type Provider interface {
	CreateConnection(events Events) (Connection, error)
}

func (e Events) connected() {
	if e.OnConnected != nil {
		e.OnConnected()
	}
}

func (e Events) disconnected(err error) {
	if e.OnDisconnected != nil {
		e.OnDisconnected(err)
	}
}

func (e Events) track(kind MediaKind, id string) {
	if e.OnTrack != nil {
		e.OnTrack(kind, id)
	}
}
