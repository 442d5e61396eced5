// Package sidechannel carries the session's chat and whiteboard. Both ride
// the session channel once the peer connection is up, and both persist
// through optional stores. Failures here never end the session; they are
// surfaced as notices.
package sidechannel

import (
	"context"
	"errors"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ratelimit"
)

// ErrRateLimited is returned when the sender exceeded its quota.
var ErrRateLimited = errors.New("sidechannel: rate limited")

// Notice reports a non-fatal side-channel failure.
type Notice struct {
	Source  string
	Message string
	Err     error
}

type NoticeFunc func(Notice)

// Sender publishes on the session channel. *session.Coordinator satisfies it.
type Sender interface {
	Send(kind string, payload interface{}) error
}

// Limiter throttles a sender. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ChatStore persists chat history.
type ChatStore interface {
	SaveMessage(ctx context.Context, sessionID string, msg protocol.ChatMessage) error
	LoadMessages(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error)
}

// SnapshotSink stores whiteboard snapshots.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, sessionID string, data []byte) error
}

// SnapshotSource loads the last saved whiteboard snapshot, nil when none.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error)
}

func allow(ctx context.Context, l Limiter, id string, rule ratelimit.Rule) bool {
	if l == nil {
		return true
	}
	ok, _ := l.Allow(ctx, id, rule)
	return ok
}
