package contentsync

import (
	"sync"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

// ApplyFunc receives each state a follower adopts.
type ApplyFunc func(state protocol.SyncState)

// Follower mirrors the teacher's position. It applies a state only when it
// comes from the teacher and is newer than the one it holds, so a late
// delivery cannot roll the view back.
type Follower struct {
	sender  Sender
	onApply ApplyFunc

	mu      sync.Mutex
	applied protocol.SyncState
	has     bool
}

// NewFollower returns a follower. onApply may be nil.
func NewFollower(sender Sender, onApply ApplyFunc) *Follower {
	return &Follower{sender: sender, onApply: onApply}
}

// Handle consumes a sync envelope.
func (f *Follower) Handle(env *protocol.Envelope) {
	if env.Kind != protocol.KindSync || env.Role != protocol.RoleTeacher {
		return
	}
	var state protocol.SyncState
	if err := env.DecodePayload(&state); err != nil {
		return
	}

	f.mu.Lock()
	if f.has && state.Rev <= f.applied.Rev {
		f.mu.Unlock()
		return
	}
	f.applied, f.has = state, true
	f.mu.Unlock()

	if f.onApply != nil {
		f.onApply(state)
	}
}

// State returns the applied position.
func (f *Follower) State() (protocol.SyncState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied, f.has
}

// Reset drops the applied position so the next session starts empty.
func (f *Follower) Reset() {
	f.mu.Lock()
	f.applied, f.has = protocol.SyncState{}, false
	f.mu.Unlock()
}

// Request asks the teacher to move to state. The follower's own view does
// not change until the teacher publishes.
func (f *Follower) Request(state protocol.SyncState) error {
	state.Rev = 0
	return f.sender.Send(protocol.KindSyncRequest, state)
}
