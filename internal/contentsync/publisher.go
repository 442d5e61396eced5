// Package contentsync mirrors the teacher's reading position to everyone in
// the session. The teacher publishes full states, last write wins; followers
// replace their view wholesale and never merge.
package contentsync

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("contentsync: closed")

// Sender publishes on the session channel. *session.Coordinator satisfies it.
type Sender interface {
	Send(kind string, payload interface{}) error
}

// Config tunes the publisher.
type Config struct {
	// PublishInterval is the minimum spacing between two sends.
	PublishInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{PublishInterval: 100 * time.Millisecond}
}

// RequestFunc receives a follower's suggested position.
type RequestFunc func(from string, state protocol.SyncState)

// Publisher is the teacher side. Bursts of Publish calls are coalesced: the
// first goes out at once, the rest collapse into one trailing send of the
// latest state.
type Publisher struct {
	sender Sender
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	current   protocol.SyncState
	has       bool
	rev       uint64
	lastSent  time.Time
	pending   bool
	timer     *time.Timer
	closed    bool
	onRequest RequestFunc
}

// NewPublisher returns a publisher sending through sender.
func NewPublisher(sender Sender, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		sender: sender,
		cfg:    cfg,
		logger: logger.Named("contentsync"),
		now:    time.Now,
	}
}

// Publish records state as the current position and schedules its send.
func (p *Publisher) Publish(state protocol.SyncState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	state.Rev = p.nextRev()
	p.current, p.has = state, true

	wait := p.cfg.PublishInterval - p.now().Sub(p.lastSent)
	if p.timer == nil && wait <= 0 {
		return p.sendLocked()
	}
	p.pending = true
	if p.timer == nil {
		p.timer = time.AfterFunc(wait, p.flush)
	}
	return nil
}

// Republish re-sends the current position, e.g. when someone joins.
func (p *Publisher) Republish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.has {
		return nil
	}
	return p.sendLocked()
}

// Current returns the last published position.
func (p *Publisher) Current() (protocol.SyncState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.has
}

// OnRequest registers the callback for follower sync requests.
func (p *Publisher) OnRequest(fn RequestFunc) {
	p.mu.Lock()
	p.onRequest = fn
	p.mu.Unlock()
}

// HandleRequest consumes a sync-request envelope.
func (p *Publisher) HandleRequest(env *protocol.Envelope) {
	if env.Kind != protocol.KindSyncRequest || env.Role == protocol.RoleTeacher {
		return
	}
	var state protocol.SyncState
	if err := env.DecodePayload(&state); err != nil {
		p.logger.Debug("bad sync request", zap.Error(err))
		return
	}
	p.mu.Lock()
	fn := p.onRequest
	p.mu.Unlock()
	if fn != nil {
		fn(env.From, state)
	}
}

// Reset forgets the current position and any pending send, e.g. before a new
// session. Revisions keep increasing.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current, p.has = protocol.SyncState{}, false
	p.pending = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Close drops any pending send.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.pending = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Publisher) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	if !p.pending || p.closed {
		return
	}
	p.pending = false
	if err := p.sendLocked(); err != nil {
		p.logger.Debug("trailing sync send failed", zap.Error(err))
	}
}

func (p *Publisher) sendLocked() error {
	p.lastSent = p.now()
	return p.sender.Send(protocol.KindSync, p.current)
}

// nextRev is monotonic and seeded from the clock so a restarted publisher
// still outranks the revisions it sent before.
func (p *Publisher) nextRev() uint64 {
	next := p.rev + 1
	if t := uint64(p.now().UnixMicro()); t > next {
		next = t
	}
	p.rev = next
	return next
}
