package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/identity"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/metrics"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/peer"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/signaling"
)

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Identity identity.Provider
	Registry registry.Store
	Bus      bus.Bus
	Peers    peer.Provider
	Logger   *zap.Logger
}

// HandlerFunc receives envelopes from the session channel.
type HandlerFunc func(env *protocol.Envelope)

type mode int

const (
	modeStart mode = iota + 1
	modeResume
	modeJoin
)

const (
	eventQueueSize = 64
	watchBuffer    = 16
)

// Coordinator owns one session on this client. Public methods are safe for
// concurrent use; all state changes happen on the coordinator's loop.
type Coordinator struct {
	cfg    Config
	ident  identity.Provider
	reg    registry.Store
	bus    bus.Bus
	peers  peer.Provider
	logger *zap.Logger
	now    func() time.Time

	events    chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	snapMu sync.RWMutex
	snap   Snapshot
	liveCh *signaling.Channel

	watchMu  sync.Mutex
	watchSeq int
	watchers map[int]chan Snapshot

	handlerMu sync.RWMutex
	handlers  map[string][]HandlerFunc

	// openGen is the generation of the open channel, 0 when closed. It
	// gates side-channel dispatch off the loop.
	openGen atomic.Uint64

	// Everything below is owned by the loop goroutine.
	instance  string
	state     State
	reason    string
	code      Code
	me        identity.Identity
	role      string
	mode      mode
	studentID string
	target    string
	row       *registry.Session
	waiters   []chan error

	ch    *signaling.Channel
	chGen uint64

	pc        peer.Connection
	pcSeq     uint64
	pcCancel  context.CancelFunc
	attempt   uint64
	offer     []byte
	answer    []byte
	answered  bool
	peerInst  string
	muted     bool
	cameraOff bool
	remotes   map[string]*Participant

	everConnected   bool
	connectingSince time.Time
	reconnects      int

	connectTimer *timer
	attemptTimer *timer
	backoffTimer *timer
	idleTimer    *timer
}

// NewCoordinator returns an idle coordinator and starts its loop.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	instance := uuid.NewString()
	c := &Coordinator{
		cfg:      cfg,
		ident:    deps.Identity,
		reg:      deps.Registry,
		bus:      deps.Bus,
		peers:    deps.Peers,
		logger:   logger.Named("session"),
		instance: instance,
		now:      time.Now,
		events:   make(chan func(), eventQueueSize),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		watchers: make(map[int]chan Snapshot),
		handlers: make(map[string][]HandlerFunc),
		state:    StateIdle,
		remotes:  make(map[string]*Participant),
	}
	c.snap = Snapshot{State: StateIdle, Instance: instance}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// post queues fn on the loop. It returns false once the coordinator is closed.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !c.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// await posts begin, which must either resolve w or register it as a
// waiter, then blocks until the attempt settles.
func (c *Coordinator) await(ctx context.Context, begin func(w chan error)) (Snapshot, error) {
	w := make(chan error, 1)
	if !c.post(func() { begin(w) }) {
		return c.Snapshot(), ErrClosed
	}
	select {
	case err := <-w:
		return c.Snapshot(), err
	case <-ctx.Done():
		cause := ctx.Err()
		c.post(func() { c.abandon(w, cause) })
		select {
		case err := <-w:
			return c.Snapshot(), err
		case <-c.done:
			return c.Snapshot(), ErrClosed
		}
	case <-c.done:
		return c.Snapshot(), ErrClosed
	}
}

// StartSession creates a session for studentID and blocks until the peer
// connection is up, the attempt fails, or ctx is done. Teachers only.
func (c *Coordinator) StartSession(ctx context.Context, studentID string) (Snapshot, error) {
	me, err := c.currentIdentity(ctx)
	if err != nil {
		return c.Snapshot(), err
	}
	if me.Role != identity.RoleTeacher {
		return c.Snapshot(), newError(CodePermissionDenied, "only a teacher can start a session", nil)
	}
	if studentID == "" {
		return c.Snapshot(), fmt.Errorf("session: start: %w", registry.ErrInvalidParams)
	}
	return c.await(ctx, func(w chan error) {
		if !c.state.Settled() {
			w <- ErrInvalidState
			return
		}
		c.reset()
		c.me, c.role, c.mode, c.studentID = me, protocol.RoleTeacher, modeStart, studentID
		c.waiters = append(c.waiters, w)
		c.create()
	})
}

// ResumeSession re-enters an active session this teacher owns, for example
// after the client restarted.
func (c *Coordinator) ResumeSession(ctx context.Context, sessionID string) (Snapshot, error) {
	me, err := c.currentIdentity(ctx)
	if err != nil {
		return c.Snapshot(), err
	}
	if me.Role != identity.RoleTeacher {
		return c.Snapshot(), newError(CodePermissionDenied, "only a teacher can resume a session", nil)
	}
	return c.await(ctx, func(w chan error) {
		if !c.state.Settled() {
			w <- ErrInvalidState
			return
		}
		c.reset()
		c.me, c.role, c.mode = me, protocol.RoleTeacher, modeResume
		c.waiters = append(c.waiters, w)
		c.fetch(sessionID)
	})
}

// JoinSession joins an active session as a student, or as an observer for
// admins. It blocks like StartSession; observers return once announced.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID string) (Snapshot, error) {
	me, err := c.currentIdentity(ctx)
	if err != nil {
		return c.Snapshot(), err
	}
	role := wireRole(me.Role)
	if role == protocol.RoleTeacher {
		return c.Snapshot(), newError(CodePermissionDenied, "a teacher starts or resumes sessions", nil)
	}
	return c.await(ctx, func(w chan error) {
		if !c.state.Settled() {
			w <- ErrInvalidState
			return
		}
		c.reset()
		c.me, c.role, c.mode = me, role, modeJoin
		c.waiters = append(c.waiters, w)
		c.fetch(sessionID)
	})
}

// reset forgets a finished session and takes a fresh instance id, so the
// peer treats the next entry as a new endpoint with its own attempt counter.
func (c *Coordinator) reset() {
	if c.state == StateIdle {
		return
	}
	c.teardown()
	c.row, c.target, c.studentID = nil, "", ""
	c.attempt, c.offer, c.answer, c.answered = 0, nil, nil, false
	c.peerInst = ""
	c.muted, c.cameraOff = false, false
	c.everConnected, c.reconnects = false, 0
	c.instance = uuid.NewString()
	c.logger.Debug("coordinator reset", zap.String("instance", c.instance))
	c.transition(StateIdle, "")
}

// Retry re-runs the failed start, resume or join.
func (c *Coordinator) Retry(ctx context.Context) (Snapshot, error) {
	return c.await(ctx, func(w chan error) {
		if c.state != StateFailed {
			w <- ErrInvalidState
			return
		}
		c.teardown()
		c.peerInst = ""
		c.waiters = append(c.waiters, w)
		switch {
		case c.mode == modeStart && c.row == nil:
			c.create()
		case c.mode == modeStart:
			c.transition(StateCreating, "retrying")
			c.enter()
		default:
			c.fetch(c.target)
		}
	})
}

// LeaveSession ends participation. A teacher leaving ends the session in the
// registry; a student leaving keeps it open for a rejoin.
func (c *Coordinator) LeaveSession(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.leave("left the session")
		return nil
	})
}

// Close leaves the session if one is in progress and stops the loop.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		finished := make(chan struct{})
		if c.post(func() {
			c.leave("closed")
			close(finished)
		}) {
			<-finished
		}
		close(c.done)
		<-c.loopDone

		c.watchMu.Lock()
		for id, ch := range c.watchers {
			close(ch)
			delete(c.watchers, id)
		}
		c.watchMu.Unlock()
	})
	return nil
}

// ToggleMic flips the local microphone. Outside connected it does nothing.
func (c *Coordinator) ToggleMic() error {
	return c.toggle(peer.Audio)
}

// ToggleCamera flips the local camera. Outside connected it does nothing.
func (c *Coordinator) ToggleCamera() error {
	return c.toggle(peer.Video)
}

func (c *Coordinator) toggle(kind peer.MediaKind) error {
	return c.call(context.Background(), func() error {
		if c.role == protocol.RoleObserver {
			return newError(CodePermissionDenied, "observers have no media", nil)
		}
		if c.state != StateConnected {
			return nil
		}
		var enabled bool
		if kind == peer.Audio {
			c.muted = !c.muted
			enabled = !c.muted
		} else {
			c.cameraOff = !c.cameraOff
			enabled = !c.cameraOff
		}
		if c.pc != nil {
			if err := c.pc.SetMediaEnabled(kind, enabled); err != nil {
				c.logger.Warn("failed to toggle media", zap.String("kind", string(kind)), zap.Error(err))
			}
		}
		c.send(protocol.KindMuteState, protocol.MuteStatePayload{Muted: c.muted, CameraOff: c.cameraOff})
		c.publishSnapshot()
		return nil
	})
}

// Kick removes the student from the session. Teachers only.
func (c *Coordinator) Kick(ctx context.Context, target string) error {
	return c.call(ctx, func() error {
		if c.role != protocol.RoleTeacher {
			return newError(CodePermissionDenied, "only the teacher can remove participants", nil)
		}
		if c.ch == nil {
			return ErrNotConnected
		}
		c.send(protocol.KindKick, protocol.KickPayload{Target: target, Reason: "removed by teacher"})
		return nil
	})
}

// Snapshot returns the latest published state.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// SessionID returns the current session id, or "" before one is known.
func (c *Coordinator) SessionID() string {
	return c.Snapshot().SessionID
}

// Instance returns the id distinguishing this coordinator on the channel. It
// changes every time the coordinator leaves a finished session behind.
func (c *Coordinator) Instance() string {
	return c.Snapshot().Instance
}

// Watch returns a channel receiving every published snapshot, starting with
// the current one. A slow reader loses the oldest pending snapshots. The
// channel is closed by cancel or Close.
func (c *Coordinator) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, watchBuffer)
	c.watchMu.Lock()
	c.watchSeq++
	id := c.watchSeq
	select {
	case <-c.done:
		close(ch)
		c.watchMu.Unlock()
		return ch, func() {}
	default:
	}
	c.watchers[id] = ch
	ch <- c.Snapshot()
	c.watchMu.Unlock()

	return ch, func() {
		c.watchMu.Lock()
		if w, ok := c.watchers[id]; ok {
			close(w)
			delete(c.watchers, id)
		}
		c.watchMu.Unlock()
	}
}

// Send publishes a non-signaling envelope on the session channel. It is
// permitted only while the session is connected or reconnecting.
func (c *Coordinator) Send(kind string, payload interface{}) error {
	if protocol.IsSignaling(kind) {
		return fmt.Errorf("session: %q is reserved for signaling", kind)
	}
	c.snapMu.RLock()
	ch, state := c.liveCh, c.snap.State
	c.snapMu.RUnlock()
	if ch == nil || !state.Live() {
		return ErrNotConnected
	}
	return ch.Send(kind, 0, payload)
}

// Handle registers fn for envelopes of kind. Handlers run on the bus
// delivery goroutine while the channel is open and must not block.
func (c *Coordinator) Handle(kind string, fn HandlerFunc) {
	c.handlerMu.Lock()
	c.handlers[kind] = append(c.handlers[kind], fn)
	c.handlerMu.Unlock()
}

func (c *Coordinator) dispatch(gen uint64, env *protocol.Envelope) {
	if c.openGen.Load() != gen {
		return
	}
	c.handlerMu.RLock()
	hs := c.handlers[env.Kind]
	c.handlerMu.RUnlock()
	for _, h := range hs {
		h(env)
	}
}

func (c *Coordinator) currentIdentity(ctx context.Context) (identity.Identity, error) {
	if c.ident == nil {
		return identity.Identity{}, fmt.Errorf("session: no identity provider")
	}
	me, err := c.ident.Current(ctx)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("session: identity: %w", err)
	}
	return me, nil
}

func wireRole(r identity.Role) string {
	switch r {
	case identity.RoleTeacher:
		return protocol.RoleTeacher
	case identity.RoleStudent:
		return protocol.RoleStudent
	default:
		return protocol.RoleObserver
	}
}

// transition moves to state and publishes the change.
func (c *Coordinator) transition(state State, reason string) {
	if state != StateFailed {
		c.code = ""
	}
	prev := c.state
	c.state, c.reason = state, reason
	if prev != state {
		metrics.StateTransitions.WithLabelValues(string(state)).Inc()
		c.logger.Info("session state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(state)),
			zap.String("reason", reason),
			zap.String("session_id", c.sessionIDLocked()),
		)
	}
	c.publishSnapshot()
}

func (c *Coordinator) sessionIDLocked() string {
	if c.row == nil {
		return ""
	}
	return c.row.ID
}

func (c *Coordinator) publishSnapshot() {
	s := Snapshot{
		State:     c.state,
		Reason:    c.reason,
		Code:      c.code,
		SessionID: c.sessionIDLocked(),
		Instance:  c.instance,
		Attempt:   c.attempt,
		Local: Participant{
			Identity:  c.me.ID,
			Role:      c.role,
			Muted:     c.muted,
			CameraOff: c.cameraOff,
		},
		Remote: make([]Participant, 0, len(c.remotes)),
	}
	for _, p := range c.remotes {
		s.Remote = append(s.Remote, *p)
	}
	sort.Slice(s.Remote, func(i, j int) bool { return s.Remote[i].Identity < s.Remote[j].Identity })

	c.snapMu.Lock()
	c.snap = s
	c.liveCh = c.ch
	c.snapMu.Unlock()

	c.watchMu.Lock()
	for _, w := range c.watchers {
		select {
		case w <- s:
		default:
			select {
			case <-w:
			default:
			}
			select {
			case w <- s:
			default:
			}
		}
	}
	c.watchMu.Unlock()
}

func (c *Coordinator) resolve(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}
