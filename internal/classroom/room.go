// Package classroom wires one session coordinator to the components that
// share its channel: content sync, chat, whiteboard and typing. A Room is
// what the local agent drives on behalf of its UI.
package classroom

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/contentsync"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/sidechannel"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/typing"
)

// ErrNoSession is returned by side-channel calls before a session exists.
var ErrNoSession = errors.New("classroom: no session")

// Listener receives everything the UI shows. Methods are called from
// several goroutines and must not block.
type Listener interface {
	StateChanged(snap session.Snapshot)
	SyncApplied(state protocol.SyncState)
	SyncRequested(from string, state protocol.SyncState)
	ChatReceived(msg protocol.ChatMessage)
	ChatHistory(msgs []protocol.ChatMessage)
	StrokeReceived(stroke protocol.Stroke)
	WhiteboardCleared(p protocol.WhiteboardClearPayload)
	TypingChanged(identity string, typing bool)
	Notice(n sidechannel.Notice)
}

// NopListener ignores every event. Embed it to implement part of Listener.
type NopListener struct{}

func (NopListener) StateChanged(session.Snapshot) {}
func (NopListener) SyncApplied(protocol.SyncState) {}
func (NopListener) SyncRequested(string, protocol.SyncState) {}
func (NopListener) ChatReceived(protocol.ChatMessage) {}
func (NopListener) ChatHistory([]protocol.ChatMessage) {}
func (NopListener) StrokeReceived(protocol.Stroke) {}
func (NopListener) WhiteboardCleared(protocol.WhiteboardClearPayload) {}
func (NopListener) TypingChanged(string, bool) {}
func (NopListener) Notice(sidechannel.Notice) {}

// Deps are the room's collaborators. Chats, Snapshots and Limiter are
// optional.
type Deps struct {
	Session   session.Deps
	Chats     sidechannel.ChatStore
	Snapshots sidechannel.SnapshotSink
	Limiter   sidechannel.Limiter
	Listener  Listener
	Logger    *zap.Logger
}

type Config struct {
	Session          session.Config
	Sync             contentsync.Config
	Typing           typing.Config
	SnapshotInterval time.Duration
}

// DefaultConfig returns the production defaults of every component.
func DefaultConfig() Config {
	return Config{
		Session:          session.DefaultConfig(),
		Sync:             contentsync.DefaultConfig(),
		Typing:           typing.DefaultConfig(),
		SnapshotInterval: 30 * time.Second,
	}
}

// attachment holds the per-session components.
type attachment struct {
	sessionID string
	instance  string
	role      string
	chat      *sidechannel.Chat
	board     *sidechannel.Whiteboard
	typing    *typing.Indicator
}

// Room is one participant's classroom.
type Room struct {
	deps     Deps
	cfg      Config
	logger   *zap.Logger
	listener Listener

	coord *session.Coordinator
	pub   *contentsync.Publisher
	fol   *contentsync.Follower

	mu        sync.Mutex
	att       *attachment
	connected bool

	stopWatch func()
	watchDone chan struct{}
	closeOnce sync.Once
}

func NewRoom(deps Deps, cfg Config) *Room {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := deps.Listener
	if listener == nil {
		listener = NopListener{}
	}
	if deps.Session.Logger == nil {
		deps.Session.Logger = logger
	}

	r := &Room{
		deps:      deps,
		cfg:       cfg,
		logger:    logger.Named("classroom"),
		listener:  listener,
		coord:     session.NewCoordinator(deps.Session, cfg.Session),
		watchDone: make(chan struct{}),
	}
	r.pub = contentsync.NewPublisher(r.coord, cfg.Sync, logger)
	r.pub.OnRequest(listener.SyncRequested)
	r.fol = contentsync.NewFollower(r.coord, listener.SyncApplied)

	r.coord.Handle(protocol.KindJoin, r.onJoin)
	r.coord.Handle(protocol.KindSync, r.fol.Handle)
	r.coord.Handle(protocol.KindSyncRequest, r.pub.HandleRequest)
	r.coord.Handle(protocol.KindChat, r.onChat)
	r.coord.Handle(protocol.KindStroke, r.onBoard)
	r.coord.Handle(protocol.KindWhiteboardClear, r.onBoard)

	snaps, stop := r.coord.Watch()
	r.stopWatch = stop
	go r.watch(snaps)
	return r
}

// Session returns the underlying coordinator.
func (r *Room) Session() *session.Coordinator {
	return r.coord
}

// StartSession begins a new lesson. A Room whose previous session ended or
// failed may start again.
func (r *Room) StartSession(ctx context.Context, studentID string) (session.Snapshot, error) {
	r.forget("")
	return r.coord.StartSession(ctx, studentID)
}

func (r *Room) ResumeSession(ctx context.Context, sessionID string) (session.Snapshot, error) {
	r.forget(sessionID)
	return r.coord.ResumeSession(ctx, sessionID)
}

// JoinSession enters sessionID, including one this Room left or was removed
// from earlier.
func (r *Room) JoinSession(ctx context.Context, sessionID string) (session.Snapshot, error) {
	r.forget(sessionID)
	return r.coord.JoinSession(ctx, sessionID)
}

// forget drops the shared position of a finished session unless the next
// entry is the same session after a failure.
func (r *Room) forget(next string) {
	snap := r.coord.Snapshot()
	switch {
	case snap.State == session.StateEnded:
	case snap.State == session.StateFailed && (next == "" || next != snap.SessionID):
	default:
		return
	}
	r.pub.Reset()
	r.fol.Reset()
}

func (r *Room) Retry(ctx context.Context) (session.Snapshot, error) {
	return r.coord.Retry(ctx)
}

func (r *Room) Leave(ctx context.Context) error {
	return r.coord.LeaveSession(ctx)
}

// PublishSync moves everyone to state. Teacher only. A position published
// while no peer is connected is kept and sent once one is.
func (r *Room) PublishSync(state protocol.SyncState) error {
	if r.coord.Snapshot().Local.Role != protocol.RoleTeacher {
		return session.ErrPermissionDenied
	}
	if err := r.pub.Publish(state); err != nil && !errors.Is(err, session.ErrNotConnected) {
		return err
	}
	return nil
}

// RequestSync suggests a position to the teacher. For the teacher it is the
// same as PublishSync.
func (r *Room) RequestSync(state protocol.SyncState) error {
	if r.coord.Snapshot().Local.Role == protocol.RoleTeacher {
		return r.PublishSync(state)
	}
	return r.fol.Request(state)
}

// SyncState returns the position this participant currently shows.
func (r *Room) SyncState() (protocol.SyncState, bool) {
	if r.coord.Snapshot().Local.Role == protocol.RoleTeacher {
		return r.pub.Current()
	}
	return r.fol.State()
}

func (r *Room) SendChat(ctx context.Context, body string) (protocol.ChatMessage, error) {
	att := r.attached()
	if att == nil {
		return protocol.ChatMessage{}, ErrNoSession
	}
	return att.chat.Send(ctx, body)
}

func (r *Room) ChatHistory() []protocol.ChatMessage {
	if att := r.attached(); att != nil {
		return att.chat.History()
	}
	return nil
}

func (r *Room) Draw(ctx context.Context, s protocol.Stroke) (protocol.Stroke, error) {
	att := r.attached()
	if att == nil {
		return protocol.Stroke{}, ErrNoSession
	}
	return att.board.Draw(ctx, s)
}

// ClearBoard wipes the whiteboard and returns the clear that was broadcast.
func (r *Room) ClearBoard() (protocol.WhiteboardClearPayload, error) {
	att := r.attached()
	if att == nil {
		return protocol.WhiteboardClearPayload{}, ErrNoSession
	}
	return att.board.Clear()
}

func (r *Room) Strokes() []protocol.Stroke {
	if att := r.attached(); att != nil {
		return att.board.Strokes()
	}
	return nil
}

// Keystroke reports local typing in the session's chat.
func (r *Room) Keystroke() error {
	att := r.attached()
	if att == nil {
		return ErrNoSession
	}
	return att.typing.Keystroke()
}

// Close leaves any session and releases every component.
func (r *Room) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.coord.Close()
		r.stopWatch()
		<-r.watchDone
		r.pub.Close()
		r.detach()
	})
	return err
}

func (r *Room) attached() *attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.att
}

func (r *Room) watch(snaps <-chan session.Snapshot) {
	defer close(r.watchDone)
	for snap := range snaps {
		r.listener.StateChanged(snap)

		switch snap.State {
		case session.StateConnecting, session.StateConnected, session.StateReconnecting:
			r.attach(snap)
		case session.StateFailed, session.StateEnded:
			r.detach()
		}

		r.mu.Lock()
		was := r.connected
		r.connected = snap.State == session.StateConnected
		r.mu.Unlock()
		if r.connected && !was {
			r.onConnected(snap)
		}
	}
}

// onConnected runs on every transition into connected, including recovery.
func (r *Room) onConnected(snap session.Snapshot) {
	if snap.Local.Role == protocol.RoleTeacher {
		if err := r.pub.Republish(); err != nil {
			r.logger.Debug("republish failed", zap.Error(err))
		}
	}
	att := r.attached()
	if att == nil || r.deps.Chats == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msgs, err := att.chat.LoadHistory(ctx)
		if err == nil {
			r.listener.ChatHistory(msgs)
		}
	}()
}

func (r *Room) attach(snap session.Snapshot) {
	if snap.SessionID == "" {
		return
	}
	r.mu.Lock()
	if r.att != nil && r.att.sessionID == snap.SessionID && r.att.instance == snap.Instance {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.detach()

	att := &attachment{sessionID: snap.SessionID, instance: snap.Instance, role: snap.Local.Role}
	att.chat = sidechannel.NewChat(r.coord, sidechannel.ChatOptions{
		SessionID: snap.SessionID,
		Self:      snap.Local.Identity,
		Role:      snap.Local.Role,
		Store:     r.deps.Chats,
		Limiter:   r.deps.Limiter,
		Logger:    r.logger,
		OnMessage: r.listener.ChatReceived,
		OnNotice:  r.listener.Notice,
	})
	att.board = sidechannel.NewWhiteboard(r.coord, sidechannel.WhiteboardOptions{
		SessionID:        snap.SessionID,
		Self:             snap.Local.Identity,
		Role:             snap.Local.Role,
		Sink:             r.deps.Snapshots,
		SnapshotInterval: r.cfg.SnapshotInterval,
		Limiter:          r.deps.Limiter,
		Logger:           r.logger,
		OnStroke:         r.listener.StrokeReceived,
		OnClear:          r.listener.WhiteboardCleared,
		OnNotice:         r.listener.Notice,
	})
	if snap.Local.Role == protocol.RoleTeacher {
		r.restoreBoard(att)
	}
	att.board.Start()

	att.typing = typing.NewIndicator(r.deps.Session.Bus, snap.SessionID, snap.Local.Identity, r.cfg.Typing, r.logger)
	att.typing.OnChange(r.listener.TypingChanged)
	if err := att.typing.Start(); err != nil {
		r.logger.Warn("typing indicator unavailable", zap.Error(err))
	}

	r.mu.Lock()
	r.att = att
	r.mu.Unlock()
}

// restoreBoard reloads the last saved board when a teacher resumes.
func (r *Room) restoreBoard(att *attachment) {
	src, ok := r.deps.Snapshots.(sidechannel.SnapshotSource)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := src.LoadSnapshot(ctx, att.sessionID)
	if err != nil {
		r.listener.Notice(sidechannel.Notice{Source: "whiteboard", Message: "could not load the saved whiteboard", Err: err})
		return
	}
	if data == nil {
		return
	}
	if err := att.board.Restore(data); err != nil {
		r.logger.Warn("discarding unreadable whiteboard snapshot", zap.Error(err))
	}
}

func (r *Room) detach() {
	r.mu.Lock()
	att := r.att
	r.att = nil
	r.mu.Unlock()
	if att == nil {
		return
	}
	att.typing.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	att.board.Stop(ctx)
	cancel()
	att.chat.Wait()
}

func (r *Room) onJoin(env *protocol.Envelope) {
	if r.coord.Snapshot().Local.Role != protocol.RoleTeacher {
		return
	}
	if err := r.pub.Republish(); err != nil && !errors.Is(err, session.ErrNotConnected) {
		r.logger.Debug("republish on join failed", zap.Error(err))
	}
}

func (r *Room) onChat(env *protocol.Envelope) {
	if att := r.attached(); att != nil && att.sessionID == env.Session {
		att.chat.Handle(env)
	}
}

func (r *Room) onBoard(env *protocol.Envelope) {
	if att := r.attached(); att != nil && att.sessionID == env.Session {
		att.board.Handle(env)
	}
}
