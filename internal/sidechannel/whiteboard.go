package sidechannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/metrics"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ratelimit"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
)

const defaultSnapshotInterval = 30 * time.Second

// WhiteboardOptions configures a Whiteboard for one session.
type WhiteboardOptions struct {
	SessionID string
	Self      string
	Role      string

	// Sink receives periodic snapshots. Only the teacher saves.
	Sink             SnapshotSink
	SnapshotInterval time.Duration
	WriteTimeout     time.Duration
	Limiter          Limiter
	Logger           *zap.Logger

	OnStroke func(protocol.Stroke)
	OnClear  func(protocol.WhiteboardClearPayload)
	OnNotice NoticeFunc
}

type boardSnapshot struct {
	Strokes []protocol.Stroke `json:"strokes"`
	SavedAt int64             `json:"saved_at"`
}

// Whiteboard is the shared drawing surface.
type Whiteboard struct {
	sender Sender
	opts   WhiteboardOptions
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	seen    map[string]struct{}
	strokes []protocol.Stroke
	dirty   bool

	runMu sync.Mutex
	stop  chan struct{}
	wg    sync.WaitGroup
}

func NewWhiteboard(sender Sender, opts WhiteboardOptions) *Whiteboard {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = defaultSnapshotInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Whiteboard{
		sender: sender,
		opts:   opts,
		logger: opts.Logger.Named("whiteboard").With(zap.String("session_id", opts.SessionID)),
		now:    time.Now,
		seen:   make(map[string]struct{}),
	}
}

// Draw publishes a stroke authored by this participant.
func (w *Whiteboard) Draw(ctx context.Context, s protocol.Stroke) (protocol.Stroke, error) {
	if w.opts.Role == protocol.RoleObserver {
		return protocol.Stroke{}, session.ErrPermissionDenied
	}
	if err := validateStroke(s); err != nil {
		return protocol.Stroke{}, err
	}
	s = roundStroke(s)
	if !allow(ctx, w.opts.Limiter, w.opts.SessionID+":"+w.opts.Self, ratelimit.RuleStroke) {
		return protocol.Stroke{}, ErrRateLimited
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Author = w.opts.Self
	s.DrawnAt = w.now().UnixMilli()

	if err := w.sender.Send(protocol.KindStroke, s); err != nil {
		if errors.Is(err, protocol.ErrEnvelopeTooLarge) {
			return protocol.Stroke{}, fmt.Errorf("%w: %v", ErrInvalidStroke, err)
		}
		return protocol.Stroke{}, err
	}
	w.add(s)
	return s, nil
}

// Clear wipes the board for everyone and returns the clear it broadcast.
// Teacher only.
func (w *Whiteboard) Clear() (protocol.WhiteboardClearPayload, error) {
	if w.opts.Role != protocol.RoleTeacher {
		return protocol.WhiteboardClearPayload{}, session.ErrPermissionDenied
	}
	p := protocol.WhiteboardClearPayload{ClearedAt: w.now().UnixMilli()}
	if err := w.sender.Send(protocol.KindWhiteboardClear, p); err != nil {
		return protocol.WhiteboardClearPayload{}, err
	}
	w.clear(p.ClearedAt)
	return p, nil
}

// Handle consumes stroke and clear envelopes from the session channel.
func (w *Whiteboard) Handle(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindStroke:
		var s protocol.Stroke
		if err := env.DecodePayload(&s); err != nil {
			return
		}
		if s.ID == "" || s.Author != env.From || validateStroke(s) != nil {
			return
		}
		if w.add(s) && w.opts.OnStroke != nil {
			w.opts.OnStroke(s)
		}
	case protocol.KindWhiteboardClear:
		if env.Role != protocol.RoleTeacher {
			return
		}
		var p protocol.WhiteboardClearPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		w.clear(p.ClearedAt)
		if w.opts.OnClear != nil {
			w.opts.OnClear(p)
		}
	}
}

// Strokes returns the strokes on the board in the order they were added.
func (w *Whiteboard) Strokes() []protocol.Stroke {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]protocol.Stroke, len(w.strokes))
	copy(out, w.strokes)
	return out
}

// Restore loads strokes from a saved snapshot without publishing them.
func (w *Whiteboard) Restore(data []byte) error {
	var snap boardSnapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("sidechannel: decode snapshot: %w", err)
	}
	for _, s := range snap.Strokes {
		w.add(s)
	}
	w.mu.Lock()
	w.dirty = false
	w.mu.Unlock()
	return nil
}

// Start begins periodic snapshots. It is a no-op unless this participant is
// the teacher and a sink is configured.
func (w *Whiteboard) Start() {
	if w.opts.Role != protocol.RoleTeacher || w.opts.Sink == nil {
		return
	}
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run(w.stop)
}

// Stop ends periodic snapshots and saves once more if the board changed.
func (w *Whiteboard) Stop(ctx context.Context) {
	w.runMu.Lock()
	stop := w.stop
	w.stop = nil
	w.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	w.wg.Wait()
	w.save(ctx)
}

func (w *Whiteboard) run(stop chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
			w.save(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// save writes a snapshot if the board changed since the last one.
func (w *Whiteboard) save(ctx context.Context) {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	snap := boardSnapshot{Strokes: make([]protocol.Stroke, len(w.strokes)), SavedAt: w.now().UnixMilli()}
	copy(snap.Strokes, w.strokes)
	w.dirty = false
	w.mu.Unlock()

	data, err := sonic.Marshal(snap)
	if err == nil {
		err = w.opts.Sink.SaveSnapshot(ctx, w.opts.SessionID, data)
	}
	if err != nil {
		w.mu.Lock()
		w.dirty = true
		w.mu.Unlock()
		metrics.SnapshotSaves.WithLabelValues("failed").Inc()
		w.logger.Warn("failed to save whiteboard snapshot", zap.Error(err))
		if w.opts.OnNotice != nil {
			w.opts.OnNotice(Notice{Source: "whiteboard", Message: "whiteboard snapshot was not saved", Err: err})
		}
		return
	}
	metrics.SnapshotSaves.WithLabelValues("ok").Inc()
}

func (w *Whiteboard) add(s protocol.Stroke) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.seen[s.ID]; dup {
		return false
	}
	w.seen[s.ID] = struct{}{}
	w.strokes = append(w.strokes, s)
	w.dirty = true
	return true
}

func (w *Whiteboard) clear(at int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.strokes[:0]
	for _, s := range w.strokes {
		if s.DrawnAt > at {
			kept = append(kept, s)
		}
	}
	w.strokes = kept
	w.dirty = true
}
