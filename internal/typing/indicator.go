// Package typing shows who is typing in a conversation. Senders publish at
// most once per debounce interval; receivers treat an identity as typing for
// a fixed window after its last event. There is no "stopped typing" message.
package typing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

// ErrStarted is returned when Start is called twice.
var ErrStarted = errors.New("typing: already started")

type Config struct {
	Debounce time.Duration
	Window   time.Duration
}

// DefaultConfig returns a 2.5s send debounce and a 4s display window.
func DefaultConfig() Config {
	return Config{Debounce: 2500 * time.Millisecond, Window: 4 * time.Second}
}

// ChangeFunc is called when identity starts or stops being shown as typing.
type ChangeFunc func(identity string, typing bool)

// Indicator publishes local keystrokes and tracks remote typers.
type Indicator struct {
	bus          bus.Bus
	conversation string
	self         string
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	onChange ChangeFunc
	lastSent time.Time
	lastSeen map[string]time.Time
	timers   map[string]*time.Timer
	sub      bus.Subscription
}

func NewIndicator(b bus.Bus, conversation, self string, cfg Config, logger *zap.Logger) *Indicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indicator{
		bus:          b,
		conversation: conversation,
		self:         self,
		cfg:          cfg,
		logger:       logger.Named("typing").With(zap.String("conversation", conversation)),
		now:          time.Now,
		lastSeen:     make(map[string]time.Time),
		timers:       make(map[string]*time.Timer),
	}
}

// OnChange registers the change callback. It runs outside the indicator's
// lock, from the bus goroutine or a timer.
func (in *Indicator) OnChange(fn ChangeFunc) {
	in.mu.Lock()
	in.onChange = fn
	in.mu.Unlock()
}

// Start subscribes to the conversation's typing channel.
func (in *Indicator) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sub != nil {
		return ErrStarted
	}
	sub, err := in.bus.Subscribe(bus.TypingChannel(in.conversation), in.handle)
	if err != nil {
		return fmt.Errorf("typing: subscribe: %w", err)
	}
	in.sub = sub
	return nil
}

// Stop unsubscribes and forgets every remote typer without firing OnChange.
func (in *Indicator) Stop() {
	in.mu.Lock()
	sub := in.sub
	in.sub = nil
	for id, t := range in.timers {
		t.Stop()
		delete(in.timers, id)
	}
	in.lastSeen = make(map[string]time.Time)
	in.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, bus.ErrClosed) {
		in.logger.Warn("failed to unsubscribe", zap.Error(err))
	}
}

// Keystroke reports local typing. Calls inside the debounce interval of the
// last published event are dropped.
func (in *Indicator) Keystroke() error {
	now := in.now()
	in.mu.Lock()
	if !in.lastSent.IsZero() && now.Sub(in.lastSent) < in.cfg.Debounce {
		in.mu.Unlock()
		return nil
	}
	in.lastSent = now
	in.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.KindTyping, protocol.TypingPayload{Conversation: in.conversation})
	if err != nil {
		return err
	}
	env.From = in.self
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := in.bus.Publish(bus.TypingChannel(in.conversation), data); err != nil {
		return fmt.Errorf("typing: publish: %w", err)
	}
	return nil
}

func (in *Indicator) handle(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil || env.Kind != protocol.KindTyping || env.From == "" || env.From == in.self {
		return
	}
	in.Observe(env.From, in.now())
}

// Observe records a typing event from identity at at. The window runs from
// at, so an event already older than the window is dropped.
func (in *Indicator) Observe(identity string, at time.Time) {
	in.mu.Lock()
	prev, seen := in.lastSeen[identity]
	if seen && !at.After(prev) {
		in.mu.Unlock()
		return
	}
	now := in.now()
	left := at.Add(in.cfg.Window).Sub(now)
	if left <= 0 {
		in.mu.Unlock()
		return
	}
	started := !seen || !now.Before(prev.Add(in.cfg.Window))
	in.lastSeen[identity] = at
	if t, ok := in.timers[identity]; ok {
		t.Stop()
	}
	in.timers[identity] = time.AfterFunc(left, func() { in.expire(identity, at) })
	fn := in.onChange
	in.mu.Unlock()

	if started && fn != nil {
		fn(identity, true)
	}
}

func (in *Indicator) expire(identity string, at time.Time) {
	in.mu.Lock()
	if last, ok := in.lastSeen[identity]; !ok || !last.Equal(at) {
		in.mu.Unlock()
		return
	}
	delete(in.lastSeen, identity)
	delete(in.timers, identity)
	fn := in.onChange
	in.mu.Unlock()

	if fn != nil {
		fn(identity, false)
	}
}

// IsTyping reports whether identity typed within the window.
func (in *Indicator) IsTyping(identity string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	last, ok := in.lastSeen[identity]
	return ok && in.now().Before(last.Add(in.cfg.Window))
}

// Typing lists identities currently shown as typing, sorted.
func (in *Indicator) Typing() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	now := in.now()
	var out []string
	for id, last := range in.lastSeen {
		if now.Before(last.Add(in.cfg.Window)) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
