// Package presence answers whether an identity is online in a scope, from
// periodic heartbeats on the scope's broadcast channel. Nothing is persisted;
// entries expire lazily when read.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/metrics"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

// ErrStarted is returned when Start is called twice.
var ErrStarted = errors.New("presence: already started")

// Config sets the heartbeat cadence. Timeout should be a few intervals so
// one lost heartbeat does not flap the status.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns a 10s heartbeat with a 30s timeout.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, Timeout: 30 * time.Second}
}

// Tracker heartbeats self and records the heartbeats of others.
type Tracker struct {
	bus    bus.Bus
	scope  string
	self   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	sub      bus.Subscription
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewTracker returns a stopped tracker for scope.
func NewTracker(b bus.Bus, scope, self string, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		bus:      b,
		scope:    scope,
		self:     self,
		cfg:      cfg,
		logger:   logger.Named("presence").With(zap.String("scope", scope)),
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// Start subscribes to the scope and begins heartbeating.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return ErrStarted
	}

	sub, err := t.bus.Subscribe(bus.PresenceChannel(t.scope), t.handle)
	if err != nil {
		return fmt.Errorf("presence: subscribe: %w", err)
	}
	t.sub = sub
	t.stop = make(chan struct{})

	t.wg.Add(1)
	go t.run(t.stop)
	return nil
}

// Stop ends heartbeating and unsubscribes.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.sub == nil {
		t.mu.Unlock()
		return
	}
	close(t.stop)
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	t.wg.Wait()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, bus.ErrClosed) {
		t.logger.Warn("failed to unsubscribe", zap.Error(err))
	}
}

func (t *Tracker) run(stop chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.heartbeat()
	for {
		select {
		case <-ticker.C:
			t.heartbeat()
		case <-stop:
			return
		}
	}
}

func (t *Tracker) heartbeat() {
	t.Observe(t.self, t.now())

	env, err := protocol.NewEnvelope(protocol.KindHeartbeat, protocol.HeartbeatPayload{Scope: t.scope})
	if err != nil {
		return
	}
	env.From = t.self
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	if err := t.bus.Publish(bus.PresenceChannel(t.scope), data); err != nil {
		t.logger.Debug("heartbeat publish failed", zap.Error(err))
	}
}

func (t *Tracker) handle(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil || env.Kind != protocol.KindHeartbeat || env.From == "" || env.From == t.self {
		return
	}
	t.Observe(env.From, t.now())
}

// Observe records a heartbeat from identity at at.
func (t *Tracker) Observe(identity string, at time.Time) {
	t.mu.Lock()
	if prev, ok := t.lastSeen[identity]; !ok || at.After(prev) {
		t.lastSeen[identity] = at
	}
	t.mu.Unlock()
}

// IsOnline reports whether identity heartbeated within the timeout.
func (t *Tracker) IsOnline(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aliveLocked(identity, t.now())
}

// Online lists the identities currently online, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		if t.aliveLocked(id, now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	metrics.PresenceOnline.Set(float64(len(out)))
	return out
}

func (t *Tracker) aliveLocked(identity string, now time.Time) bool {
	last, ok := t.lastSeen[identity]
	if !ok {
		return false
	}
	if now.Sub(last) >= t.cfg.Timeout {
		delete(t.lastSeen, identity)
		return false
	}
	return true
}
