package bus

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize is the per-subscriber backlog of the in-process bus.
const DefaultQueueSize = 256

// Memory is an in-process Bus. Each subscription owns a goroutine that drains
// a bounded queue; a full queue drops the message, which matches the
// fire-and-forget contract of the networked bus.
type Memory struct {
	mu        sync.RWMutex
	subs      map[string]map[*memorySub]struct{}
	queueSize int
	closed    bool
	logger    *zap.Logger
}

// NewMemory returns an empty in-process bus.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		subs:      make(map[string]map[*memorySub]struct{}),
		queueSize: DefaultQueueSize,
		logger:    logger.Named("bus"),
	}
}

type memorySub struct {
	bus     *Memory
	channel string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// Publish copies data to every current subscriber of channel.
func (m *Memory) Publish(channel string, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	for sub := range m.subs[channel] {
		msg := make([]byte, len(data))
		copy(msg, data)
		select {
		case sub.queue <- msg:
		default:
			m.logger.Warn("subscriber queue full, dropping message", zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe registers handler on channel until the subscription is revoked.
func (m *Memory) Subscribe(channel string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     m,
		channel: channel,
		queue:   make(chan []byte, m.queueSize),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	go sub.run(handler)
	return sub, nil
}

// Close revokes every subscription.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	all := m.subs
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.stop()
		}
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (s *memorySub) run(handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			handler(msg)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe stops delivery. Messages still queued are discarded.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	set, ok := s.bus.subs[s.channel]
	_, found := set[s]
	if ok && found {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.bus.mu.Unlock()

	if !found {
		return ErrNoSubscription
	}
	s.stop()
	return nil
}
