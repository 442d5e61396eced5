// Package signaling carries small control envelopes between the endpoints of
// one session over the broadcast bus. It owns the session channel
// subscription: framing, echo suppression and revocation. What the envelopes
// mean is up to the caller.
package signaling

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/metrics"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("signaling: channel closed")

// Local identifies this endpoint on the channel. Instance is unique per
// process run so a restarted client is told apart from its previous self.
type Local struct {
	Identity string
	Role     string
	Instance string
}

// Channel is an open subscription on a session channel.
type Channel struct {
	bus     bus.Bus
	name    string
	session string
	local   Local
	deliver func(*protocol.Envelope)
	logger  *zap.Logger

	closed atomic.Bool
	once   sync.Once
	sub    bus.Subscription
}

// Open subscribes to the channel of sessionID. deliver is called on the bus
// goroutine for every envelope from another endpoint, in arrival order, until
// Close returns.
func Open(b bus.Bus, sessionID string, local Local, deliver func(*protocol.Envelope), logger *zap.Logger) (*Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		bus:     b,
		name:    bus.SessionChannel(sessionID),
		session: sessionID,
		local:   local,
		deliver: deliver,
		logger:  logger.Named("signaling").With(zap.String("session_id", sessionID)),
	}

	sub, err := b.Subscribe(c.name, c.receive)
	if err != nil {
		return nil, fmt.Errorf("signaling: subscribe %s: %w", c.name, err)
	}
	c.sub = sub
	return c, nil
}

// SessionID returns the session this channel belongs to.
func (c *Channel) SessionID() string {
	return c.session
}

// Send publishes an envelope of kind tagged with attempt.
func (c *Channel) Send(kind string, attempt uint64, payload interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	env.Session = c.session
	env.From = c.local.Identity
	env.Role = c.local.Role
	env.Instance = c.local.Instance
	env.Attempt = attempt

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(c.name, data); err != nil {
		return fmt.Errorf("signaling: publish %s: %w", kind, err)
	}
	metrics.Envelopes.WithLabelValues("sent", kind).Inc()
	return nil
}

// Close revokes the subscription. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		if uerr := c.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, bus.ErrClosed) {
			err = fmt.Errorf("signaling: unsubscribe %s: %w", c.name, uerr)
		}
	})
	return err
}

func (c *Channel) receive(data []byte) {
	if c.closed.Load() {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("dropping malformed envelope", zap.Error(err))
		metrics.Envelopes.WithLabelValues("dropped", "malformed").Inc()
		return
	}
	if env.Session != "" && env.Session != c.session {
		metrics.Envelopes.WithLabelValues("dropped", env.Kind).Inc()
		return
	}
	if env.From == c.local.Identity && env.Instance == c.local.Instance {
		return
	}
	metrics.Envelopes.WithLabelValues("received", env.Kind).Inc()
	c.deliver(env)
}
