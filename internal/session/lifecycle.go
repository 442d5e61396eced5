package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/metrics"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/signaling"
)

// timer is a token for a pending timeout. A timer fires only while it is
// still the value of the slot it was armed into.
type timer struct {
	t *time.Timer
}

func (c *Coordinator) arm(slot **timer, d time.Duration, fn func()) {
	c.disarm(slot)
	tk := &timer{}
	*slot = tk
	tk.t = time.AfterFunc(d, func() {
		c.post(func() {
			if *slot != tk {
				return
			}
			*slot = nil
			fn()
		})
	})
}

func (c *Coordinator) disarm(slot **timer) {
	if *slot != nil {
		(*slot).t.Stop()
		*slot = nil
	}
}

func (c *Coordinator) registryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.RegistryTimeout)
}

// create inserts the registry row for a teacher's new session.
func (c *Coordinator) create() {
	c.transition(StateCreating, "")

	ctx, cancel := c.registryCtx()
	row, err := c.reg.Create(ctx, c.me.ID, c.studentID)
	cancel()
	if err != nil {
		c.fail(newError(CodeRegistryUnavailable, "could not create the session", err))
		return
	}
	c.row = row
	c.target = row.ID
	c.enter()
}

// fetch loads and checks an existing row before entering it.
func (c *Coordinator) fetch(sessionID string) {
	c.target = sessionID
	c.transition(StateJoining, "")

	ctx, cancel := c.registryCtx()
	row, err := c.reg.Get(ctx, sessionID)
	cancel()
	switch {
	case err != nil:
		c.fail(newError(CodeRegistryUnavailable, "could not look up the session", err))
		return
	case row == nil || row.Status != registry.StatusActive:
		c.fail(newError(CodeSessionNotFound, "session not found or already ended", nil))
		return
	case c.role == protocol.RoleTeacher && row.TeacherID != c.me.ID:
		c.fail(newError(CodePermissionDenied, "session belongs to another teacher", nil))
		return
	case c.role == protocol.RoleStudent && row.StudentID != c.me.ID:
		c.fail(newError(CodePermissionDenied, "session belongs to another student", nil))
		return
	}
	c.row = row
	c.enter()
}

// enter opens the channel, announces this endpoint and starts waiting for
// the peer connection.
func (c *Coordinator) enter() {
	if err := c.openChannel(); err != nil {
		c.fail(newError(CodeChannelUnavailable, "could not subscribe to the session channel", err))
		return
	}

	c.connectingSince = c.now()
	if c.role == protocol.RoleObserver {
		c.announce()
		c.transition(StateConnected, "")
		c.resolve(nil)
		return
	}

	c.arm(&c.connectTimer, c.cfg.ConnectTimeout, func() {
		c.fail(newError(CodeNegotiationTimeout, "timed out waiting for the peer connection", nil))
	})
	c.transition(StateConnecting, "")
	c.announce()
}

func (c *Coordinator) openChannel() error {
	c.closeChannel()

	c.chGen++
	gen := c.chGen
	local := signaling.Local{Identity: c.me.ID, Role: c.role, Instance: c.instance}
	ch, err := signaling.Open(c.bus, c.row.ID, local, func(env *protocol.Envelope) {
		c.deliver(gen, env)
	}, c.logger)
	if err != nil {
		return err
	}
	c.ch = ch
	c.openGen.Store(gen)
	return nil
}

func (c *Coordinator) closeChannel() {
	c.openGen.Store(0)
	if c.ch == nil {
		return
	}
	if err := c.ch.Close(); err != nil {
		c.logger.Warn("failed to unsubscribe", zap.Error(err))
	}
	c.ch = nil
}

// deliver runs on the bus goroutine.
func (c *Coordinator) deliver(gen uint64, env *protocol.Envelope) {
	if protocol.IsSignaling(env.Kind) {
		c.post(func() {
			if gen != c.chGen || c.ch == nil {
				return
			}
			c.onSignal(env)
		})
	}
	c.dispatch(gen, env)
}

func (c *Coordinator) send(kind string, payload interface{}) {
	if c.ch == nil {
		return
	}
	if err := c.ch.Send(kind, c.attempt, payload); err != nil {
		c.logger.Warn("failed to send envelope", zap.String("kind", kind), zap.Error(err))
	}
}

func (c *Coordinator) announce() {
	c.send(protocol.KindJoin, protocol.JoinPayload{Muted: c.muted, CameraOff: c.cameraOff})
}

// leave is the single exit path for a session on this client.
func (c *Coordinator) leave(reason string) {
	if c.state == StateEnded {
		return
	}
	c.send(protocol.KindLeave, protocol.LeavePayload{Reason: reason})
	if c.role == protocol.RoleTeacher && c.row != nil {
		ctx, cancel := c.registryCtx()
		err := c.reg.MarkEnded(ctx, c.row.ID, c.now())
		cancel()
		if err != nil {
			c.logger.Error("failed to mark session ended", zap.String("session_id", c.row.ID), zap.Error(err))
		}
	}
	c.teardown()
	c.transition(StateEnded, reason)
	c.resolve(ErrEnded)
}

// teardown releases the peer connection, subscription and timers.
func (c *Coordinator) teardown() {
	c.disarm(&c.connectTimer)
	c.disarm(&c.attemptTimer)
	c.disarm(&c.backoffTimer)
	c.disarm(&c.idleTimer)
	c.closePC()
	c.closeChannel()
	c.remotes = make(map[string]*Participant)
}

func (c *Coordinator) fail(err *Error) {
	c.teardown()
	c.code = err.Code
	c.transition(StateFailed, err.Reason)
	c.resolve(err)
}

// abandon handles a caller giving up on a blocking start or join.
func (c *Coordinator) abandon(w chan error, cause error) {
	found := false
	for _, x := range c.waiters {
		if x == w {
			found = true
		}
	}
	if !found {
		return
	}
	switch c.state {
	case StateCreating, StateJoining, StateConnecting:
		if errors.Is(cause, context.DeadlineExceeded) {
			c.fail(newError(CodeNegotiationTimeout, "timed out waiting for the peer connection", cause))
		} else {
			c.fail(newError(CodeNegotiationFailed, "canceled", cause))
		}
	}
}

func (c *Coordinator) onPeerConnected(seq uint64) {
	if seq != c.pcSeq {
		return
	}
	c.disarm(&c.attemptTimer)
	c.disarm(&c.backoffTimer)

	switch c.state {
	case StateConnecting:
		c.disarm(&c.connectTimer)
		c.disarm(&c.idleTimer)
		metrics.NegotiationDuration.Observe(c.now().Sub(c.connectingSince).Seconds())
		first := !c.everConnected
		c.everConnected = true
		c.reconnects = 0
		if first && c.role == protocol.RoleTeacher {
			ctx, cancel := c.registryCtx()
			err := c.reg.MarkActive(ctx, c.row.ID, c.now())
			cancel()
			if err != nil {
				c.logger.Error("failed to mark session active", zap.String("session_id", c.row.ID), zap.Error(err))
			}
		}
		c.transition(StateConnected, "")
		c.resolve(nil)
	case StateReconnecting:
		metrics.Reconnects.WithLabelValues("recovered").Inc()
		c.reconnects = 0
		c.transition(StateConnected, "")
	}
}

func (c *Coordinator) onPeerDisconnected(seq uint64, err error) {
	if seq != c.pcSeq {
		return
	}
	c.logger.Warn("peer connection dropped", zap.String("state", string(c.state)), zap.Error(err))

	switch c.state {
	case StateConnected:
		c.reconnects = 0
		c.transition(StateReconnecting, "connection lost")
		c.scheduleReconnect()
	case StateReconnecting:
		c.scheduleReconnect()
	case StateConnecting:
		if c.everConnected {
			// The teacher is waiting for the student to come back.
			c.closePC()
			return
		}
		c.fail(newError(CodeNegotiationFailed, "peer connection failed", err))
	}
}

// negotiationFailed routes a negotiation error by state.
func (c *Coordinator) negotiationFailed(err error) {
	c.logger.Warn("negotiation failed", zap.Uint64("attempt", c.attempt), zap.Error(err))
	switch c.state {
	case StateReconnecting:
		c.scheduleReconnect()
	case StateConnecting:
		c.fail(newError(CodeNegotiationFailed, "peer connection failed", err))
	}
}

// scheduleReconnect waits out the backoff and re-negotiates, or gives up
// once MaxReconnects attempts were spent.
func (c *Coordinator) scheduleReconnect() {
	c.disarm(&c.attemptTimer)
	if c.reconnects >= c.cfg.MaxReconnects {
		metrics.Reconnects.WithLabelValues("exhausted").Inc()
		c.fail(newError(CodeNegotiationFailed, "reconnection attempts exhausted", nil))
		return
	}
	delay := c.cfg.backoff(c.reconnects)
	c.reconnects++
	c.arm(&c.backoffTimer, delay, c.reconnect)
}

func (c *Coordinator) reconnect() {
	if c.state != StateReconnecting {
		return
	}
	metrics.Reconnects.WithLabelValues("attempt").Inc()
	c.armAttemptTimer()
	if c.role == protocol.RoleTeacher {
		if c.peerInst == "" {
			// Nobody to offer to; wait for the student to announce.
			return
		}
		c.startAttempt()
		return
	}
	c.closePC()
	c.answer = nil
	c.announce()
}

func (c *Coordinator) armAttemptTimer() {
	c.arm(&c.attemptTimer, c.cfg.AttemptTimeout, func() {
		if c.state == StateReconnecting {
			c.logger.Warn("reconnect attempt timed out", zap.Uint64("attempt", c.attempt))
			c.scheduleReconnect()
		}
	})
}
