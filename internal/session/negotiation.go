package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/peer"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

// newPC replaces the peer connection. Events from earlier connections carry
// an older sequence number and are ignored.
func (c *Coordinator) newPC() (peer.Connection, uint64, context.Context, error) {
	c.closePC()
	seq := c.pcSeq
	pc, err := c.peers.CreateConnection(peer.Events{
		OnConnected: func() {
			c.post(func() { c.onPeerConnected(seq) })
		},
		OnDisconnected: func(err error) {
			c.post(func() { c.onPeerDisconnected(seq, err) })
		},
		OnTrack: func(kind peer.MediaKind, id string) {
			c.logger.Debug("remote track", zap.String("kind", string(kind)), zap.String("track_id", id))
		},
	})
	if err != nil {
		return nil, 0, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pc, c.pcCancel = pc, cancel

	if c.muted {
		c.disableMedia(pc, peer.Audio)
	}
	if c.cameraOff {
		c.disableMedia(pc, peer.Video)
	}
	return pc, seq, ctx, nil
}

// disableMedia re-applies a local mute to a fresh connection.
func (c *Coordinator) disableMedia(pc peer.Connection, kind peer.MediaKind) {
	if err := pc.SetMediaEnabled(kind, false); err != nil {
		c.logger.Warn("failed to reapply media state", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// closePC closes the current connection, if any, and invalidates its events.
func (c *Coordinator) closePC() {
	c.pcSeq++
	if c.pcCancel != nil {
		c.pcCancel()
		c.pcCancel = nil
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Debug("closing peer connection", zap.Error(err))
		}
		c.pc = nil
	}
}

// startAttempt makes a fresh offer under a new attempt id. Teacher only.
func (c *Coordinator) startAttempt() {
	c.attempt++
	c.offer = nil
	c.answered = false
	attempt := c.attempt
	c.publishSnapshot()

	pc, seq, ctx, err := c.newPC()
	if err != nil {
		c.negotiationFailed(err)
		return
	}
	go func() {
		offer, err := pc.Negotiate(ctx, nil)
		c.post(func() { c.onOffer(seq, attempt, offer, err) })
	}()
}

func (c *Coordinator) onOffer(seq, attempt uint64, offer []byte, err error) {
	if seq != c.pcSeq || attempt != c.attempt {
		return
	}
	if err != nil {
		c.negotiationFailed(err)
		return
	}
	c.offer = offer
	c.send(protocol.KindNegotiate, protocol.NegotiatePayload{Blob: offer})
}

// answerOffer adopts attempt and answers its offer. Student only.
func (c *Coordinator) answerOffer(attempt uint64, offer []byte) {
	c.attempt = attempt
	c.answer = nil
	c.publishSnapshot()

	pc, seq, ctx, err := c.newPC()
	if err != nil {
		c.negotiationFailed(err)
		return
	}
	go func() {
		answer, err := pc.Negotiate(ctx, offer)
		c.post(func() { c.onAnswer(seq, attempt, answer, err) })
	}()
}

func (c *Coordinator) onAnswer(seq, attempt uint64, answer []byte, err error) {
	if seq != c.pcSeq || attempt != c.attempt {
		return
	}
	if err != nil {
		c.negotiationFailed(err)
		return
	}
	c.answer = answer
	c.send(protocol.KindNegotiate, protocol.NegotiatePayload{Blob: answer})
}

// applyAnswer completes the teacher's side of the current attempt.
func (c *Coordinator) applyAnswer(answer []byte) {
	if c.pc == nil {
		return
	}
	c.answered = true
	pc, seq, attempt := c.pc, c.pcSeq, c.attempt
	ctx := context.Background()
	go func() {
		_, err := pc.Negotiate(ctx, answer)
		if err != nil {
			c.post(func() {
				if seq == c.pcSeq && attempt == c.attempt {
					c.negotiationFailed(err)
				}
			})
		}
	}()
}

func (c *Coordinator) onSignal(env *protocol.Envelope) {
	c.track(env)

	switch c.role {
	case protocol.RoleTeacher:
		c.teacherSignal(env)
	case protocol.RoleStudent:
		c.studentSignal(env)
	default:
		c.observerSignal(env)
	}
}

// track keeps the participant list current.
func (c *Coordinator) track(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindJoin:
		var p protocol.JoinPayload
		if err := env.DecodePayload(&p); err != nil {
			c.logger.Warn("bad join payload", zap.String("from", env.From), zap.Error(err))
			return
		}
		prev, ok := c.remotes[env.From]
		joined := c.now()
		if ok && prev.instance == env.Instance {
			joined = prev.JoinedAt
		}
		c.remotes[env.From] = &Participant{
			Identity:  env.From,
			Role:      env.Role,
			Muted:     p.Muted,
			CameraOff: p.CameraOff,
			JoinedAt:  joined,
			instance:  env.Instance,
		}
	case protocol.KindLeave:
		if p, ok := c.remotes[env.From]; ok && p.instance == env.Instance {
			delete(c.remotes, env.From)
		}
	case protocol.KindNegotiate, protocol.KindMuteState:
		// A peer that announced before we subscribed shows up here first.
		r, ok := c.remotes[env.From]
		if !ok || r.instance != env.Instance {
			r = &Participant{Identity: env.From, Role: env.Role, JoinedAt: c.now(), instance: env.Instance}
			c.remotes[env.From] = r
		}
		if env.Kind == protocol.KindMuteState {
			var p protocol.MuteStatePayload
			if err := env.DecodePayload(&p); err != nil {
				return
			}
			r.Muted, r.CameraOff = p.Muted, p.CameraOff
		}
	default:
		return
	}
	c.publishSnapshot()
}

func (c *Coordinator) isStudent(env *protocol.Envelope) bool {
	return env.Role == protocol.RoleStudent && env.From == c.row.StudentID
}

func (c *Coordinator) isTeacher(env *protocol.Envelope) bool {
	return env.Role == protocol.RoleTeacher && env.From == c.row.TeacherID
}

func (c *Coordinator) teacherSignal(env *protocol.Envelope) {
	if !c.isStudent(env) {
		return
	}

	switch env.Kind {
	case protocol.KindJoin:
		c.disarm(&c.idleTimer)
		switch {
		case env.Instance != c.peerInst:
			c.peerInst = env.Instance
		case env.Attempt < c.attempt:
			// The student has not seen our latest offer yet.
			if c.offer != nil {
				c.send(protocol.KindNegotiate, protocol.NegotiatePayload{Blob: c.offer})
			}
			return
		}
		c.beginRecovery("student rejoined")
		c.startAttempt()

	case protocol.KindNegotiate:
		if env.Instance != c.peerInst || env.Attempt != c.attempt || c.answered {
			return
		}
		var p protocol.NegotiatePayload
		if err := env.DecodePayload(&p); err != nil {
			c.logger.Debug("bad negotiate payload", zap.Error(err))
			return
		}
		c.applyAnswer(p.Blob)

	case protocol.KindLeave:
		if env.Instance != c.peerInst {
			return
		}
		c.peerInst = ""
		c.closePC()
		c.disarm(&c.attemptTimer)
		c.disarm(&c.backoffTimer)
		if c.everConnected && c.state != StateConnecting {
			c.transition(StateConnecting, "student left")
		}
		if c.everConnected {
			c.arm(&c.idleTimer, c.cfg.IdleTimeout, func() {
				c.leave("no participant rejoined")
			})
		}
	}
}

// beginRecovery moves a live session back into negotiation when the peer
// reappears after a connection was up.
func (c *Coordinator) beginRecovery(reason string) {
	switch c.state {
	case StateConnected:
		c.reconnects = 0
		c.transition(StateReconnecting, reason)
		c.armAttemptTimer()
	case StateReconnecting:
		c.disarm(&c.backoffTimer)
		c.armAttemptTimer()
	}
}

func (c *Coordinator) studentSignal(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindKick:
		var p protocol.KickPayload
		if err := env.DecodePayload(&p); err == nil && c.isTeacher(env) && p.Target == c.me.ID {
			c.leave("removed by teacher")
		}
		return
	case protocol.KindLeave:
		if c.isTeacher(env) && (c.peerInst == "" || env.Instance == c.peerInst) {
			c.leave("session ended by teacher")
		}
		return
	}

	if !c.isTeacher(env) {
		return
	}

	switch env.Kind {
	case protocol.KindJoin:
		if env.Instance != c.peerInst {
			c.adoptTeacher(env.Instance)
		}
		// Let the teacher know we are here so it offers.
		c.announce()

	case protocol.KindNegotiate:
		if env.Instance != c.peerInst {
			c.adoptTeacher(env.Instance)
		}
		switch {
		case env.Attempt < c.attempt:
			return
		case env.Attempt == c.attempt:
			if c.answer != nil {
				c.send(protocol.KindNegotiate, protocol.NegotiatePayload{Blob: c.answer})
			}
			return
		}
		var p protocol.NegotiatePayload
		if err := env.DecodePayload(&p); err != nil {
			c.logger.Debug("bad negotiate payload", zap.Error(err))
			return
		}
		c.beginRecovery("teacher renegotiating")
		c.answerOffer(env.Attempt, p.Blob)
	}
}

// adoptTeacher starts tracking a new teacher instance. Its attempt counter
// starts over, so ours does too.
func (c *Coordinator) adoptTeacher(instance string) {
	c.peerInst = instance
	c.attempt = 0
	c.answer = nil
	c.closePC()
	if c.state == StateConnected {
		c.beginRecovery("teacher rejoined")
	}
	c.publishSnapshot()
}

func (c *Coordinator) observerSignal(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindKick:
		var p protocol.KickPayload
		if err := env.DecodePayload(&p); err == nil && env.Role == protocol.RoleTeacher && p.Target == c.me.ID {
			c.leave("removed by teacher")
		}
	case protocol.KindLeave:
		if c.row != nil && env.Role == protocol.RoleTeacher && env.From == c.row.TeacherID {
			c.leave("session ended by teacher")
		}
	}
}
