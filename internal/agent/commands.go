package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/classroom"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/sidechannel"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ws"
)

const commandTimeout = 5 * time.Second

func (a *Agent) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeStartSession, a.checked(func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.StartSessionMsg)
		a.background(conn, func(ctx context.Context) error {
			_, err := a.room.StartSession(ctx, m.StudentID)
			return err
		})
	}))
	d.Register(protocol.TypeResumeSession, a.checked(func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.ResumeSessionMsg)
		a.background(conn, func(ctx context.Context) error {
			_, err := a.room.ResumeSession(ctx, m.SessionID)
			return err
		})
	}))
	d.Register(protocol.TypeJoinSession, a.checked(func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.JoinSessionMsg)
		a.background(conn, func(ctx context.Context) error {
			_, err := a.room.JoinSession(ctx, m.SessionID)
			return err
		})
	}))
	d.Register(protocol.TypeRetry, func(conn *ws.Connection, _ interface{}) {
		a.background(conn, func(ctx context.Context) error {
			_, err := a.room.Retry(ctx)
			return err
		})
	})
	d.Register(protocol.TypeLeaveSession, func(conn *ws.Connection, _ interface{}) {
		a.do(conn, func(ctx context.Context) error { return a.room.Leave(ctx) })
	})
	d.Register(protocol.TypeToggleMic, func(conn *ws.Connection, _ interface{}) {
		a.do(conn, func(context.Context) error { return a.room.Session().ToggleMic() })
	})
	d.Register(protocol.TypeToggleCamera, func(conn *ws.Connection, _ interface{}) {
		a.do(conn, func(context.Context) error { return a.room.Session().ToggleCamera() })
	})
	d.Register(protocol.TypeKick, a.checked(func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.KickMsg)
		a.do(conn, func(ctx context.Context) error { return a.room.Session().Kick(ctx, m.Target) })
	}))
	d.Register(protocol.TypeSyncUpdate, a.checked(func(conn *ws.Connection, msg interface{}) {
		a.do(conn, func(context.Context) error { return a.room.PublishSync(syncState(msg.(protocol.SyncMsg))) })
	}))
	d.Register(protocol.TypeSyncRequest, a.checked(func(conn *ws.Connection, msg interface{}) {
		a.do(conn, func(context.Context) error { return a.room.RequestSync(syncState(msg.(protocol.SyncMsg))) })
	}))
	d.Register(protocol.TypeChatSend, a.checked(func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.ChatSendMsg)
		a.do(conn, func(ctx context.Context) error {
			sent, err := a.room.SendChat(ctx, m.Body)
			if err == nil {
				a.ChatReceived(sent)
			}
			return err
		})
	}))
	d.Register(protocol.TypeStroke, a.checked(func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.StrokeMsg)
		a.do(conn, func(ctx context.Context) error {
			drawn, err := a.room.Draw(ctx, protocol.Stroke{Points: m.Points, Color: m.Color, Width: m.Width, Tool: m.Tool})
			if err == nil {
				a.StrokeReceived(drawn)
			}
			return err
		})
	}))
	d.Register(protocol.TypeWhiteboardClear, func(conn *ws.Connection, _ interface{}) {
		a.do(conn, func(context.Context) error {
			cleared, err := a.room.ClearBoard()
			if err == nil {
				a.WhiteboardCleared(cleared)
			}
			return err
		})
	})
	d.Register(protocol.TypeTyping, func(conn *ws.Connection, _ interface{}) {
		a.do(conn, func(context.Context) error { return a.room.Keystroke() })
	})
	d.Register(protocol.TypePresenceQuery, func(conn *ws.Connection, _ interface{}) {
		a.send(conn, protocol.TypePresence, protocol.PresenceMsg{Online: a.online()})
	})
}

// checked validates the message before calling next.
func (a *Agent) checked(next ws.MessageHandler) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		if err := a.validate.Struct(msg); err != nil {
			ws.SendError(conn, "invalid_message", err.Error())
			return
		}
		next(conn, msg)
	}
}

// do runs a short command inline and reports its error to conn.
func (a *Agent) do(conn *ws.Connection, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(a.ctx, commandTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		a.reportError(conn, err)
	}
}

// background runs a blocking start, join or retry off the read goroutine.
// Progress reaches the UI as state messages; only the final error is
// reported here.
func (a *Agent) background(conn *ws.Connection, fn func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(a.ctx); err != nil && !errors.Is(err, session.ErrEnded) {
			a.reportError(conn, err)
		}
	}()
}

func (a *Agent) reportError(conn *ws.Connection, err error) {
	code := errorCode(err)
	a.logger.Debug("command failed", zap.String("conn", conn.ID), zap.String("code", code), zap.Error(err))
	ws.SendError(conn, code, err.Error())
}

func errorCode(err error) string {
	if code := session.CodeOf(err); code != "" {
		return string(code)
	}
	switch {
	case errors.Is(err, sidechannel.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, sidechannel.ErrEmptyMessage),
		errors.Is(err, sidechannel.ErrMessageLength),
		errors.Is(err, sidechannel.ErrInvalidUTF8),
		errors.Is(err, sidechannel.ErrInvalidStroke):
		return "invalid_message"
	case errors.Is(err, classroom.ErrNoSession), errors.Is(err, session.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, session.ErrInvalidState):
		return "invalid_state"
	}
	return "command_failed"
}

func syncState(m protocol.SyncMsg) protocol.SyncState {
	return protocol.SyncState{DocumentID: m.DocumentID, ItemIndex: m.ItemIndex, ScrollOffset: m.ScrollOffset}
}
