// Package agent is the per-device process the UI talks to. It serves the
// WebSocket control socket and a small HTTP surface, turns UI commands into
// Room calls, and pushes Room events back to every connected UI.
package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/classroom"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/metrics"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/presence"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ws"
)

type Deps struct {
	Room       classroom.Deps
	RoomConfig classroom.Config
	Presence   *presence.Tracker
	WS         ws.ServerConfig
	Logger     *zap.Logger
}

// Agent owns the Room and the UI-facing servers.
type Agent struct {
	room     *classroom.Room
	registry registry.Store
	presence *presence.Tracker
	server   *ws.Server
	echo     *echo.Echo
	validate *validator.Validate
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt time.Time
}

var _ classroom.Listener = (*Agent)(nil)

func New(deps Deps) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		registry:  deps.Room.Session.Registry,
		presence:  deps.Presence,
		validate:  validator.New(),
		logger:    logger.Named("agent"),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	disp := ws.NewMessageDispatcher(logger)
	a.server = ws.NewServer(deps.WS, disp.Dispatch, logger)
	a.server.SetOnConnect(a.greet)
	a.register(disp)

	deps.Room.Listener = a
	if deps.Room.Logger == nil {
		deps.Room.Logger = logger
	}
	a.room = classroom.NewRoom(deps.Room, deps.RoomConfig)

	a.echo = a.routes()
	return a
}

func (a *Agent) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/ws", echo.WrapHandler(http.HandlerFunc(a.server.HandleUpgrade)))
	e.GET("/health", a.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := e.Group("/v1")
	v1.GET("/session", a.currentSession)
	v1.GET("/sessions/:id", a.getSession)
	v1.GET("/presence", a.getPresence)
	return e
}

// Room returns the agent's classroom.
func (a *Agent) Room() *classroom.Room {
	return a.room
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *Agent) Handler() http.Handler {
	return a.echo
}

// Start serves on addr until Shutdown.
func (a *Agent) Start(addr string) error {
	a.server.Start()
	a.logger.Info("agent listening", zap.String("addr", addr))
	if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown leaves any session, closes UI connections and stops serving.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.cancel()
	err := a.room.Close()
	a.wg.Wait()
	a.server.Shutdown()
	if herr := a.echo.Shutdown(ctx); herr != nil && err == nil {
		err = herr
	}
	return err
}

func (a *Agent) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": a.server.Connections().Count(),
		"state":       a.room.Session().Snapshot().State,
		"uptime":      time.Since(a.startedAt).Round(time.Second).String(),
	})
}

func (a *Agent) currentSession(c echo.Context) error {
	return c.JSON(http.StatusOK, stateMsg(a.room.Session().Snapshot()))
}

func (a *Agent) getSession(c echo.Context) error {
	if a.registry == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no registry configured")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	row, err := a.registry.Get(ctx, c.Param("id"))
	if err != nil {
		a.logger.Warn("registry lookup failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "registry unavailable")
	}
	if row == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, row)
}

func (a *Agent) getPresence(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.PresenceMsg{Type: protocol.TypePresence, Online: a.online()})
}

func (a *Agent) online() []string {
	if a.presence == nil {
		return []string{}
	}
	return a.presence.Online()
}

// greet sends a new UI connection the current state.
func (a *Agent) greet(conn *ws.Connection) {
	a.send(conn, protocol.TypeState, stateMsg(a.room.Session().Snapshot()))
	if st, ok := a.room.SyncState(); ok {
		a.send(conn, protocol.TypeSyncState, protocol.SyncStateMsg{State: st})
	}
	if h := a.room.ChatHistory(); len(h) > 0 {
		a.send(conn, protocol.TypeChatHistory, protocol.ChatHistoryMsg{Messages: h})
	}
}

func (a *Agent) send(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		a.logger.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		a.logger.Debug("failed to send message", zap.String("conn", conn.ID), zap.Error(err))
	}
}

func (a *Agent) broadcast(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		a.logger.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	a.server.Broadcast(data)
}

func stateMsg(s session.Snapshot) protocol.StateMsg {
	msg := protocol.StateMsg{
		State:        string(s.State),
		Reason:       s.Reason,
		Code:         string(s.Code),
		SessionID:    s.SessionID,
		Attempt:      s.Attempt,
		Local:        participantInfo(s.Local),
		Participants: make([]protocol.ParticipantInfo, 0, len(s.Remote)),
	}
	for _, p := range s.Remote {
		msg.Participants = append(msg.Participants, participantInfo(p))
	}
	return msg
}

func participantInfo(p session.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		Identity:  p.Identity,
		Role:      p.Role,
		Muted:     p.Muted,
		CameraOff: p.CameraOff,
		JoinedAt:  registry.Millis(p.JoinedAt),
	}
}
