// Package ws is the agent's local control socket: the UI connects over
// WebSocket, sends commands and receives session events. Each connection is
// served by its own read goroutine; writes are serialized per connection.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConnectionNotFound is returned by SendMessage for an unknown id.
var ErrConnectionNotFound = errors.New("ws: connection not found")

type ServerConfig struct {
	MaxConnections  int           // hard cap on UI connections
	MaxMessageBytes int64         // largest accepted data frame
	WriteTimeout    time.Duration // per-message write deadline
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig suits a single local UI with a few tabs.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:  16,
		MaxMessageBytes: 64 * 1024,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Server accepts UI connections and hands complete text frames to
// onMessage.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	logger       *zap.Logger
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer returns a server that calls onMessage from the connection's read
// goroutine for every text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		logger:    logger.Named("ws"),
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetOnConnect registers a callback run after a client is upgraded and
// before its first frame is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once per removed connection.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start begins the heartbeat monitor.
func (s *Server) Start() {
	if s.config.Heartbeat.Interval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.heartbeat(s.config.Heartbeat)
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and
// serves it until it closes.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), conn)
	s.conns.Add(c)
	s.logger.Info("ui connected", zap.String("conn", c.ID), zap.Int("total", s.conns.Count()))

	if s.onConnect != nil {
		s.onConnect(c)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(c)
	}()
}

func (s *Server) serve(c *Connection) {
	defer s.RemoveConnection(c)
	control := wsutil.ControlFrameHandler(c, ws.StateServerSide)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			if err := control(header, reader); err != nil {
				return
			}
			continue
		}

		if s.config.MaxMessageBytes > 0 && header.Length > s.config.MaxMessageBytes {
			SendError(c, "message_too_large", "message too large")
			return
		}
		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if header.OpCode != ws.OpText || len(data) == 0 || s.onMessage == nil {
			continue
		}
		s.onMessage(c, data)
	}
}

// RemoveConnection closes c and runs the disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	s.logger.Info("ui disconnected", zap.String("conn", c.ID), zap.Int("total", s.conns.Count()))
}

// SendMessage writes a text frame to one connection.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return s.write(c, data)
}

// Broadcast writes a text frame to every connection.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.conns.All() {
		if err := s.write(c, data); err != nil {
			s.logger.Debug("broadcast write failed", zap.String("conn", c.ID), zap.Error(err))
		}
	}
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown closes every connection and waits for their goroutines.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		s.wg.Wait()
		s.logger.Info("control socket stopped")
	})
}
