package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

func startServer(t *testing.T, cfg ServerConfig) (*Server, *MessageDispatcher, string) {
	t.Helper()
	d := NewMessageDispatcher(nil)
	s := NewServer(cfg, d.Dispatch, nil)
	s.Start()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleUpgrade)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Shutdown()
		srv.Close()
	})
	return s, d, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msg string) map[string]interface{} {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(conn, []byte(msg)))
	return readJSON(t, conn)
}

func readJSON(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, sonic.Unmarshal(data, &out))
	return out
}

func TestServer_PingPong(t *testing.T) {
	_, _, url := startServer(t, DefaultServerConfig())
	conn := dial(t, url)

	out := roundTrip(t, conn, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, out["type"])
}

func TestServer_Errors(t *testing.T) {
	_, _, url := startServer(t, DefaultServerConfig())
	conn := dial(t, url)

	out := roundTrip(t, conn, `{"type":"launch_rockets"}`)
	assert.Equal(t, protocol.TypeError, out["type"])
	assert.Equal(t, "parse_error", out["code"])

	out = roundTrip(t, conn, `{"type":"retry"}`)
	assert.Equal(t, "unsupported_type", out["code"])
}

func TestServer_HandlerAndBroadcast(t *testing.T) {
	s, d, url := startServer(t, DefaultServerConfig())
	got := make(chan protocol.ChatSendMsg, 1)
	d.Register(protocol.TypeChatSend, func(_ *Connection, msg interface{}) {
		got <- msg.(protocol.ChatSendMsg)
	})

	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return s.Connections().Count() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, wsutil.WriteClientText(a, []byte(`{"type":"chat_send","body":"salam"}`)))
	select {
	case m := <-got:
		assert.Equal(t, "salam", m.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	s.Broadcast([]byte(`{"type":"notice","source":"test","message":"hi"}`))
	assert.Equal(t, "notice", readJSON(t, a)["type"])
	assert.Equal(t, "notice", readJSON(t, b)["type"])
}

func TestServer_DisconnectAndLimits(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxMessageBytes = 64
	s, _, url := startServer(t, cfg)
	gone := make(chan string, 2)
	s.SetOnDisconnect(func(id string) { gone <- id })

	conn := dial(t, url)
	require.Eventually(t, func() bool { return s.Connections().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"chat_send","body":"`+strings.Repeat("x", 100)+`"}`)))
	assert.Equal(t, "message_too_large", readJSON(t, conn)["code"])

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect callback")
	}
	assert.Equal(t, 0, s.Connections().Count())
	assert.ErrorIs(t, s.SendMessage("nope", []byte("x")), ErrConnectionNotFound)
}
