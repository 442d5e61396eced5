package agent

import (
	"bufio"
	"context"
	"io"
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

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/classroom"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/identity"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/peer/peertest"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/presence"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
	ctlws "github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ws"
)

type world struct {
	bus *bus.Memory
	reg *registry.Memory
	net *peertest.Network
}

func newWorld(t *testing.T) *world {
	b := bus.NewMemory(nil)
	t.Cleanup(b.Close)
	return &world{bus: b, reg: registry.NewMemory(), net: peertest.NewNetwork()}
}

func (w *world) agent(t *testing.T, who identity.Identity) (*Agent, string) {
	t.Helper()
	cfg := classroom.DefaultConfig()
	cfg.Session.ConnectTimeout = 2 * time.Second
	cfg.Session.AttemptTimeout = 300 * time.Millisecond

	tracker := presence.NewTracker(w.bus, "test", who.ID, presence.Config{Interval: 20 * time.Millisecond, Timeout: time.Second}, nil)
	require.NoError(t, tracker.Start())

	a := New(Deps{
		Room: classroom.Deps{Session: session.Deps{
			Identity: identity.Static{Identity: who},
			Registry: w.reg,
			Bus:      w.bus,
			Peers:    w.net.Provider(),
		}},
		RoomConfig: cfg,
		Presence:   tracker,
		WS:         ctlws.DefaultServerConfig(),
	})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		srv.Close()
		tracker.Stop()
	})
	return a, srv.URL
}

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, base string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{bufio.NewReader(r), conn}}
}

func (c *client) send(msg string) {
	require.NoError(c.t, wsutil.WriteClientText(c.conn, []byte(msg)))
}

// await reads messages until one satisfies match.
func (c *client) await(match func(m map[string]interface{}) bool) map[string]interface{} {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		data, err := wsutil.ReadServerText(c.rw)
		require.NoError(c.t, err)
		var m map[string]interface{}
		require.NoError(c.t, sonic.Unmarshal(data, &m))
		if match(m) {
			return m
		}
	}
}

func isType(typ string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool { return m["type"] == typ }
}

func isState(state string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool { return m["type"] == "state" && m["state"] == state }
}

func TestAgent_StartJoinChat(t *testing.T) {
	w := newWorld(t)
	_, teacherURL := w.agent(t, identity.Identity{ID: "teacher-1", Role: identity.RoleTeacher})
	_, studentURL := w.agent(t, identity.Identity{ID: "student-1", Role: identity.RoleStudent})

	tc := dial(t, teacherURL)
	tc.await(isState("idle"))

	tc.send(`{"type":"start_session"}`)
	errMsg := tc.await(isType("error"))
	assert.Equal(t, "invalid_message", errMsg["code"])

	tc.send(`{"type":"start_session","student_id":"student-1"}`)
	connecting := tc.await(isState("connecting"))
	id := connecting["session_id"].(string)
	require.NotEmpty(t, id)

	sc := dial(t, studentURL)
	sc.send(`{"type":"join_session","session_id":"` + id + `"}`)
	sc.await(isState("connected"))
	tc.await(isState("connected"))

	resp, err := http.Get(teacherURL + "/v1/sessions/" + id)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"active"`)

	tc.send(`{"type":"sync_update","document_id":"an-nas","item_index":2,"scroll_offset":0}`)
	synced := sc.await(isType("sync_state"))
	assert.Equal(t, "an-nas", synced["state"].(map[string]interface{})["document_id"])

	sc.send(`{"type":"chat_send","body":"salam ustadh"}`)
	msg := tc.await(isType("chat_message"))
	assert.Equal(t, "salam ustadh", msg["message"].(map[string]interface{})["body"])

	sc.send(`{"type":"whiteboard_clear"}`)
	denied := sc.await(isType("error"))
	assert.Equal(t, "permission_denied", denied["code"])

	tc.send(`{"type":"whiteboard_clear"}`)
	local := tc.await(isType("whiteboard_clear"))
	remote := sc.await(isType("whiteboard_clear"))
	assert.Equal(t, remote["cleared_at"], local["cleared_at"])

	tc.send(`{"type":"leave_session"}`)
	sc.await(isState("ended"))
}

func TestAgent_HTTPSurface(t *testing.T) {
	w := newWorld(t)
	a, base := w.agent(t, identity.Identity{ID: "teacher-1", Role: identity.RoleTeacher})

	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"idle"`)

	code, _ = get("/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get("/v1/session")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"idle"`)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "classroom_")

	require.Eventually(t, func() bool {
		_, body := get("/v1/presence")
		return strings.Contains(body, "teacher-1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, a.Room())
}

func TestAgent_PingAndPresenceQuery(t *testing.T) {
	w := newWorld(t)
	_, base := w.agent(t, identity.Identity{ID: "student-9", Role: identity.RoleStudent})
	c := dial(t, base)

	c.send(`{"type":"ping"}`)
	c.await(isType("pong"))

	c.send(`{"type":"chat_send","body":"anyone?"}`)
	assert.Equal(t, "not_connected", c.await(isType("error"))["code"])

	c.send(`{"type":"presence_query"}`)
	p := c.await(isType("presence"))
	assert.Contains(t, p["online"], "student-9")
}
