package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/identity"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/peer"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/peer/peertest"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/signaling"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	teacherID  = identity.Identity{ID: "teacher-1", Role: identity.RoleTeacher}
	studentID  = identity.Identity{ID: "student-1", Role: identity.RoleStudent}
	observerID = identity.Identity{ID: "admin-1", Role: identity.RoleAdmin}
)

func testConfig() Config {
	return Config{
		ConnectTimeout:  2 * time.Second,
		AttemptTimeout:  300 * time.Millisecond,
		RegistryTimeout: time.Second,
		MaxReconnects:   3,
		BackoffBase:     10 * time.Millisecond,
		BackoffMax:      40 * time.Millisecond,
		IdleTimeout:     time.Minute,
	}
}

type harness struct {
	bus *bus.Memory
	reg *registry.Memory
	net *peertest.Network
	cfg Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.NewMemory(nil)
	t.Cleanup(b.Close)
	return &harness{bus: b, reg: registry.NewMemory(), net: peertest.NewNetwork(), cfg: testConfig()}
}

func (h *harness) coordinator(t *testing.T, who identity.Identity) *Coordinator {
	t.Helper()
	c := NewCoordinator(Deps{
		Identity: identity.Static{Identity: who},
		Registry: h.reg,
		Bus:      h.bus,
		Peers:    h.net.Provider(),
	}, h.cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

type result struct {
	snap Snapshot
	err  error
}

// startAsync runs StartSession in the background and waits for the row.
func startAsync(t *testing.T, c *Coordinator) (string, <-chan result) {
	t.Helper()
	out := make(chan result, 1)
	go func() {
		s, err := c.StartSession(context.Background(), studentID.ID)
		out <- result{s, err}
	}()
	require.Eventually(t, func() bool { return c.SessionID() != "" }, waitFor, tick)
	return c.SessionID(), out
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().State == want }, waitFor, tick,
		"want %s, have %s", want, c.Snapshot().State)
}

// connectPair starts a session and joins it, returning both connected ends.
func connectPair(t *testing.T, h *harness) (teacher, student *Coordinator, sessionID string) {
	t.Helper()
	teacher = h.coordinator(t, teacherID)
	student = h.coordinator(t, studentID)

	sessionID, started := startAsync(t, teacher)
	snap, err := student.JoinSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, snap.State)

	res := <-started
	require.NoError(t, res.err)
	assert.Equal(t, StateConnected, res.snap.State)
	return teacher, student, sessionID
}

func TestStartJoinLeave(t *testing.T) {
	h := newHarness(t)
	teacher, student, id := connectPair(t, h)

	row, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, row.Status)
	assert.False(t, row.StartedAt.IsZero())
	assert.Equal(t, studentID.ID, row.StudentID)

	require.Eventually(t, func() bool { return len(teacher.Snapshot().Remote) == 1 }, waitFor, tick)
	assert.Equal(t, studentID.ID, teacher.Snapshot().Remote[0].Identity)
	assert.Equal(t, teacher.Snapshot().Attempt, student.Snapshot().Attempt)

	require.NoError(t, teacher.LeaveSession(context.Background()))
	assert.Equal(t, StateEnded, teacher.Snapshot().State)

	waitState(t, student, StateEnded)
	assert.Equal(t, "session ended by teacher", student.Snapshot().Reason)

	row, err = h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, row.Status)
	assert.False(t, row.EndedAt.Before(row.StartedAt))
	assert.Equal(t, 0, h.net.Open())
	assert.Equal(t, 0, h.bus.Subscribers(bus.SessionChannel(id)))
}

func TestJoin_MissingSession(t *testing.T) {
	h := newHarness(t)
	student := h.coordinator(t, studentID)

	snap, err := student.JoinSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, CodeSessionNotFound, snap.Code)
}

func TestJoin_EndedSession(t *testing.T) {
	h := newHarness(t)
	h.reg.Put(registry.Session{ID: "old", TeacherID: teacherID.ID, StudentID: studentID.ID, Status: registry.StatusEnded})
	student := h.coordinator(t, studentID)

	_, err := student.JoinSession(context.Background(), "old")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoin_WrongStudent(t *testing.T) {
	h := newHarness(t)
	h.reg.Put(registry.Session{ID: "s1", TeacherID: teacherID.ID, StudentID: "someone-else", Status: registry.StatusActive})
	student := h.coordinator(t, studentID)

	_, err := student.JoinSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, CodePermissionDenied, CodeOf(err))
}

func TestStart_RequiresTeacher(t *testing.T) {
	h := newHarness(t)
	student := h.coordinator(t, studentID)

	_, err := student.StartSession(context.Background(), "student-2")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, StateIdle, student.Snapshot().State)
}

func TestJoin_TeacherDenied(t *testing.T) {
	h := newHarness(t)
	teacher := h.coordinator(t, teacherID)

	_, err := teacher.JoinSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestStart_RejectedWhileLive(t *testing.T) {
	h := newHarness(t)
	teacher, _, _ := connectPair(t, h)

	_, err := teacher.StartSession(context.Background(), studentID.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateConnected, teacher.Snapshot().State)
}

func TestStart_TimesOutWithoutStudent(t *testing.T) {
	h := newHarness(t)
	h.cfg.ConnectTimeout = 100 * time.Millisecond
	teacher := h.coordinator(t, teacherID)

	snap, err := teacher.StartSession(context.Background(), studentID.ID)
	assert.ErrorIs(t, err, ErrNegotiationTimeout)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, CodeNegotiationTimeout, snap.Code)
	assert.NotEmpty(t, snap.Reason)
	assert.Equal(t, 0, h.bus.Subscribers(bus.SessionChannel(snap.SessionID)))
}

func TestStart_CallerDeadline(t *testing.T) {
	h := newHarness(t)
	teacher := h.coordinator(t, teacherID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	snap, err := teacher.StartSession(ctx, studentID.ID)
	assert.ErrorIs(t, err, ErrNegotiationTimeout)
	assert.Equal(t, StateFailed, snap.State)
}

func TestStart_NegotiationError(t *testing.T) {
	h := newHarness(t)
	h.net.SetFailing(true)
	teacher := h.coordinator(t, teacherID)
	student := h.coordinator(t, studentID)

	id, started := startAsync(t, teacher)
	go student.JoinSession(context.Background(), id)

	res := <-started
	assert.ErrorIs(t, res.err, ErrNegotiationFailed)
	assert.Equal(t, StateFailed, res.snap.State)
}

func TestRetry_AfterTimeout(t *testing.T) {
	h := newHarness(t)
	teacher := h.coordinator(t, teacherID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	snap, err := teacher.StartSession(ctx, studentID.ID)
	require.ErrorIs(t, err, ErrNegotiationTimeout)
	id := snap.SessionID
	require.NotEmpty(t, id)

	retried := make(chan error, 1)
	go func() {
		_, err := teacher.Retry(context.Background())
		retried <- err
	}()
	waitState(t, teacher, StateConnecting)

	student := h.coordinator(t, studentID)
	_, err = student.JoinSession(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, <-retried)
	assert.Equal(t, id, teacher.SessionID())
	// one subscription per participant, none left over from the failed try
	assert.Equal(t, 2, h.bus.Subscribers(bus.SessionChannel(id)))
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	h := newHarness(t)
	teacher := h.coordinator(t, teacherID)

	_, err := teacher.Retry(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStudentLeave_KeepsRowActive(t *testing.T) {
	h := newHarness(t)
	teacher, student, id := connectPair(t, h)

	require.NoError(t, student.LeaveSession(context.Background()))
	assert.Equal(t, StateEnded, student.Snapshot().State)

	waitState(t, teacher, StateConnecting)
	assert.Equal(t, "student left", teacher.Snapshot().Reason)

	row, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, row.Status)

	before := student.Instance()
	snap, err := student.JoinSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, snap.State)
	assert.NotEqual(t, before, snap.Instance)
	waitState(t, teacher, StateConnected)
	assert.Equal(t, teacher.Snapshot().Attempt, student.Snapshot().Attempt)
	require.Eventually(t, func() bool { return len(teacher.Snapshot().Remote) == 1 }, waitFor, tick)
}

func TestTeacher_SecondSessionAfterLeave(t *testing.T) {
	h := newHarness(t)
	teacher, student, first := connectPair(t, h)

	require.NoError(t, teacher.LeaveSession(context.Background()))
	waitState(t, student, StateEnded)

	started := make(chan result, 1)
	go func() {
		s, err := teacher.StartSession(context.Background(), studentID.ID)
		started <- result{s, err}
	}()
	require.Eventually(t, func() bool {
		id := teacher.SessionID()
		return id != "" && id != first
	}, waitFor, tick)
	second := teacher.SessionID()

	snap, err := student.JoinSession(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, second, snap.SessionID)

	res := <-started
	require.NoError(t, res.err)
	assert.Equal(t, StateConnected, res.snap.State)
	assert.Len(t, res.snap.Remote, 1)

	row, err := h.reg.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, row.Status)
	assert.Equal(t, 0, h.bus.Subscribers(bus.SessionChannel(first)))
}

func TestJoin_AfterFailureOtherSession(t *testing.T) {
	h := newHarness(t)
	teacher := h.coordinator(t, teacherID)
	student := h.coordinator(t, studentID)

	_, err := student.JoinSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, StateFailed, student.Snapshot().State)

	id, started := startAsync(t, teacher)
	snap, err := student.JoinSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, snap.State)
	assert.Empty(t, snap.Code)
	require.NoError(t, (<-started).err)
}

func TestIdleTimeout_EndsSession(t *testing.T) {
	h := newHarness(t)
	h.cfg.IdleTimeout = 100 * time.Millisecond
	teacher, student, id := connectPair(t, h)

	require.NoError(t, student.LeaveSession(context.Background()))
	waitState(t, teacher, StateEnded)

	row, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, row.Status)
}

func TestStaleAttemptIgnored(t *testing.T) {
	h := newHarness(t)
	teacher, student, id := connectPair(t, h)

	// Force a second attempt so there is an older one to replay.
	student.post(func() { student.closePC(); student.announce() })
	require.Eventually(t, func() bool {
		return student.Snapshot().Attempt == 2 && student.Snapshot().State == StateConnected
	}, waitFor, tick)
	negotiations := h.net.Negotiations()

	forged, err := signaling.Open(h.bus, id, signaling.Local{
		Identity: teacherID.ID,
		Role:     protocol.RoleTeacher,
		Instance: teacher.Instance(),
	}, func(*protocol.Envelope) {}, nil)
	require.NoError(t, err)
	defer forged.Close()
	require.NoError(t, forged.Send(protocol.KindNegotiate, 1, protocol.NegotiatePayload{Blob: []byte(`{"type":"offer","id":"stale"}`)}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, student.Snapshot().State)
	assert.Equal(t, uint64(2), student.Snapshot().Attempt)
	assert.Equal(t, negotiations, h.net.Negotiations())
}

func TestJoin_BadPayloadIgnored(t *testing.T) {
	h := newHarness(t)
	teacher, _, id := connectPair(t, h)

	forged, err := signaling.Open(h.bus, id, signaling.Local{
		Identity: "admin-9",
		Role:     protocol.RoleObserver,
		Instance: "forged",
	}, func(*protocol.Envelope) {}, nil)
	require.NoError(t, err)
	defer forged.Close()

	require.NoError(t, forged.Send(protocol.KindJoin, 0, "not a join payload"))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, teacher.Snapshot().Remote, 1)
	assert.Equal(t, StateConnected, teacher.Snapshot().State)

	require.NoError(t, forged.Send(protocol.KindJoin, 0, protocol.JoinPayload{Muted: true}))
	require.Eventually(t, func() bool { return len(teacher.Snapshot().Remote) == 2 }, waitFor, tick)
}

func TestReconnect_AfterDisconnect(t *testing.T) {
	h := newHarness(t)
	teacher, student, id := connectPair(t, h)
	before := teacher.Snapshot().Attempt

	row, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	startedAt := row.StartedAt

	updates, cancel := teacher.Watch()
	defer cancel()

	h.net.Sever()

	sawReconnecting := false
	deadline := time.After(waitFor)
	for !sawReconnecting {
		select {
		case s := <-updates:
			sawReconnecting = s.State == StateReconnecting
		case <-deadline:
			t.Fatal("teacher never entered reconnecting")
		}
	}

	waitState(t, teacher, StateConnected)
	waitState(t, student, StateConnected)
	assert.Greater(t, teacher.Snapshot().Attempt, before)

	row, err = h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, startedAt, row.StartedAt)
}

func TestReconnect_Exhausted(t *testing.T) {
	h := newHarness(t)
	teacher, student, _ := connectPair(t, h)

	h.net.SetFailing(true)
	h.net.Sever()

	waitState(t, teacher, StateFailed)
	waitState(t, student, StateFailed)
	assert.Equal(t, CodeNegotiationFailed, teacher.Snapshot().Code)
	assert.Equal(t, CodeNegotiationFailed, student.Snapshot().Code)
	assert.Equal(t, 0, h.net.Open())
}

func TestToggle(t *testing.T) {
	h := newHarness(t)
	teacher := h.coordinator(t, teacherID)

	// out of state: silently ignored
	require.NoError(t, teacher.ToggleMic())
	assert.False(t, teacher.Snapshot().Local.Muted)

	h2 := newHarness(t)
	teacher, student, _ := connectPair(t, h2)

	require.NoError(t, teacher.ToggleMic())
	require.NoError(t, teacher.ToggleCamera())
	assert.True(t, teacher.Snapshot().Local.Muted)
	assert.True(t, teacher.Snapshot().Local.CameraOff)

	require.Eventually(t, func() bool {
		r := student.Snapshot().Remote
		return len(r) == 1 && r[0].Muted && r[0].CameraOff
	}, waitFor, tick)

	var disabled bool
	for _, conn := range h2.net.Conns() {
		if !conn.MediaEnabled(peer.Audio) {
			disabled = true
		}
	}
	assert.True(t, disabled)

	require.NoError(t, teacher.ToggleMic())
	assert.False(t, teacher.Snapshot().Local.Muted)
}

func TestObserver(t *testing.T) {
	h := newHarness(t)
	teacher, _, id := connectPair(t, h)
	observer := h.coordinator(t, observerID)

	snap, err := observer.JoinSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, protocol.RoleObserver, snap.Local.Role)

	assert.ErrorIs(t, observer.ToggleMic(), ErrPermissionDenied)

	require.Eventually(t, func() bool { return len(teacher.Snapshot().Remote) == 2 }, waitFor, tick)
	assert.Equal(t, StateConnected, teacher.Snapshot().State)

	require.NoError(t, teacher.LeaveSession(context.Background()))
	waitState(t, observer, StateEnded)
}

func TestKick(t *testing.T) {
	h := newHarness(t)
	teacher, student, id := connectPair(t, h)

	assert.ErrorIs(t, student.Kick(context.Background(), teacherID.ID), ErrPermissionDenied)

	require.NoError(t, teacher.Kick(context.Background(), studentID.ID))
	waitState(t, student, StateEnded)
	assert.Equal(t, "removed by teacher", student.Snapshot().Reason)

	row, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, row.Status)

	// the row stays open, so the student may come back
	_, err = student.JoinSession(context.Background(), id)
	require.NoError(t, err)
	waitState(t, teacher, StateConnected)
}

func TestSendAndHandle(t *testing.T) {
	h := newHarness(t)
	teacher := h.coordinator(t, teacherID)
	assert.ErrorIs(t, teacher.Send(protocol.KindChat, protocol.ChatMessage{}), ErrNotConnected)

	teacher, student, _ := connectPair(t, h)

	got := make(chan *protocol.Envelope, 1)
	student.Handle(protocol.KindChat, func(env *protocol.Envelope) { got <- env })

	assert.Error(t, teacher.Send(protocol.KindJoin, nil))
	require.NoError(t, teacher.Send(protocol.KindChat, protocol.ChatMessage{ID: "m1", Sender: teacherID.ID, Body: "salam"}))

	select {
	case env := <-got:
		var msg protocol.ChatMessage
		require.NoError(t, env.DecodePayload(&msg))
		assert.Equal(t, "salam", msg.Body)
		assert.Equal(t, protocol.RoleTeacher, env.Role)
	case <-time.After(waitFor):
		t.Fatal("chat envelope not delivered")
	}
}

func TestResumeSession(t *testing.T) {
	h := newHarness(t)
	teacher, student, id := connectPair(t, h)

	// The teacher's client restarts without leaving.
	teacher.post(func() { teacher.teardown(); teacher.state = StateIdle })
	restarted := h.coordinator(t, teacherID)

	snap, err := restarted.ResumeSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, snap.State)
	waitState(t, student, StateConnected)

	other := h.coordinator(t, identity.Identity{ID: "teacher-2", Role: identity.RoleTeacher})
	_, err = other.ResumeSession(context.Background(), id)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	missing := h.coordinator(t, teacherID)
	_, err = missing.ResumeSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClose_IsLeave(t *testing.T) {
	h := newHarness(t)
	teacher, student, id := connectPair(t, h)

	require.NoError(t, teacher.Close())
	require.NoError(t, teacher.Close())
	waitState(t, student, StateEnded)

	row, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, row.Status)

	_, err = teacher.StartSession(context.Background(), studentID.ID)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 5*time.Second, cfg.backoff(4))
	assert.Equal(t, 5*time.Second, cfg.backoff(10))
}
