package contentsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

// wire records every envelope a Sender emits, stamped with a role.
type wire struct {
	mu   sync.Mutex
	role string
	from string
	envs []*protocol.Envelope
}

func (w *wire) Send(kind string, payload interface{}) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	env.Role, env.From = w.role, w.from
	w.mu.Lock()
	w.envs = append(w.envs, env)
	w.mu.Unlock()
	return nil
}

func (w *wire) sent() []*protocol.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*protocol.Envelope(nil), w.envs...)
}

func pos(doc string, item int) protocol.SyncState {
	return protocol.SyncState{DocumentID: doc, ItemIndex: item}
}

func TestPublisher_LeadingAndTrailingEdge(t *testing.T) {
	w := &wire{role: protocol.RoleTeacher}
	p := NewPublisher(w, Config{PublishInterval: 50 * time.Millisecond}, nil)
	defer p.Close()

	for i := 1; i <= 20; i++ {
		require.NoError(t, p.Publish(pos("al-baqarah", i)))
	}
	require.Len(t, w.sent(), 1, "only the leading edge goes out immediately")

	require.Eventually(t, func() bool { return len(w.sent()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	sent := w.sent()
	require.Len(t, sent, 2)

	var last protocol.SyncState
	require.NoError(t, sent[1].DecodePayload(&last))
	assert.Equal(t, 20, last.ItemIndex)
}

func TestPublisher_RevisionsIncrease(t *testing.T) {
	w := &wire{role: protocol.RoleTeacher}
	p := NewPublisher(w, Config{}, nil)
	fixed := time.UnixMicro(1_000)
	p.now = func() time.Time { return fixed }

	require.NoError(t, p.Publish(pos("a", 1)))
	require.NoError(t, p.Publish(pos("a", 2)))

	var first, second protocol.SyncState
	require.NoError(t, w.sent()[0].DecodePayload(&first))
	require.NoError(t, w.sent()[1].DecodePayload(&second))
	assert.Greater(t, second.Rev, first.Rev)
}

func TestFollower_ConvergesDespiteLoss(t *testing.T) {
	w := &wire{role: protocol.RoleTeacher, from: "teacher-1"}
	p := NewPublisher(w, Config{}, nil)

	var applied []protocol.SyncState
	f := NewFollower(&wire{role: protocol.RoleStudent}, func(s protocol.SyncState) { applied = append(applied, s) })

	for i := 1; i <= 10; i++ {
		require.NoError(t, p.Publish(pos("yasin", i)))
	}
	// only the last update survives the bus
	sent := w.sent()
	f.Handle(sent[len(sent)-1])

	got, ok := f.State()
	require.True(t, ok)
	want, _ := p.Current()
	assert.Equal(t, want, got)
	assert.Len(t, applied, 1)
}

func TestFollower_IgnoresReorderedAndForeign(t *testing.T) {
	w := &wire{role: protocol.RoleTeacher}
	p := NewPublisher(w, Config{}, nil)
	require.NoError(t, p.Publish(pos("al-mulk", 1)))
	require.NoError(t, p.Publish(pos("al-mulk", 2)))
	older, newer := w.sent()[0], w.sent()[1]

	f := NewFollower(&wire{}, nil)
	f.Handle(newer)
	f.Handle(older)
	got, _ := f.State()
	assert.Equal(t, 2, got.ItemIndex)

	// a student cannot move the mirror
	student := &wire{role: protocol.RoleStudent}
	require.NoError(t, student.Send(protocol.KindSync, protocol.SyncState{DocumentID: "x", ItemIndex: 9, Rev: ^uint64(0)}))
	f.Handle(student.sent()[0])
	got, _ = f.State()
	assert.Equal(t, "al-mulk", got.DocumentID)
}

func TestSyncRequest_RoundTrip(t *testing.T) {
	studentWire := &wire{role: protocol.RoleStudent, from: "student-1"}
	f := NewFollower(studentWire, nil)
	require.NoError(t, f.Request(pos("al-kahf", 10)))

	p := NewPublisher(&wire{role: protocol.RoleTeacher}, Config{}, nil)
	var from string
	var requested protocol.SyncState
	p.OnRequest(func(who string, s protocol.SyncState) { from, requested = who, s })

	p.HandleRequest(studentWire.sent()[0])
	assert.Equal(t, "student-1", from)
	assert.Equal(t, 10, requested.ItemIndex)

	// the follower's own view is untouched
	_, ok := f.State()
	assert.False(t, ok)
}

func TestPublisher_RepublishAndClose(t *testing.T) {
	w := &wire{role: protocol.RoleTeacher}
	p := NewPublisher(w, Config{}, nil)

	require.NoError(t, p.Republish())
	assert.Empty(t, w.sent())

	require.NoError(t, p.Publish(pos("a", 1)))
	require.NoError(t, p.Republish())
	require.Len(t, w.sent(), 2)

	p.Close()
	assert.ErrorIs(t, p.Publish(pos("a", 2)), ErrClosed)
	assert.ErrorIs(t, p.Republish(), ErrClosed)
}

func TestReset_ForgetsPosition(t *testing.T) {
	w := &wire{role: protocol.RoleTeacher}
	p := NewPublisher(w, Config{PublishInterval: 50 * time.Millisecond}, nil)
	defer p.Close()

	require.NoError(t, p.Publish(pos("yasin", 1)))
	require.NoError(t, p.Publish(pos("yasin", 2)))
	first := w.sent()[0]
	p.Reset()

	_, ok := p.Current()
	assert.False(t, ok)
	require.NoError(t, p.Republish())
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, w.sent(), 1, "the pending trailing send is dropped")

	f := NewFollower(&wire{role: protocol.RoleStudent}, nil)
	f.Handle(first)
	_, ok = f.State()
	require.True(t, ok)
	f.Reset()
	_, ok = f.State()
	assert.False(t, ok)
}
