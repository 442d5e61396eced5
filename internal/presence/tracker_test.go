package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTracker_ExpiresAfterTimeout(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(bus.NewMemory(nil), "school", "me", Config{Interval: 10 * time.Second, Timeout: 30 * time.Second}, nil)
	tr.now = clk.now

	tr.Observe("teacher-1", clk.now())
	assert.True(t, tr.IsOnline("teacher-1"))

	clk.advance(29 * time.Second)
	assert.True(t, tr.IsOnline("teacher-1"))

	clk.advance(2 * time.Second)
	assert.False(t, tr.IsOnline("teacher-1"))
	assert.Empty(t, tr.Online(), "stale entries are pruned on read")
}

func TestTracker_RenewalKeepsOnline(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(bus.NewMemory(nil), "school", "me", Config{Interval: 10 * time.Second, Timeout: 30 * time.Second}, nil)
	tr.now = clk.now

	tr.Observe("student-1", clk.now())
	clk.advance(20 * time.Second)
	tr.Observe("student-1", clk.now())
	clk.advance(20 * time.Second)
	assert.True(t, tr.IsOnline("student-1"))

	// an older heartbeat arriving late does not move last-seen back
	tr.Observe("student-1", clk.now().Add(-25*time.Second))
	clk.advance(9 * time.Second)
	assert.True(t, tr.IsOnline("student-1"))
	assert.False(t, tr.IsOnline("nobody"))
}

func TestTracker_HeartbeatsOverBus(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	cfg := Config{Interval: 20 * time.Millisecond, Timeout: time.Second}

	alice := NewTracker(b, "school", "alice", cfg, nil)
	bob := NewTracker(b, "school", "bob", cfg, nil)
	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())
	assert.ErrorIs(t, bob.Start(), ErrStarted)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, alice.Online()) &&
			assert.ObjectsAreEqual([]string{"alice", "bob"}, bob.Online())
	}, time.Second, 5*time.Millisecond)

	alice.Stop()
	bob.Stop()
	bob.Stop()
	assert.Equal(t, 0, b.Subscribers(bus.PresenceChannel("school")))
}
