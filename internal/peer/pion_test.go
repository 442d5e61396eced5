package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionProvider_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE negotiation in short mode")
	}

	cfg := DefaultPionConfig()
	cfg.ICEServers = nil
	cfg.IncludeLoopback = true

	offerer, err := NewPionProvider(cfg, nil, nil)
	require.NoError(t, err)
	answerer, err := NewPionProvider(cfg, nil, nil)
	require.NoError(t, err)

	offerUp := make(chan struct{}, 1)
	answerUp := make(chan struct{}, 1)

	a, err := offerer.CreateConnection(Events{OnConnected: func() { offerUp <- struct{}{} }})
	require.NoError(t, err)
	defer a.Close()
	b, err := answerer.CreateConnection(Events{OnConnected: func() { answerUp <- struct{}{} }})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := a.Negotiate(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, offer)

	answer, err := b.Negotiate(ctx, offer)
	require.NoError(t, err)
	require.NotEmpty(t, answer)

	out, err := a.Negotiate(ctx, answer)
	require.NoError(t, err)
	assert.Nil(t, out)

	for _, ch := range []chan struct{}{offerUp, answerUp} {
		select {
		case <-ch:
		case <-ctx.Done():
			t.Fatal("peers did not connect")
		}
	}
}

func TestPionProvider_RejectsGarbage(t *testing.T) {
	p, err := NewPionProvider(DefaultPionConfig(), nil, nil)
	require.NoError(t, err)
	c, err := p.CreateConnection(Events{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Negotiate(context.Background(), []byte(`not json`))
	assert.Error(t, err)
}

func TestPionConnection_ClosedNegotiate(t *testing.T) {
	p, err := NewPionProvider(DefaultPionConfig(), nil, nil)
	require.NoError(t, err)
	c, err := p.CreateConnection(Events{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Negotiate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.SetMediaEnabled(Audio, false))
}

func TestLocalTracks_AttachedToConnections(t *testing.T) {
	local, err := NewLocalTracks("classroom")
	require.NoError(t, err)
	require.Len(t, local.Tracks(), 2)

	cfg := DefaultPionConfig()
	cfg.ICEServers = nil
	p, err := NewPionProvider(cfg, local, nil)
	require.NoError(t, err)

	c, err := p.CreateConnection(Events{})
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.SetMediaEnabled(Audio, false))
	assert.NoError(t, c.SetMediaEnabled(Video, false))
	assert.NoError(t, c.SetMediaEnabled(Audio, true))

	assert.Error(t, local.WriteSample(MediaKind("screen"), media.Sample{}))
}
