package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// MediaSource supplies the local tracks attached to every new connection.
// Capture itself lives outside this package.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
}

// PionConfig tunes the pion provider.
type PionConfig struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	IncludeLoopback     bool
}

// DefaultPionConfig returns a config using a public STUN server and ICE
// timeouts short enough for the session's reconnection window.
func DefaultPionConfig() PionConfig {
	return PionConfig{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       10 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// PionProvider creates WebRTC peer connections. Negotiation is non-trickle:
// every description returned by Negotiate already carries its candidates.
type PionProvider struct {
	api    *webrtc.API
	config webrtc.Configuration
	media  MediaSource
	logger *zap.Logger
}

var _ Provider = (*PionProvider)(nil)

// NewPionProvider builds a provider. media may be nil for receive-only use.
func NewPionProvider(cfg PionConfig, media MediaSource, logger *zap.Logger) (*PionProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("peer: registering codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &PionProvider{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{ICEServers: servers},
		media:  media,
		logger: logger.Named("peer"),
	}, nil
}

// CreateConnection opens a peer connection with the local tracks attached.
func (p *PionProvider) CreateConnection(events Events) (Connection, error) {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	c := &pionConnection{
		pc:      pc,
		events:  events,
		logger:  p.logger,
		senders: make(map[MediaKind]*webrtc.RTPSender),
		tracks:  make(map[MediaKind]webrtc.TrackLocal),
	}

	if p.media != nil {
		for _, track := range p.media.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("adding %s track: %w", track.Kind(), err)
			}
			kind := MediaKind(track.Kind().String())
			c.senders[kind] = sender
			c.tracks[kind] = track
			go drainRTCP(sender)
		}
	}

	pc.OnConnectionStateChange(c.onStateChange)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Debug("remote track", zap.String("kind", track.Kind().String()), zap.String("id", track.ID()))
		c.events.track(MediaKind(track.Kind().String()), track.ID())
		go drainTrack(track)
	})

	return c, nil
}

type pionConnection struct {
	pc      *webrtc.PeerConnection
	events  Events
	logger  *zap.Logger
	senders map[MediaKind]*webrtc.RTPSender
	tracks  map[MediaKind]webrtc.TrackLocal

	mu     sync.Mutex
	closed bool
}

func (c *pionConnection) onStateChange(state webrtc.PeerConnectionState) {
	c.logger.Debug("peer connection state changed", zap.String("state", state.String()))

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.events.connected()
	case webrtc.PeerConnectionStateFailed:
		c.events.disconnected(errors.New("peer connection state is failed"))
	case webrtc.PeerConnectionStateClosed:
		c.events.disconnected(errors.New("peer connection state is closed"))
	}
}

func (c *pionConnection) Negotiate(ctx context.Context, incoming []byte) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if incoming == nil {
		c.ensureReceivers()
		offer, err := c.pc.CreateOffer(nil)
		if err != nil {
			return nil, fmt.Errorf("creating offer: %w", err)
		}
		return c.setLocalAndWait(ctx, offer)
	}

	var remote webrtc.SessionDescription
	if err := sonic.Unmarshal(incoming, &remote); err != nil {
		return nil, fmt.Errorf("decoding remote description: %w", err)
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	switch remote.Type {
	case webrtc.SDPTypeOffer:
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("creating answer: %w", err)
		}
		return c.setLocalAndWait(ctx, answer)
	case webrtc.SDPTypeAnswer:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedSignal, remote.Type)
	}
}

// ensureReceivers makes an offer without local media still ask for the
// remote side's audio and video.
func (c *pionConnection) ensureReceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := c.senders[MediaKind(kind.String())]; ok {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			c.logger.Warn("adding receive-only transceiver failed", zap.String("kind", kind.String()), zap.Error(err))
		}
	}
}

func (c *pionConnection) setLocalAndWait(ctx context.Context, desc webrtc.SessionDescription) ([]byte, error) {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-gathered:
	}

	out, err := sonic.Marshal(c.pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encoding local description: %w", err)
	}
	return out, nil
}

// SetMediaEnabled mutes a sender by detaching its track.
func (c *pionConnection) SetMediaEnabled(kind MediaKind, enabled bool) error {
	sender, ok := c.senders[kind]
	if !ok {
		return nil
	}
	if enabled {
		return sender.ReplaceTrack(c.tracks[kind])
	}
	return sender.ReplaceTrack(nil)
}

func (c *pionConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pc.Close()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
