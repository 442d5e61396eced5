package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalTracks is a MediaSource backed by one Opus audio and one VP8 video
// sample track. A capture pipeline feeds it through WriteSample; until then
// the tracks stay silent and the peer still negotiates both media lines.
type LocalTracks struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
}

// NewLocalTracks creates the tracks under the given stream id.
func NewLocalTracks(streamID string) (*LocalTracks, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("creating video track: %w", err)
	}
	return &LocalTracks{audio: audio, video: video}, nil
}

func (l *LocalTracks) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{l.audio, l.video}
}

// WriteSample forwards an encoded sample to every connection carrying the
// track of the given kind.
func (l *LocalTracks) WriteSample(kind MediaKind, sample media.Sample) error {
	switch kind {
	case Audio:
		return l.audio.WriteSample(sample)
	case Video:
		return l.video.WriteSample(sample)
	default:
		return fmt.Errorf("unknown media kind %q", kind)
	}
}
