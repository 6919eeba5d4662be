// Package media acquires and releases the local capture stream. It is
// the only component allowed to touch microphone/camera hardware;
// release runs exactly once per acquired stream, from the session
// teardown path.
package media

import (
	"context"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/core"
	"github.com/dkurst/dialtone/internal/domain"
)

// Capture is the hardware-backed MediaSource.
type Capture struct {
	selector *mediadevices.CodecSelector
}

func NewCapture() (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Capture{selector: selector}, nil
}

// Selector exposes the codec selector so the peer-link factory can
// populate its media engine with the same codecs.
func (c *Capture) Selector() *mediadevices.CodecSelector { return c.selector }

var _ core.MediaSource = (*Capture)(nil)

// Acquire opens the capture devices for the call kind. GetUserMedia
// fails as a unit if either requested track can't be opened, so a video
// call falls back to audio-only before giving up.
func (c *Capture) Acquire(ctx context.Context, kind domain.CallKind) (core.MediaStream, error) {
	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if kind == domain.CallVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG camera nodes can poison the
				// VP8 encoder and break SDP negotiation.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("module", "media").Str("attempt", a.label).Msg("capture attempt failed")
			continue
		}
		tracks := stream.GetTracks()
		log.Info().Str("module", "media").Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return &deviceStream{tracks: tracks}, nil
	}
	return nil, domain.WrapError(domain.KindMediaDenied, "media capture failed", lastErr)
}

type deviceStream struct {
	mu     sync.Mutex
	tracks []mediadevices.Track
	closed bool
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("track_id", t.ID()).Msg("track close")
		}
	}
	log.Info().Str("module", "media").Int("tracks", len(tracks)).Msg("local media released")
}
