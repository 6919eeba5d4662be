package media

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/core"
	"github.com/dkurst/dialtone/internal/domain"
)

const (
	silenceInterval = 20 * time.Millisecond
	opusClockRate   = 48000
	opusPayloadType = 111
)

// Opus DTX frame: decodes to silence on the far side.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// Silence is a MediaSource for hosts without capture hardware (headless
// demo boxes, CI). It hands out a single opus track fed with silent
// frames so negotiation and the session lifecycle still work.
type Silence struct{}

func NewSilence() *Silence { return &Silence{} }

var _ core.MediaSource = (*Silence)(nil)

func (s *Silence) Acquire(_ context.Context, kind domain.CallKind) (core.MediaStream, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", "dialtone-silence",
	)
	if err != nil {
		return nil, err
	}
	st := &silentStream{track: track, stop: make(chan struct{})}
	go st.feed()
	log.Info().Str("module", "media").Str("kind", string(kind)).Msg("synthetic silence stream acquired")
	return st, nil
}

type silentStream struct {
	track *webrtc.TrackLocalStaticRTP
	stop  chan struct{}
	once  sync.Once
}

func (s *silentStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *silentStream) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *silentStream) feed() {
	seq := uint16(rand.Uint32())
	ts := rand.Uint32()
	ssrc := rand.Uint32()
	t := time.NewTicker(silenceInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    opusPayloadType,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           ssrc,
				},
				Payload: silentOpusFrame,
			}
			if err := s.track.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("silence write")
			}
			seq++
			ts += opusClockRate / 50
		}
	}
}
