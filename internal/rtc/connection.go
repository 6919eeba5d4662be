// Package rtc adapts pion/webrtc to the core.PeerLink port. It does
// the SDP/ICE mechanics; the session machine decides when they run.
package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/core"
	"github.com/dkurst/dialtone/internal/domain"
)

type Config struct {
	STUNServers []string
}

func DefaultConfig() Config {
	return Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// NewFactory builds a PeerLinkFactory sharing one webrtc API. A nil
// selector registers the default codecs; otherwise the media engine is
// populated from the capture codec selector so local tracks negotiate
// the codecs they actually encode.
func NewFactory(cfg Config, selector *mediadevices.CodecSelector) (core.PeerLinkFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if selector != nil {
		selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	servers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, u := range cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	wcfg := webrtc.Configuration{ICEServers: servers}

	return func() (core.PeerLink, error) {
		pc, err := api.NewPeerConnection(wcfg)
		if err != nil {
			return nil, err
		}
		return &Connection{
			pc:      pc,
			senders: make(map[webrtc.RTPCodecType]*senderSlot),
		}, nil
	}, nil
}

type senderSlot struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Connection wraps one *webrtc.PeerConnection for one call.
type Connection struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*senderSlot
	closed  bool
	failed  bool

	onICE     func(domain.ICECandidate)
	onTrack   func(*webrtc.TrackRemote)
	onFailure func(error)
}

var _ core.PeerLink = (*Connection)(nil)

func (c *Connection) OnICECandidate(fn func(domain.ICECandidate)) { c.onICE = fn }

func (c *Connection) OnRemoteTrack(fn func(*webrtc.TrackRemote)) { c.onTrack = fn }

func (c *Connection) OnFailure(fn func(error)) { c.onFailure = fn }

func (c *Connection) Start(ctx context.Context) error {
	_, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed {
			c.fail(errors.New("ice connection failed"))
		}
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			c.fail(errors.New("peer connection failed"))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(fromCandidateInit(cand.ToJSON()))
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track received")
		if c.onTrack != nil {
			c.onTrack(track)
		}
	})

	return nil
}

func (c *Connection) AddLocalTracks(stream core.MediaStream) error {
	for _, track := range stream.Tracks() {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.senders[track.Kind()] = &senderSlot{sender: sender, track: track}
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SDP, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDP{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SDP{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return domain.SDP{}, ctx.Err()
	}
	return fromSessionDescription(c.pc.LocalDescription()), nil
}

func (c *Connection) AcceptOffer(ctx context.Context, offer domain.SDP) (domain.SDP, error) {
	if err := c.pc.SetRemoteDescription(toSessionDescription(offer)); err != nil {
		return domain.SDP{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDP{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SDP{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return domain.SDP{}, ctx.Err()
	}
	return fromSessionDescription(c.pc.LocalDescription()), nil
}

func (c *Connection) AcceptAnswer(answer domain.SDP) error {
	return c.pc.SetRemoteDescription(toSessionDescription(answer))
}

func (c *Connection) AddICECandidate(ci domain.ICECandidate) error {
	return c.pc.AddICECandidate(toCandidateInit(ci))
}

// SetAudioEnabled pauses or resumes the audio sender by swapping its
// track against nil; no renegotiation needed.
func (c *Connection) SetAudioEnabled(enabled bool) {
	c.setEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

func (c *Connection) SetVideoEnabled(enabled bool) {
	c.setEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (c *Connection) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	c.mu.Lock()
	slot := c.senders[kind]
	c.mu.Unlock()
	if slot == nil {
		return
	}
	var track webrtc.TrackLocal
	if enabled {
		track = slot.track
	}
	if err := slot.sender.ReplaceTrack(track); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("kind", kind.String()).Bool("enabled", enabled).Msg("replace track")
	}
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("closed")
	}
}

// fail reports a dead connection upward exactly once.
func (c *Connection) fail(cause error) {
	c.mu.Lock()
	if c.closed || c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.mu.Unlock()
	if c.onFailure != nil {
		c.onFailure(cause)
	}
}

func toSessionDescription(s domain.SDP) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}

func fromSessionDescription(sd *webrtc.SessionDescription) domain.SDP {
	if sd == nil {
		return domain.SDP{}
	}
	return domain.SDP{Type: sd.Type.String(), SDP: sd.SDP}
}

func toCandidateInit(ci domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func fromCandidateInit(ci webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}
