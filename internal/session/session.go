// Package session holds the call session state machine: the single
// coordinator that reconciles local intents, remote signaling events
// and timers into one consistent call lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/core"
	"github.com/dkurst/dialtone/internal/domain"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrMachineClosed  = errors.New("session machine closed")
)

const listenerID = "call-session"

const defaultRingingTimeout = 30 * time.Second

// Machine owns the one live CallSession. Every transition, remote event
// and timer fire is serialized through a single mutex; blocking work
// (media acquisition, SDP exchange) happens outside the lock and is
// re-validated against a session generation counter afterwards, so a
// superseded session ignores late completions.
type Machine struct {
	signaler core.Signaler
	media    core.MediaSource
	newLink  core.PeerLinkFactory
	self     domain.Peer

	ringTimeout time.Duration
	tick        time.Duration

	// onChange and onNotice run with the machine lock held; they must
	// not call back into the Machine synchronously.
	onChange func(domain.CallSession)
	onNotice func(domain.Notice)

	ctx context.Context

	mu      sync.Mutex
	cur     *domain.CallSession
	gen     uint64
	link    core.PeerLink
	stream  core.MediaStream
	ring    *time.Timer
	durStop chan struct{}
	subs    []core.Subscription
	closed  bool
}

type Option func(*Machine)

func WithRingingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

// WithTickInterval overrides the one-second duration tick (tests).
func WithTickInterval(d time.Duration) Option {
	return func(m *Machine) { m.tick = d }
}

func WithOnChange(fn func(domain.CallSession)) Option {
	return func(m *Machine) { m.onChange = fn }
}

func WithNotices(fn func(domain.Notice)) Option {
	return func(m *Machine) { m.onNotice = fn }
}

func New(signaler core.Signaler, media core.MediaSource, newLink core.PeerLinkFactory, self domain.Peer, opts ...Option) *Machine {
	m := &Machine{
		signaler:    signaler,
		media:       media,
		newLink:     newLink,
		self:        self,
		ringTimeout: defaultRingingTimeout,
		tick:        time.Second,
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start registers the machine's remote-event listeners. It is the
// process-bootstrap initialization step; call it once.
func (m *Machine) Start(ctx context.Context) error {
	if ctx != nil {
		m.ctx = ctx
	}
	handlers := []struct {
		event domain.EventName
		fn    func(json.RawMessage)
	}{
		{domain.EventCallInitiated, m.onCallInitiated},
		{domain.EventCallIncoming, m.onCallIncoming},
		{domain.EventCallAccepted, m.onCallAccepted},
		{domain.EventCallRejected, m.onCallRejected},
		{domain.EventCallEnded, m.onCallEnded},
		{domain.EventCallMissed, m.onCallMissed},
		{domain.EventWebRTCOffer, m.onOffer},
		{domain.EventWebRTCAnswer, m.onAnswer},
		{domain.EventWebRTCICECandidate, m.onCandidate},
	}
	var subs []core.Subscription
	for _, h := range handlers {
		sub, err := m.signaler.On(h.event, listenerID, h.fn)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}
	m.mu.Lock()
	m.subs = subs
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current session; an idle sentinel when
// no call is live.
func (m *Machine) Snapshot() domain.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Initiate starts an outgoing call. The session enters calling and
// waits for the relay to assign the call id.
func (m *Machine) Initiate(peer domain.Peer, kind domain.CallKind, roomID domain.RoomID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMachineClosed
	}
	if m.cur != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.gen++
	p := peer
	m.cur = &domain.CallSession{
		Direction: domain.DirectionOutgoing,
		Kind:      kind,
		Peer:      &p,
		RoomID:    roomID,
		Status:    domain.StatusCalling,
	}
	gen := m.gen
	m.changedLocked()
	m.mu.Unlock()

	log.Info().Str("module", "session").Str("peer", string(peer.ID)).Str("kind", string(kind)).Msg("initiating call")
	err := m.emit(domain.EventCallInitiate, domain.CallInitiatePayload{
		TargetUserID: peer.ID,
		CallType:     kind,
		RoomID:       roomID,
	})
	if err != nil && !errors.Is(err, domain.ErrNotConnected) {
		m.fail(gen, domain.NoticeConnectFailed)
		return err
	}
	return nil
}

// Accept answers a ringing incoming call: cancel the ringing timer,
// acquire local media and start negotiation as the answerer. A second
// Accept while already connecting or connected is a no-op.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	c := m.cur
	if c == nil || c.Direction != domain.DirectionIncoming || c.Status != domain.StatusRinging {
		m.mu.Unlock()
		return nil
	}
	m.stopRingLocked()
	c.Status = domain.StatusConnecting
	gen := m.gen
	callID, peerID, kind := c.CallID, c.Peer.ID, c.Kind
	m.changedLocked()
	m.mu.Unlock()

	stream, link, err := m.setup(ctx, gen, kind, domain.EventCallRejected, domain.CallRejectedPayload{CallID: callID, CallerID: peerID})
	if err != nil {
		return err
	}
	if stream == nil || link == nil {
		return nil // superseded while blocked
	}

	m.emit(domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: callID, CallerID: peerID})
	return nil
}

// Reject declines a ringing incoming call. No media was acquired yet,
// so there is nothing to release beyond the ringing timer.
func (m *Machine) Reject() error {
	m.mu.Lock()
	c := m.cur
	if c == nil || c.Direction != domain.DirectionIncoming || c.Status != domain.StatusRinging {
		m.mu.Unlock()
		return nil
	}
	payload := domain.CallRejectedPayload{CallID: c.CallID, CallerID: c.Peer.ID}
	m.teardownLocked()
	m.mu.Unlock()

	m.emit(domain.EventCallRejected, payload)
	return nil
}

// End hangs up from any non-idle state; a no-op when idle.
func (m *Machine) End() error {
	m.mu.Lock()
	c := m.cur
	if c == nil {
		m.mu.Unlock()
		return nil
	}
	payload := domain.CallEndedPayload{CallID: c.CallID, TargetUserID: c.Peer.ID, Duration: c.DurationSeconds}
	m.teardownLocked()
	m.mu.Unlock()

	m.emit(domain.EventCallEnded, payload)
	return nil
}

func (m *Machine) ToggleMute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	m.cur.Muted = !m.cur.Muted
	if m.link != nil {
		m.link.SetAudioEnabled(!m.cur.Muted)
	}
	m.changedLocked()
}

func (m *Machine) ToggleVideo() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	m.cur.VideoOff = !m.cur.VideoOff
	if m.link != nil {
		m.link.SetVideoEnabled(!m.cur.VideoOff)
	}
	m.changedLocked()
}

func (m *Machine) ToggleSpeaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	m.cur.SpeakerOn = !m.cur.SpeakerOn
	m.changedLocked()
}

// Shutdown is the abandoned-session path: it closes the machine's
// subscriptions and runs the same teardown whether or not a terminal
// event was ever received.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.teardownLocked()
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// ---- remote event handlers ----

func (m *Machine) onCallInitiated(data json.RawMessage) {
	var p domain.CallInitiatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad call_initiated payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cur
	if c == nil || c.Direction != domain.DirectionOutgoing || c.Status != domain.StatusCalling {
		log.Warn().Str("module", "session").Str("call_id", string(p.CallID)).Msg("call_initiated ignored")
		return
	}
	if c.CallID != "" {
		log.Warn().Str("module", "session").Str("call_id", string(c.CallID)).Msg("call id already assigned")
		return
	}
	c.CallID = p.CallID
	c.Status = domain.StatusRinging
	m.changedLocked()
}

func (m *Machine) onCallIncoming(data json.RawMessage) {
	var p domain.CallIncomingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad call_incoming payload")
		return
	}
	m.mu.Lock()
	if m.cur != nil {
		busy := domain.CallRejectedPayload{CallID: p.CallID, CallerID: p.CallerID}
		m.mu.Unlock()
		log.Info().Str("module", "session").Str("call_id", string(p.CallID)).Msg("busy, rejecting incoming call")
		m.emit(domain.EventCallRejected, busy)
		return
	}
	m.gen++
	m.cur = &domain.CallSession{
		CallID:    p.CallID,
		Direction: domain.DirectionIncoming,
		Kind:      p.CallType,
		Peer:      &domain.Peer{ID: p.CallerID, Name: p.CallerName, Avatar: p.CallerAvatar},
		RoomID:    p.RoomID,
		Status:    domain.StatusRinging,
	}
	m.startRingLocked()
	m.changedLocked()
	m.mu.Unlock()
	log.Info().Str("module", "session").Str("call_id", string(p.CallID)).Str("caller", string(p.CallerID)).Msg("incoming call")
}

func (m *Machine) onCallAccepted(data json.RawMessage) {
	var p domain.CallAcceptedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad call_accepted payload")
		return
	}
	m.mu.Lock()
	c := m.cur
	if c == nil || c.Direction != domain.DirectionOutgoing ||
		(c.Status != domain.StatusRinging && c.Status != domain.StatusCalling) {
		// duplicate accept while connecting/connected is a no-op
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("call_id", string(p.CallID)).Msg("call_accepted ignored")
		return
	}
	if !m.sameCallLocked(p.CallID) {
		m.mu.Unlock()
		return
	}
	if c.CallID == "" {
		c.CallID = p.CallID
	}
	c.Status = domain.StatusConnecting
	gen := m.gen
	callID, peerID, kind := c.CallID, c.Peer.ID, c.Kind
	m.changedLocked()
	m.mu.Unlock()

	stream, link, err := m.setup(m.ctx, gen, kind, domain.EventCallEnded, domain.CallEndedPayload{CallID: callID, TargetUserID: peerID})
	if err != nil || stream == nil || link == nil {
		return
	}

	offer, err := link.CreateOffer(m.ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("create offer")
		m.failWith(gen, domain.NoticeConnectFailed, domain.EventCallEnded, domain.CallEndedPayload{CallID: callID, TargetUserID: peerID})
		return
	}
	m.emit(domain.EventWebRTCOffer, domain.OfferPayload{CallID: callID, TargetUserID: peerID, Offer: offer})
}

func (m *Machine) onCallRejected(data json.RawMessage) {
	var p domain.CallRejectedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad call_rejected payload")
		return
	}
	m.mu.Lock()
	c := m.cur
	// a stray reject after the call connected is ignored
	if c == nil || c.Status == domain.StatusConnected || !m.sameCallLocked(p.CallID) {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	m.noticeUp(domain.NoticeCallRejected)
}

func (m *Machine) onCallEnded(data json.RawMessage) {
	var p domain.CallEndedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad call_ended payload")
		return
	}
	m.mu.Lock()
	c := m.cur
	if c == nil || !m.sameCallLocked(p.CallID) {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	log.Info().Str("module", "session").Str("call_id", string(p.CallID)).Int("duration", p.Duration).Msg("call ended by peer")
	m.noticeUp(domain.NoticeCallEnded)
}

func (m *Machine) onCallMissed(data json.RawMessage) {
	var p domain.CallMissedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad call_missed payload")
		return
	}
	m.mu.Lock()
	c := m.cur
	// only meaningful while ringing; anything later is a stray
	if c == nil || c.Status != domain.StatusRinging || !m.sameCallLocked(p.CallID) {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	m.noticeUp(domain.NoticeMissedCall)
}

func (m *Machine) onOffer(data json.RawMessage) {
	var p domain.OfferPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad webrtc_offer payload")
		return
	}
	m.mu.Lock()
	c := m.cur
	if c == nil || c.Status != domain.StatusConnecting || m.link == nil || !m.sameCallLocked(p.CallID) {
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("call_id", string(p.CallID)).Msg("webrtc_offer ignored")
		return
	}
	gen := m.gen
	link := m.link
	callID, peerID := c.CallID, c.Peer.ID
	m.mu.Unlock()

	answer, err := link.AcceptOffer(m.ctx, p.Offer)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("accept offer")
		m.failWith(gen, domain.NoticeConnectFailed, domain.EventCallEnded, domain.CallEndedPayload{CallID: callID, TargetUserID: peerID})
		return
	}
	if err := m.emit(domain.EventWebRTCAnswer, domain.AnswerPayload{CallID: callID, TargetUserID: peerID, Answer: answer}); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		m.failWith(gen, domain.NoticeConnectFailed, domain.EventCallEnded, domain.CallEndedPayload{CallID: callID, TargetUserID: peerID})
		return
	}

	// The answerer counts itself connected once its answer went out.
	m.mu.Lock()
	if m.gen == gen {
		m.setConnectedLocked()
	}
	m.mu.Unlock()
}

func (m *Machine) onAnswer(data json.RawMessage) {
	var p domain.AnswerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad webrtc_answer payload")
		return
	}
	m.mu.Lock()
	c := m.cur
	if c == nil || c.Status != domain.StatusConnecting || m.link == nil || !m.sameCallLocked(p.CallID) {
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("call_id", string(p.CallID)).Msg("webrtc_answer ignored")
		return
	}
	gen := m.gen
	link := m.link
	callID, peerID := c.CallID, c.Peer.ID
	m.mu.Unlock()

	if err := link.AcceptAnswer(p.Answer); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("accept answer")
		m.failWith(gen, domain.NoticeConnectFailed, domain.EventCallEnded, domain.CallEndedPayload{CallID: callID, TargetUserID: peerID})
		return
	}
	m.mu.Lock()
	if m.gen == gen {
		m.setConnectedLocked()
	}
	m.mu.Unlock()
}

func (m *Machine) onCandidate(data json.RawMessage) {
	var p domain.CandidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad webrtc_ice_candidate payload")
		return
	}
	m.mu.Lock()
	if m.cur == nil || m.link == nil || !m.sameCallLocked(p.CallID) {
		m.mu.Unlock()
		log.Debug().Str("module", "session").Str("call_id", string(p.CallID)).Msg("candidate dropped, no active link")
		return
	}
	link := m.link
	m.mu.Unlock()

	if err := link.AddICECandidate(p.Candidate); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("add ice candidate")
	}
}

// ---- shared transition plumbing ----

// setup acquires local media and builds the peer link for the current
// session generation. Any failure routes through the standard teardown
// and notifies the peer with abortEvent. A (nil, nil, nil) return means
// the session was superseded while we were blocked.
func (m *Machine) setup(ctx context.Context, gen uint64, kind domain.CallKind, abortEvent domain.EventName, abortPayload any) (core.MediaStream, core.PeerLink, error) {
	stream, err := m.media.Acquire(ctx, kind)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("media acquire failed")
		m.failWith(gen, domain.NoticeMediaFailed, abortEvent, abortPayload)
		if domain.KindOf(err) == "" {
			err = domain.WrapError(domain.KindMediaDenied, "media acquire", err)
		}
		return nil, nil, err
	}

	m.mu.Lock()
	if m.gen != gen || m.cur == nil {
		m.mu.Unlock()
		stream.Close()
		return nil, nil, nil
	}
	m.stream = stream
	m.mu.Unlock()

	link, err := m.newLink()
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("peer link create failed")
		m.failWith(gen, domain.NoticeConnectFailed, abortEvent, abortPayload)
		return nil, nil, domain.WrapError(domain.KindNegotiation, "peer link create", err)
	}
	link.OnICECandidate(func(ci domain.ICECandidate) { m.forwardCandidate(gen, ci) })
	link.OnFailure(func(cause error) { go m.linkFailed(gen, cause) })
	link.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		log.Info().Str("module", "session").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
	})

	m.mu.Lock()
	if m.gen != gen || m.cur == nil {
		m.mu.Unlock()
		link.Close()
		return nil, nil, nil
	}
	m.link = link
	m.mu.Unlock()

	if err := link.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("peer link start failed")
		m.failWith(gen, domain.NoticeConnectFailed, abortEvent, abortPayload)
		return nil, nil, domain.WrapError(domain.KindNegotiation, "peer link start", err)
	}
	if err := link.AddLocalTracks(stream); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("add local tracks failed")
		m.failWith(gen, domain.NoticeConnectFailed, abortEvent, abortPayload)
		return nil, nil, domain.WrapError(domain.KindNegotiation, "add local tracks", err)
	}
	return stream, link, nil
}

func (m *Machine) forwardCandidate(gen uint64, ci domain.ICECandidate) {
	m.mu.Lock()
	if m.gen != gen || m.cur == nil {
		m.mu.Unlock()
		return
	}
	payload := domain.CandidatePayload{CallID: m.cur.CallID, TargetUserID: m.cur.Peer.ID, Candidate: ci}
	m.mu.Unlock()
	m.emit(domain.EventWebRTCICECandidate, payload)
}

// linkFailed maps a dead peer connection to the same terminal
// transition as a local hang-up.
func (m *Machine) linkFailed(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.cur == nil {
		m.mu.Unlock()
		return
	}
	payload := domain.CallEndedPayload{CallID: m.cur.CallID, TargetUserID: m.cur.Peer.ID, Duration: m.cur.DurationSeconds}
	m.teardownLocked()
	m.mu.Unlock()

	log.Error().Err(cause).Str("module", "session").Msg("negotiation failed")
	m.emit(domain.EventCallEnded, payload)
	m.noticeUp(domain.NoticeConnectFailed)
}

func (m *Machine) fail(gen uint64, notice domain.Notice) {
	m.failWith(gen, notice, "", nil)
}

func (m *Machine) failWith(gen uint64, notice domain.Notice, event domain.EventName, payload any) {
	m.mu.Lock()
	if m.gen != gen || m.cur == nil {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()

	if event != "" {
		m.emit(event, payload)
	}
	m.noticeUp(notice)
}

// teardownLocked is the single terminal-transition sequence: cancel
// timers, close the peer link, release media, clear the session. It is
// idempotent; racing local and remote teardowns meet here safely.
func (m *Machine) teardownLocked() {
	m.gen++
	m.stopRingLocked()
	if m.durStop != nil {
		close(m.durStop)
		m.durStop = nil
	}
	if m.link != nil {
		m.link.Close()
		m.link = nil
	}
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
	if m.cur != nil {
		m.cur.Status = domain.StatusEnded
		m.changedLocked()
		m.cur = nil
		m.changedLocked()
	}
}

func (m *Machine) setConnectedLocked() {
	c := m.cur
	if c == nil || c.Status == domain.StatusConnected {
		return
	}
	c.Status = domain.StatusConnected
	c.DurationSeconds = 0
	m.changedLocked()

	stop := make(chan struct{})
	m.durStop = stop
	go m.tickDuration(m.gen, stop)
	log.Info().Str("module", "session").Str("call_id", string(c.CallID)).Msg("connected")
}

// sameCallLocked tolerates an empty id on either side (events produced
// before the relay assigned one) but drops cross-session strays.
func (m *Machine) sameCallLocked(id domain.CallID) bool {
	if m.cur == nil || id == "" || m.cur.CallID == "" {
		return true
	}
	if m.cur.CallID != id {
		log.Warn().Str("module", "session").Str("call_id", string(id)).Str("current", string(m.cur.CallID)).Msg("event for another call dropped")
		return false
	}
	return true
}

func (m *Machine) snapshotLocked() domain.CallSession {
	if m.cur == nil {
		return domain.CallSession{Status: domain.StatusIdle}
	}
	out := *m.cur
	if m.cur.Peer != nil {
		p := *m.cur.Peer
		out.Peer = &p
	}
	return out
}

func (m *Machine) changedLocked() {
	if m.onChange != nil {
		m.onChange(m.snapshotLocked())
	}
}

func (m *Machine) noticeUp(n domain.Notice) {
	if m.onNotice != nil {
		m.onNotice(n)
	}
}

func (m *Machine) emit(event domain.EventName, payload any) error {
	err := m.signaler.Emit(event, payload)
	if err != nil && !errors.Is(err, domain.ErrNotConnected) {
		log.Error().Err(err).Str("module", "session").Str("event", string(event)).Msg("emit failed")
	}
	return err
}
