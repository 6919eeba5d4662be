package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkurst/dialtone/internal/core"
	"github.com/dkurst/dialtone/internal/domain"
)

// fakeSignaler records emissions and lets tests inject remote events.
type fakeSignaler struct {
	mu       sync.Mutex
	handlers map[domain.EventName]map[string]func(json.RawMessage)
	emitted  []domain.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[domain.EventName]map[string]func(json.RawMessage))}
}

func (f *fakeSignaler) Emit(event domain.EventName, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.emitted = append(f.emitted, domain.Envelope{Type: event, Data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) On(event domain.EventName, id string, fn func(json.RawMessage)) (core.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byID, ok := f.handlers[event]
	if !ok {
		byID = make(map[string]func(json.RawMessage))
		f.handlers[event] = byID
	}
	byID[id] = fn
	return &fakeSub{f: f, event: event, id: id}, nil
}

// deliver injects a remote event; handlers run on the caller goroutine.
func (f *fakeSignaler) deliver(event domain.EventName, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.deliverRaw(event, data)
}

func (f *fakeSignaler) deliverRaw(event domain.EventName, data json.RawMessage) {
	f.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(f.handlers[event]))
	for _, fn := range f.handlers[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeSignaler) countOf(event domain.EventName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitted {
		if e.Type == event {
			n++
		}
	}
	return n
}

func (f *fakeSignaler) lastOf(event domain.EventName) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].Type == event {
			return f.emitted[i].Data, true
		}
	}
	return nil, false
}

// routedSignaler is one end of a back-to-back signaler pair: listeners
// register locally, emissions go through the route function.
type routedSignaler struct {
	local *fakeSignaler
	route func(event domain.EventName, data json.RawMessage)
}

func (r *routedSignaler) Emit(event domain.EventName, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.local.mu.Lock()
	r.local.emitted = append(r.local.emitted, domain.Envelope{Type: event, Data: data})
	r.local.mu.Unlock()
	r.route(event, data)
	return nil
}

func (r *routedSignaler) On(event domain.EventName, id string, fn func(json.RawMessage)) (core.Subscription, error) {
	return r.local.On(event, id, fn)
}

type fakeSub struct {
	f     *fakeSignaler
	event domain.EventName
	id    string
}

func (s *fakeSub) Close() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if byID, ok := s.f.handlers[s.event]; ok {
		delete(byID, s.id)
	}
}

type fakeMedia struct {
	mu       sync.Mutex
	deny     bool
	acquires int
	streams  []*fakeStream
}

func (f *fakeMedia) Acquire(_ context.Context, _ domain.CallKind) (core.MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.deny {
		return nil, domain.NewError(domain.KindMediaDenied, "device denied")
	}
	st := &fakeStream{}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeMedia) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakeMedia) openStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, st := range f.streams {
		if st.closeCount() == 0 {
			open++
		}
	}
	return open
}

type fakeStream struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeLink struct {
	mu        sync.Mutex
	started   bool
	closed    int
	audioLog  []bool
	videoLog  []bool
	added     []domain.ICECandidate
	onICE     func(domain.ICECandidate)
	onFailure func(error)
}

func (l *fakeLink) Start(context.Context) error {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddLocalTracks(core.MediaStream) error { return nil }

func (l *fakeLink) CreateOffer(context.Context) (domain.SDP, error) {
	return domain.SDP{Type: "offer", SDP: "v=0 offer"}, nil
}

func (l *fakeLink) AcceptOffer(context.Context, domain.SDP) (domain.SDP, error) {
	return domain.SDP{Type: "answer", SDP: "v=0 answer"}, nil
}

func (l *fakeLink) AcceptAnswer(domain.SDP) error { return nil }

func (l *fakeLink) AddICECandidate(ci domain.ICECandidate) error {
	l.mu.Lock()
	l.added = append(l.added, ci)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(domain.ICECandidate)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnRemoteTrack(func(*webrtc.TrackRemote)) {}

func (l *fakeLink) OnFailure(fn func(error)) {
	l.mu.Lock()
	l.onFailure = fn
	l.mu.Unlock()
}

func (l *fakeLink) SetAudioEnabled(enabled bool) {
	l.mu.Lock()
	l.audioLog = append(l.audioLog, enabled)
	l.mu.Unlock()
}

func (l *fakeLink) SetVideoEnabled(enabled bool) {
	l.mu.Lock()
	l.videoLog = append(l.videoLog, enabled)
	l.mu.Unlock()
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) lastAudio() (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.audioLog) == 0 {
		return false, false
	}
	return l.audioLog[len(l.audioLog)-1], true
}

func (l *fakeLink) fireICE(ci domain.ICECandidate) {
	l.mu.Lock()
	fn := l.onICE
	l.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (l *fakeLink) fireFailure(cause error) {
	l.mu.Lock()
	fn := l.onFailure
	l.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

// linkFactory hands out fakeLinks and remembers them.
type linkFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *linkFactory) new() (core.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{}
	f.links = append(f.links, l)
	return l, nil
}

func (f *linkFactory) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func (f *linkFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}
