// Package transport owns the signaling channel: connection lifecycle,
// authentication handshake, automatic reconnection, listener registry
// and the outbound queue for events emitted while disconnected.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/core"
	"github.com/dkurst/dialtone/internal/domain"
)

type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

var ErrClosed = errors.New("transport closed")

const (
	defaultMaxAttempts      = 5
	defaultBaseDelay        = 500 * time.Millisecond
	defaultMaxDelay         = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
	sendBuffer              = 32
)

type Options struct {
	URL   string
	Token string
	Self  domain.Peer

	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration

	// OnState observes channel lifecycle; it must not block.
	OnState func(state State, err error)
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Transport is a resilient websocket signaling client. One instance is
// created at process bootstrap and handed to whoever needs to emit or
// listen; its listener registry survives reconnects.
type Transport struct {
	opts  Options
	reg   *listenerRegistry
	queue *outboundQueue

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	connected bool
	attempt   *connectAttempt
	closed    bool
}

func New(opts Options) *Transport {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:       opts,
		reg:        newListenerRegistry(),
		queue:      &outboundQueue{},
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

var _ core.Signaler = (*Transport)(nil)

// Connect is idempotent: if already connected it returns immediately,
// and a caller arriving during an in-flight attempt awaits that same
// attempt instead of starting a second one.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.attempt != nil {
		a := t.attempt
		t.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	t.attempt = a
	t.mu.Unlock()

	err := t.dial(ctx)

	t.mu.Lock()
	a.err = err
	t.attempt = nil
	t.mu.Unlock()
	close(a.done)
	return err
}

func (t *Transport) dial(ctx context.Context) error {
	delay := t.opts.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-t.rootCtx.Done():
				return ErrClosed
			}
			delay *= 2
			if delay > t.opts.MaxDelay {
				delay = t.opts.MaxDelay
			}
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, nil)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("module", "transport").Int("attempt", attempt).Msg("dial failed")
			continue
		}

		if err := t.handshake(ws); err != nil {
			_ = ws.Close()
			if domain.KindOf(err) == domain.KindAuth {
				// Retrying with a rejected credential would busy-loop.
				log.Error().Err(err).Str("module", "transport").Msg("auth rejected")
				t.notify(StateFailed, err)
				return err
			}
			lastErr = err
			log.Warn().Err(err).Str("module", "transport").Int("attempt", attempt).Msg("handshake failed")
			continue
		}

		t.install(ws)
		return nil
	}
	err := domain.WrapError(domain.KindConnection, "connect attempts exhausted", lastErr)
	t.notify(StateFailed, err)
	return err
}

func (t *Transport) handshake(ws *websocket.Conn) error {
	frame, err := encode(domain.EventAuth, domain.AuthPayload{
		Token:    t.opts.Token,
		UserID:   t.opts.Self.ID,
		Username: t.opts.Self.Name,
		Avatar:   t.opts.Self.Avatar,
	})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(t.opts.HandshakeTimeout)
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return domain.WrapError(domain.KindConnection, "auth write", err)
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return domain.WrapError(domain.KindConnection, "auth read", err)
	}
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.WrapError(domain.KindConnection, "auth reply decode", err)
	}
	switch env.Type {
	case domain.EventAuthOK:
		return nil
	case domain.EventAuthError:
		var p domain.AuthErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		return domain.NewError(domain.KindAuth, "authentication rejected: "+p.Reason)
	default:
		return domain.NewError(domain.KindConnection, "unexpected handshake reply "+string(env.Type))
	}
}

// install flushes the outbound queue before the pumps start so queued
// frames hit the wire in insertion order, ahead of any new emission.
// The drain happens in the same critical section that flips connected:
// an Emit either lands in the queue before the drain or goes to the
// send channel, which the write pump only starts consuming after the
// flush. Nothing can strand in the queue until a later reconnect.
func (t *Transport) install(ws *websocket.Conn) {
	send := make(chan []byte, sendBuffer)
	t.mu.Lock()
	t.conn = ws
	t.send = send
	t.connected = true
	pending := t.queue.drain()
	t.mu.Unlock()

	for i, qe := range pending {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, qe.frame); err != nil {
			log.Error().Err(err).Str("module", "transport").Str("event", string(qe.event)).Msg("queue flush write failed")
			t.queue.requeue(pending[i:])
			break
		}
		log.Info().Str("module", "transport").Str("event", string(qe.event)).Msg("replayed queued event")
	}

	go t.writePump(ws, send)
	go t.readPump(ws)
	t.notify(StateConnected, nil)
}

func (t *Transport) writePump(ws *websocket.Conn, send chan []byte) {
	for {
		select {
		case <-t.rootCtx.Done():
			return
		case b, ok := <-send:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
				return
			}
		}
	}
}

func (t *Transport) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.connLost(ws, err)
			return
		}
		t.handleFrame(data)
	}
}

func (t *Transport) connLost(ws *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != ws {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.send = nil
	t.connected = false
	closed := t.closed
	t.mu.Unlock()
	_ = ws.Close()
	if closed {
		return
	}
	log.Warn().Err(cause).Str("module", "transport").Msg("connection lost, reconnecting")
	t.notify(StateDisconnected, cause)
	go t.reconnect()
}

func (t *Transport) reconnect() {
	if err := t.Connect(t.rootCtx); err != nil && !errors.Is(err, ErrClosed) {
		log.Error().Err(err).Str("module", "transport").Msg("reconnect failed")
	}
}

func (t *Transport) handleFrame(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("bad frame")
		return
	}
	switch env.Type {
	case domain.EventConnect, domain.EventDisconnect, domain.EventConnectError, domain.EventAuthError:
		// channel-lifecycle pseudo-events stay inside the transport
		log.Debug().Str("module", "transport").Str("event", string(env.Type)).Msg("pseudo-event")
	default:
		t.reg.dispatch(env.Type, env.Data)
	}
}

// Emit sends one event. While disconnected the frame is queued for FIFO
// replay and domain.ErrNotConnected is returned to the caller.
func (t *Transport) Emit(event domain.EventName, payload any) error {
	frame, err := encode(event, payload)
	if err != nil {
		return domain.WrapError(domain.KindMessageSend, "encode "+string(event), err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.connected {
		t.queue.push(event, frame)
		t.mu.Unlock()
		log.Warn().Str("module", "transport").Str("event", string(event)).Msg("emit while disconnected, queued")
		return domain.ErrNotConnected
	}
	send := t.send
	t.mu.Unlock()

	select {
	case send <- frame:
		return nil
	default:
		return domain.NewError(domain.KindMessageSend, "send buffer full")
	}
}

func (t *Transport) On(event domain.EventName, id string, fn func(json.RawMessage)) (core.Subscription, error) {
	if err := t.reg.add(event, id, fn); err != nil {
		return nil, err
	}
	return &subscription{reg: t.reg, event: event, id: id}, nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) QueuedEvents() int { return t.queue.len() }

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.send = nil
	t.connected = false
	t.mu.Unlock()

	t.rootCancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) notify(state State, err error) {
	if t.opts.OnState != nil {
		t.opts.OnState(state, err)
	}
}

func encode(event domain.EventName, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.Envelope{Type: event, Data: data})
}
