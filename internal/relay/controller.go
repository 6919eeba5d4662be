// Package relay is the server side of the signaling channel. It keeps
// no call state: it authenticates connections, mints call IDs, and
// forwards frames between the two parties of a call.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/config"
	"github.com/dkurst/dialtone/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	authDeadline   = 10 * time.Second
	writeDeadline  = 5 * time.Second
	sendBufferSize = 32
)

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type Controller struct {
	cfg     config.Relay
	reg     *Registry
	limiter *CallRateLimiter
}

func NewController(cfg config.Relay) *Controller {
	return &Controller{
		cfg:     cfg,
		reg:     NewRegistry(),
		limiter: NewCallRateLimiter(cfg.CallRateLimit, cfg.CallRateWindow),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection. The first
// frame must be an auth envelope; everything after it is signaling.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, sendBufferSize),
	}

	user, err := ctl.authenticate(ws)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("auth failed")
		ctl.writeDirect(ws, domain.EventAuthError, domain.AuthErrorPayload{Reason: err.Error()})
		_ = ws.Close()
		return
	}

	ctl.writeDirect(ws, domain.EventAuthOK, domain.AuthOKPayload{UserID: user.ID})
	ctl.reg.Bind(user, conn)
	log.Info().Str("module", "relay").Str("user_id", string(user.ID)).Int("online", ctl.reg.Online()).Msg("user connected")

	ctx, cancel := context.WithCancel(ctx)
	// the read blocks in ReadMessage; closing the connection is the
	// only way a cancelled context can interrupt it
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go ctl.writePump(ctx, conn)
	go func() {
		ctl.readPump(user, conn)
		cancel()
		ctl.reg.Unbind(user.ID, conn)
		log.Info().Str("module", "relay").Str("user_id", string(user.ID)).Msg("user disconnected")
	}()
}

// authenticate reads the auth frame and checks the token. An empty
// relay secret accepts any non-empty token (dev mode).
func (ctl *Controller) authenticate(ws *websocket.Conn) (domain.Peer, error) {
	_ = ws.SetReadDeadline(time.Now().Add(authDeadline))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return domain.Peer{}, errors.New("no auth frame")
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != domain.EventAuth {
		return domain.Peer{}, errors.New("expected auth frame")
	}
	var auth domain.AuthPayload
	if err := json.Unmarshal(env.Data, &auth); err != nil {
		return domain.Peer{}, errors.New("malformed auth payload")
	}

	if auth.Token == "" {
		return domain.Peer{}, errors.New("missing token")
	}
	if ctl.cfg.Secret != "" && auth.Token != ctl.cfg.Secret {
		return domain.Peer{}, errors.New("invalid token")
	}
	if auth.UserID == "" {
		return domain.Peer{}, errors.New("missing user_id")
	}

	return domain.Peer{ID: auth.UserID, Name: auth.Username, Avatar: auth.Avatar}, nil
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(user domain.Peer, c *wsConn) {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "relay").Str("user_id", string(user.ID)).Msg("readPump read error")
			return
		}
		ctl.handleFrame(user, c, data)
	}
}

func (ctl *Controller) handleFrame(user domain.Peer, c *wsConn, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		return
	}

	switch env.Type {
	case domain.EventCallInitiate:
		ctl.handleInitiate(user, c, env.Data)
	case domain.EventCallAccepted,
		domain.EventCallRejected,
		domain.EventCallEnded,
		domain.EventCallMissed,
		domain.EventWebRTCOffer,
		domain.EventWebRTCAnswer,
		domain.EventWebRTCICECandidate:
		ctl.forward(user, c, env.Type, env.Data, data)
	default:
		log.Warn().Str("module", "relay").Str("type", string(env.Type)).Msg("unknown signal")
	}
}

// writeDirect writes before the pumps exist (handshake phase only).
func (ctl *Controller) writeDirect(ws *websocket.Conn, event domain.EventName, payload any) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("handshake write")
	}
}

func (ctl *Controller) sendJSON(c *wsConn, event domain.EventName, payload any) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("type", string(event)).Msg("send dropped")
	}
}

func marshalEnvelope(event domain.EventName, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal payload")
		return nil, err
	}
	frame, err := json.Marshal(domain.Envelope{Type: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal envelope")
		return nil, err
	}
	return frame, nil
}
