package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkurst/dialtone/internal/config"
	"github.com/dkurst/dialtone/internal/domain"
	"github.com/dkurst/dialtone/internal/transport"
)

func newTestRelay(t *testing.T) string {
	return newTestRelayCtx(t, context.Background())
}

func newTestRelayCtx(t *testing.T, ctx context.Context) string {
	t.Helper()
	cfg := &config.Config{Relay: config.Relay{
		Mode:           "release",
		Secret:         "s3cret",
		CallRateLimit:  2,
		CallRateWindow: time.Minute,
	}}
	r := SetupRouter(ctx, cfg)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

type testClient struct {
	ws *websocket.Conn
}

func dialClient(t *testing.T, url, token string, uid domain.UserID) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	c := &testClient{ws: ws}
	c.send(t, domain.EventAuth, domain.AuthPayload{Token: token, UserID: uid, Username: strings.ToTitle(string(uid))})
	return c
}

func (c *testClient) send(t *testing.T, event domain.EventName, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(domain.Envelope{Type: event, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv(t *testing.T) domain.Envelope {
	t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

func (c *testClient) expect(t *testing.T, event domain.EventName) domain.Envelope {
	t.Helper()
	env := c.recv(t)
	if env.Type != event {
		t.Fatalf("frame type = %q, want %q", env.Type, event)
	}
	return env
}

func TestAuthOK(t *testing.T) {
	url := newTestRelay(t)
	alice := dialClient(t, url, "s3cret", "alice")

	env := alice.expect(t, domain.EventAuthOK)
	var p domain.AuthOKPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode auth_ok: %v", err)
	}
	if p.UserID != "alice" {
		t.Fatalf("auth_ok user_id = %q, want alice", p.UserID)
	}
}

func TestAuthRejected(t *testing.T) {
	url := newTestRelay(t)
	alice := dialClient(t, url, "wrong", "alice")

	alice.expect(t, domain.EventAuthError)
	// the relay drops the connection after a rejected handshake
	_ = alice.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alice.ws.ReadMessage(); err == nil {
		t.Fatal("connection still open after auth_error")
	}
}

func TestCallRouting(t *testing.T) {
	url := newTestRelay(t)
	alice := dialClient(t, url, "s3cret", "alice")
	bob := dialClient(t, url, "s3cret", "bob")
	alice.expect(t, domain.EventAuthOK)
	bob.expect(t, domain.EventAuthOK)

	alice.send(t, domain.EventCallInitiate, domain.CallInitiatePayload{TargetUserID: "bob", CallType: domain.CallAudio})

	env := alice.expect(t, domain.EventCallInitiated)
	var ack domain.CallInitiatedPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode call_initiated: %v", err)
	}
	if ack.CallID == "" {
		t.Fatal("relay did not mint a call id")
	}

	env = bob.expect(t, domain.EventCallIncoming)
	var inc domain.CallIncomingPayload
	if err := json.Unmarshal(env.Data, &inc); err != nil {
		t.Fatalf("decode call_incoming: %v", err)
	}
	if inc.CallID != ack.CallID {
		t.Fatalf("callee call_id = %q, caller got %q", inc.CallID, ack.CallID)
	}
	if inc.CallerID != "alice" {
		t.Fatalf("caller_id = %q, want alice", inc.CallerID)
	}
	if inc.CallType != domain.CallAudio {
		t.Fatalf("call_type = %q, want audio", inc.CallType)
	}
}

func TestOfflineCalleeRejected(t *testing.T) {
	url := newTestRelay(t)
	alice := dialClient(t, url, "s3cret", "alice")
	alice.expect(t, domain.EventAuthOK)

	alice.send(t, domain.EventCallInitiate, domain.CallInitiatePayload{TargetUserID: "carol", CallType: domain.CallAudio})

	env := alice.expect(t, domain.EventCallInitiated)
	var ack domain.CallInitiatedPayload
	_ = json.Unmarshal(env.Data, &ack)

	env = alice.expect(t, domain.EventCallRejected)
	var rej domain.CallRejectedPayload
	if err := json.Unmarshal(env.Data, &rej); err != nil {
		t.Fatalf("decode call_rejected: %v", err)
	}
	if rej.CallID != ack.CallID {
		t.Fatalf("rejected call_id = %q, want %q", rej.CallID, ack.CallID)
	}
}

func TestFrameForwarding(t *testing.T) {
	url := newTestRelay(t)
	alice := dialClient(t, url, "s3cret", "alice")
	bob := dialClient(t, url, "s3cret", "bob")
	alice.expect(t, domain.EventAuthOK)
	bob.expect(t, domain.EventAuthOK)

	alice.send(t, domain.EventCallInitiate, domain.CallInitiatePayload{TargetUserID: "bob", CallType: domain.CallAudio})
	env := alice.expect(t, domain.EventCallInitiated)
	var ack domain.CallInitiatedPayload
	_ = json.Unmarshal(env.Data, &ack)
	bob.expect(t, domain.EventCallIncoming)

	// callee -> caller, addressed by caller_id
	bob.send(t, domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: ack.CallID, CallerID: "alice"})
	env = alice.expect(t, domain.EventCallAccepted)
	var acc domain.CallAcceptedPayload
	if err := json.Unmarshal(env.Data, &acc); err != nil {
		t.Fatalf("decode call_accepted: %v", err)
	}
	if acc.CallID != ack.CallID {
		t.Fatalf("forwarded call_id = %q, want %q", acc.CallID, ack.CallID)
	}

	// caller -> callee, addressed by target_user_id
	alice.send(t, domain.EventWebRTCOffer, domain.OfferPayload{
		CallID: ack.CallID, TargetUserID: "bob", Offer: domain.SDP{Type: "offer", SDP: "v=0"},
	})
	env = bob.expect(t, domain.EventWebRTCOffer)
	var off domain.OfferPayload
	if err := json.Unmarshal(env.Data, &off); err != nil {
		t.Fatalf("decode webrtc_offer: %v", err)
	}
	if off.Offer.SDP != "v=0" {
		t.Fatalf("forwarded sdp = %q, want v=0", off.Offer.SDP)
	}
}

func TestCallRateLimit(t *testing.T) {
	url := newTestRelay(t)
	alice := dialClient(t, url, "s3cret", "alice")
	alice.expect(t, domain.EventAuthOK)

	// limit is 2 per window; the target is offline so each allowed
	// attempt yields call_initiated + call_rejected
	for i := 0; i < 2; i++ {
		alice.send(t, domain.EventCallInitiate, domain.CallInitiatePayload{TargetUserID: "carol", CallType: domain.CallAudio})
		alice.expect(t, domain.EventCallInitiated)
		alice.expect(t, domain.EventCallRejected)
	}

	alice.send(t, domain.EventCallInitiate, domain.CallInitiatePayload{TargetUserID: "carol", CallType: domain.CallAudio})
	env := alice.expect(t, domain.EventError)
	var p domain.ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Kind != domain.KindRateLimited {
		t.Fatalf("error kind = %q, want %q", p.Kind, domain.KindRateLimited)
	}
}

func TestHealthz(t *testing.T) {
	url := newTestRelay(t)
	httpURL := "http" + strings.TrimSuffix(strings.TrimPrefix(url, "ws"), "/ws/signal") + "/healthz"

	resp, err := http.Get(httpURL)
	if err != nil {
		t.Fatalf("GET /api/healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
		Online int    `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q, want ok", body.Status)
	}
}

func TestShutdownInterruptsConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	url := newTestRelayCtx(t, ctx)

	alice := dialClient(t, url, "s3cret", "alice")
	alice.expect(t, domain.EventAuthOK)

	cancel()

	// the relay must close the connection; a client blocked in a read
	// sees the error instead of hanging past shutdown
	_ = alice.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alice.ws.ReadMessage(); err == nil {
		t.Fatal("connection still open after relay shutdown")
	}
}

func TestReconnectReplacesBinding(t *testing.T) {
	url := newTestRelay(t)
	bob1 := dialClient(t, url, "s3cret", "bob")
	bob1.expect(t, domain.EventAuthOK)
	bob2 := dialClient(t, url, "s3cret", "bob")
	bob2.expect(t, domain.EventAuthOK)

	// the stale connection gets closed by the relay
	_ = bob1.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := bob1.ws.ReadMessage(); err == nil {
		t.Fatal("stale connection still open after rebind")
	}

	alice := dialClient(t, url, "s3cret", "alice")
	alice.expect(t, domain.EventAuthOK)
	alice.send(t, domain.EventCallInitiate, domain.CallInitiatePayload{TargetUserID: "bob", CallType: domain.CallAudio})
	alice.expect(t, domain.EventCallInitiated)

	bob2.expect(t, domain.EventCallIncoming)
}

// TestTransportAgainstRelay runs the real client transport against the
// relay end to end: handshake, routing and bidirectional forwarding.
func TestTransportAgainstRelay(t *testing.T) {
	url := newTestRelay(t)

	newSide := func(uid domain.UserID) *transport.Transport {
		tr := transport.New(transport.Options{
			URL:   url,
			Token: "s3cret",
			Self:  domain.Peer{ID: uid, Name: string(uid)},
		})
		t.Cleanup(tr.Close)
		return tr
	}
	alice := newSide("alice")
	bob := newSide("bob")

	incoming := make(chan domain.CallIncomingPayload, 1)
	if _, err := bob.On(domain.EventCallIncoming, "test", func(data json.RawMessage) {
		var p domain.CallIncomingPayload
		if json.Unmarshal(data, &p) == nil {
			incoming <- p
		}
	}); err != nil {
		t.Fatalf("bob.On = %v", err)
	}
	accepted := make(chan domain.CallAcceptedPayload, 1)
	if _, err := alice.On(domain.EventCallAccepted, "test", func(data json.RawMessage) {
		var p domain.CallAcceptedPayload
		if json.Unmarshal(data, &p) == nil {
			accepted <- p
		}
	}); err != nil {
		t.Fatalf("alice.On = %v", err)
	}

	if err := alice.Connect(context.Background()); err != nil {
		t.Fatalf("alice.Connect = %v", err)
	}
	if err := bob.Connect(context.Background()); err != nil {
		t.Fatalf("bob.Connect = %v", err)
	}

	if err := alice.Emit(domain.EventCallInitiate, domain.CallInitiatePayload{TargetUserID: "bob", CallType: domain.CallAudio}); err != nil {
		t.Fatalf("alice.Emit = %v", err)
	}

	var inc domain.CallIncomingPayload
	select {
	case inc = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("bob never saw call_incoming")
	}
	if inc.CallerID != "alice" || inc.CallID == "" {
		t.Fatalf("unexpected call_incoming: %+v", inc)
	}

	if err := bob.Emit(domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: inc.CallID, CallerID: inc.CallerID}); err != nil {
		t.Fatalf("bob.Emit = %v", err)
	}
	select {
	case acc := <-accepted:
		if acc.CallID != inc.CallID {
			t.Fatalf("call_accepted call_id = %q, want %q", acc.CallID, inc.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alice never saw call_accepted")
	}
}
