package domain

import "encoding/json"

type EventName string

// Signaling events exchanged over the channel.
const (
	EventCallInitiate       EventName = "call_initiate"
	EventCallInitiated      EventName = "call_initiated"
	EventCallIncoming       EventName = "call_incoming"
	EventCallAccepted       EventName = "call_accepted"
	EventCallRejected       EventName = "call_rejected"
	EventCallEnded          EventName = "call_ended"
	EventCallMissed         EventName = "call_missed"
	EventWebRTCOffer        EventName = "webrtc_offer"
	EventWebRTCAnswer       EventName = "webrtc_answer"
	EventWebRTCICECandidate EventName = "webrtc_ice_candidate"

	EventError EventName = "error"
)

// Handshake and channel-lifecycle pseudo-events. Consumed by the
// transport itself, never forwarded into the session machine.
const (
	EventAuth         EventName = "auth"
	EventAuthOK       EventName = "auth_ok"
	EventAuthError    EventName = "auth_error"
	EventConnect      EventName = "connect"
	EventDisconnect   EventName = "disconnect"
	EventConnectError EventName = "connect_error"
)

// Envelope is the wire frame: the reader probes Type first, then
// unmarshals Data into the typed payload.
type Envelope struct {
	Type EventName       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type AuthPayload struct {
	Token    string `json:"token"`
	UserID   UserID `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type AuthOKPayload struct {
	UserID UserID `json:"user_id"`
}

type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

type CallInitiatePayload struct {
	TargetUserID UserID   `json:"target_user_id"`
	CallType     CallKind `json:"call_type"`
	RoomID       RoomID   `json:"room_id,omitempty"`
}

type CallInitiatedPayload struct {
	CallID CallID `json:"call_id"`
}

type CallIncomingPayload struct {
	CallID       CallID   `json:"call_id"`
	CallerID     UserID   `json:"caller_id"`
	CallerName   string   `json:"caller_name"`
	CallerAvatar string   `json:"caller_avatar,omitempty"`
	CallType     CallKind `json:"call_type"`
	RoomID       RoomID   `json:"room_id,omitempty"`
}

type CallAcceptedPayload struct {
	CallID   CallID `json:"call_id"`
	CallerID UserID `json:"caller_id,omitempty"`
}

type CallRejectedPayload struct {
	CallID   CallID `json:"call_id"`
	CallerID UserID `json:"caller_id"`
}

type CallEndedPayload struct {
	CallID       CallID `json:"call_id"`
	TargetUserID UserID `json:"target_user_id"`
	Duration     int    `json:"duration"`
}

type CallMissedPayload struct {
	CallID   CallID `json:"call_id"`
	CallerID UserID `json:"caller_id"`
}

// SDP mirrors the browser-side RTCSessionDescriptionInit shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type OfferPayload struct {
	CallID       CallID `json:"call_id"`
	TargetUserID UserID `json:"target_user_id"`
	Offer        SDP    `json:"offer"`
}

type AnswerPayload struct {
	CallID       CallID `json:"call_id"`
	TargetUserID UserID `json:"target_user_id"`
	Answer       SDP    `json:"answer"`
}

type CandidatePayload struct {
	CallID       CallID       `json:"call_id"`
	TargetUserID UserID       `json:"target_user_id"`
	Candidate    ICECandidate `json:"candidate"`
}
