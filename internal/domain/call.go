// Package domain contains entities without logic, just meta-data.
package domain

type (
	UserID string
	CallID string
	RoomID string
)

// Direction tells which side of the call this session is.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusCalling    CallStatus = "calling"
	StatusRinging    CallStatus = "ringing"
	StatusConnecting CallStatus = "connecting"
	StatusConnected  CallStatus = "connected"
	StatusEnded      CallStatus = "ended"
)

// Peer identifies the other participant of a call.
type Peer struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// CallSession is the single authoritative call value. It is owned
// exclusively by the session machine; everyone else sees copies.
type CallSession struct {
	CallID          CallID
	Direction       Direction
	Kind            CallKind
	Peer            *Peer
	RoomID          RoomID
	Status          CallStatus
	DurationSeconds int
	Muted           bool
	VideoOff        bool
	SpeakerOn       bool
}

// Notice is a user-visible outcome of a terminal transition.
type Notice string

const (
	NoticeMissedCall    Notice = "missed call"
	NoticeCallRejected  Notice = "call was rejected"
	NoticeCallEnded     Notice = "call ended"
	NoticeMediaFailed   Notice = "failed to access microphone/camera"
	NoticeConnectFailed Notice = "failed to connect call"
)
