package domain

import "errors"

// Kind classifies failures the way the signaling channel reports them.
type Kind string

const (
	KindConnection  Kind = "CONNECTION_ERROR"
	KindAuth        Kind = "AUTH_ERROR"
	KindMediaDenied Kind = "MEDIA_DENIED"
	KindNegotiation Kind = "NEGOTIATION_FAILED"
	KindRoomAccess  Kind = "ROOM_ACCESS_DENIED"
	KindMessageSend Kind = "MESSAGE_SEND_FAILED"
	KindRateLimited Kind = "RATE_LIMITED"
)

// Error carries a Kind alongside the usual wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from anywhere in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrNotConnected is returned by Emit while the channel is down; the
// event itself is queued and replayed on reconnect, not lost.
var ErrNotConnected = NewError(KindConnection, "not connected")
