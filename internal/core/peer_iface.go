package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkurst/dialtone/internal/domain"
)

// PeerLink wraps one peer-connection for the lifetime of one call.
// The session machine decides when each method runs; the link only
// does the SDP/ICE mechanics.
type PeerLink interface {
	// Start binds internal callbacks and ties the link lifetime to ctx.
	Start(ctx context.Context) error
	AddLocalTracks(stream MediaStream) error
	CreateOffer(ctx context.Context) (domain.SDP, error)
	// AcceptOffer applies the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer domain.SDP) (domain.SDP, error)
	AcceptAnswer(answer domain.SDP) error
	AddICECandidate(domain.ICECandidate) error

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(domain.ICECandidate))
	// OnRemoteTrack sets a callback invoked when a remote track arrives.
	OnRemoteTrack(func(track *webrtc.TrackRemote))
	// OnFailure sets a callback for a dead peer connection; the session
	// treats it as a terminal transition.
	OnFailure(func(error))

	// SetAudioEnabled pauses/resumes the outgoing audio sender without
	// renegotiation. SetVideoEnabled does the same for video.
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	// Close stops the underlying peer connection. Safe to call twice.
	Close()
}

// PeerLinkFactory creates a fresh link per call session.
type PeerLinkFactory func() (PeerLink, error)
