package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkurst/dialtone/internal/domain"
)

// MediaStream is one acquired capture session (microphone, camera).
// Close stops the hardware; it must be safe to call twice.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Close()
}

// MediaSource acquires the local capture stream for a call.
// Acquire may block on a user permission prompt; it honors ctx.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.CallKind) (MediaStream, error)
}
