package core

import (
	"encoding/json"

	"github.com/dkurst/dialtone/internal/domain"
)

// Subscription is a scoped listener handle. Closing it is the only way
// to stop receiving events.
type Subscription interface {
	Close()
}

// Signaler abstracts the bidirectional signaling channel.
// Owned by the adapter; the adapter must Close() it.
type Signaler interface {
	// Emit sends one event. While disconnected it queues the event for
	// FIFO replay and returns domain.ErrNotConnected.
	Emit(event domain.EventName, payload any) error
	// On registers fn for event under id. A second registration of the
	// same (event, id) pair is rejected, never duplicated.
	On(event domain.EventName, id string, fn func(data json.RawMessage)) (Subscription, error)
}
