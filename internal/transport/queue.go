package transport

import (
	"sync"

	"github.com/dkurst/dialtone/internal/domain"
)

type queuedEvent struct {
	event domain.EventName
	frame []byte
}

// outboundQueue buffers frames emitted while disconnected. Replay is
// strict FIFO, exactly once per frame.
type outboundQueue struct {
	mu    sync.Mutex
	items []queuedEvent
}

func (q *outboundQueue) push(event domain.EventName, frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queuedEvent{event: event, frame: frame})
}

// drain returns everything in insertion order and empties the queue.
func (q *outboundQueue) drain() []queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// requeue puts unflushed frames back at the head, keeping their order
// ahead of anything pushed meanwhile.
func (q *outboundQueue) requeue(items []queuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]queuedEvent{}, items...), q.items...)
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
