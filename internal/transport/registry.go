package transport

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/domain"
)

// ErrDuplicateListener is returned when the same (event, id) pair is
// registered twice. Without the guard, naive re-subscription would make
// every remote event fire N times.
var ErrDuplicateListener = errors.New("listener already registered")

// listenerRegistry lives for the whole transport lifetime and survives
// reconnects; only subscriptions closed by their owners are removed.
type listenerRegistry struct {
	mu       sync.RWMutex
	handlers map[domain.EventName]map[string]func(json.RawMessage)
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		handlers: make(map[domain.EventName]map[string]func(json.RawMessage)),
	}
}

func (r *listenerRegistry) add(event domain.EventName, id string, fn func(json.RawMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.handlers[event]
	if !ok {
		byID = make(map[string]func(json.RawMessage))
		r.handlers[event] = byID
	}
	if _, exists := byID[id]; exists {
		log.Warn().Str("module", "transport").Str("event", string(event)).Str("listener", id).Msg("duplicate listener rejected")
		return ErrDuplicateListener
	}
	byID[id] = fn
	return nil
}

func (r *listenerRegistry) remove(event domain.EventName, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byID, ok := r.handlers[event]; ok {
		delete(byID, id)
	}
}

func (r *listenerRegistry) dispatch(event domain.EventName, data json.RawMessage) {
	r.mu.RLock()
	fns := make([]func(json.RawMessage), 0, len(r.handlers[event]))
	for _, fn := range r.handlers[event] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}

// subscription implements core.Subscription; Close is idempotent.
type subscription struct {
	reg   *listenerRegistry
	event domain.EventName
	id    string
	once  sync.Once
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.reg.remove(s.event, s.id)
	})
}
