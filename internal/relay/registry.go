package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/domain"
)

type client struct {
	user domain.Peer
	conn *wsConn
}

// Registry maps authenticated users to their live signaling connection.
// A reconnect replaces the previous binding and closes its connection.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.UserID]*client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.UserID]*client)}
}

func (r *Registry) Bind(user domain.Peer, conn *wsConn) {
	r.mu.Lock()
	prev := r.clients[user.ID]
	r.clients[user.ID] = &client{user: user, conn: conn}
	r.mu.Unlock()

	if prev != nil && prev.conn != conn {
		log.Info().Str("module", "relay").Str("user_id", string(user.ID)).Msg("replacing stale connection")
		prev.conn.Close()
	}
}

// Unbind removes the binding only if conn is still the registered one,
// so a reconnect that already rebound the user is left alone.
func (r *Registry) Unbind(uid domain.UserID, conn *wsConn) {
	r.mu.Lock()
	if cur, ok := r.clients[uid]; ok && cur.conn == conn {
		delete(r.clients, uid)
	}
	r.mu.Unlock()
}

func (r *Registry) Get(uid domain.UserID) (domain.Peer, *wsConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[uid]
	if !ok {
		return domain.Peer{}, nil, false
	}
	return c.user, c.conn, true
}

func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
