package session

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/domain"
)

// startRingLocked arms the ringing timeout for an incoming call. The
// generation captured here makes a late fire against a superseded
// session a no-op.
func (m *Machine) startRingLocked() {
	gen := m.gen
	m.ring = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(gen) })
}

func (m *Machine) stopRingLocked() {
	if m.ring != nil {
		m.ring.Stop()
		m.ring = nil
	}
}

func (m *Machine) ringExpired(gen uint64) {
	m.mu.Lock()
	c := m.cur
	if m.gen != gen || c == nil || c.Status != domain.StatusRinging || c.Direction != domain.DirectionIncoming {
		m.mu.Unlock()
		return
	}
	payload := domain.CallMissedPayload{CallID: c.CallID, CallerID: c.Peer.ID}
	m.teardownLocked()
	m.mu.Unlock()

	log.Info().Str("module", "session").Str("call_id", string(payload.CallID)).Msg("ringing timeout, call missed")
	m.emit(domain.EventCallMissed, payload)
	m.noticeUp(domain.NoticeMissedCall)
}

// tickDuration increments the connected-call counter once per tick
// until its stop channel closes or the session generation moves on.
func (m *Machine) tickDuration(gen uint64, stop chan struct{}) {
	t := time.NewTicker(m.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.mu.Lock()
			if m.gen != gen || m.cur == nil || m.cur.Status != domain.StatusConnected {
				m.mu.Unlock()
				return
			}
			m.cur.DurationSeconds++
			m.changedLocked()
			m.mu.Unlock()
		}
	}
}
