package relay

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/domain"
)

// handleInitiate mints a call ID, acks the caller, and rings the
// callee. An offline callee turns straight into a rejection so the
// caller does not sit in "calling" forever.
func (ctl *Controller) handleInitiate(caller domain.Peer, c *wsConn, data json.RawMessage) {
	if !ctl.limiter.Allow(caller.ID) {
		log.Warn().Str("module", "relay").Str("user_id", string(caller.ID)).Msg("call rate limited")
		ctl.sendJSON(c, domain.EventError, domain.ErrorPayload{
			Kind:    domain.KindRateLimited,
			Message: "too many call attempts",
		})
		return
	}

	var req domain.CallInitiatePayload
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad call_initiate payload")
		return
	}
	if req.TargetUserID == "" || req.TargetUserID == caller.ID {
		ctl.sendJSON(c, domain.EventError, domain.ErrorPayload{
			Kind:    domain.KindMessageSend,
			Message: "invalid call target",
		})
		return
	}

	callID := domain.CallID(uuid.NewString())

	_, target, online := ctl.reg.Get(req.TargetUserID)
	if !online {
		log.Info().Str("module", "relay").Str("call_id", string(callID)).Str("target_user_id", string(req.TargetUserID)).Msg("callee offline")
		ctl.sendJSON(c, domain.EventCallInitiated, domain.CallInitiatedPayload{CallID: callID})
		ctl.sendJSON(c, domain.EventCallRejected, domain.CallRejectedPayload{CallID: callID, CallerID: req.TargetUserID})
		return
	}

	ctl.sendJSON(c, domain.EventCallInitiated, domain.CallInitiatedPayload{CallID: callID})
	ctl.sendJSON(target, domain.EventCallIncoming, domain.CallIncomingPayload{
		CallID:       callID,
		CallerID:     caller.ID,
		CallerName:   caller.Name,
		CallerAvatar: caller.Avatar,
		CallType:     req.CallType,
		RoomID:       req.RoomID,
	})
	log.Info().
		Str("module", "relay").
		Str("call_id", string(callID)).
		Str("caller_id", string(caller.ID)).
		Str("target_user_id", string(req.TargetUserID)).
		Msg("call routed")
}

// forward relays a signaling frame to the other party of the call. The
// destination is whichever of target_user_id/caller_id the payload
// carries; the original frame goes through untouched.
func (ctl *Controller) forward(from domain.Peer, c *wsConn, event domain.EventName, data json.RawMessage, frame []byte) {
	var addr struct {
		TargetUserID domain.UserID `json:"target_user_id"`
		CallerID     domain.UserID `json:"caller_id"`
	}
	if err := json.Unmarshal(data, &addr); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("type", string(event)).Msg("bad payload")
		return
	}

	to := addr.TargetUserID
	if to == "" {
		to = addr.CallerID
	}
	if to == "" {
		log.Warn().Str("module", "relay").Str("type", string(event)).Str("from", string(from.ID)).Msg("frame without destination")
		return
	}

	_, dest, online := ctl.reg.Get(to)
	if !online {
		log.Info().Str("module", "relay").Str("type", string(event)).Str("to", string(to)).Msg("destination offline, frame dropped")
		return
	}
	if err := dest.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("type", string(event)).Str("to", string(to)).Msg("forward failed")
	}
}
