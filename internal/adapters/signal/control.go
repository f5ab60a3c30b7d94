package signal

import (
	"errors"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *RelayWSController) handlePing(conn *WsSignalConn) {
	ctl.sendFrame(conn, domain.RelayFrame{Type: domain.FramePong})
}

func (ctl *RelayWSController) handleSubscribe(sid core.SocketID, conn *WsSignalConn, f domain.RelayFrame) {
	if err := ctl.Orch.Subscribe(sid, f.Channel, f.Auth); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("channel", f.Channel).Msg("subscribe rejected")
		ctl.sendError(conn, f.Channel, errorCode(err))
		return
	}
	ctl.sendFrame(conn, domain.RelayFrame{Type: domain.FrameSubscribed, Channel: f.Channel})
}

func (ctl *RelayWSController) handleUnsubscribe(sid core.SocketID, conn *WsSignalConn, f domain.RelayFrame) {
	ctl.Orch.Unsubscribe(sid, f.Channel)
	ctl.sendFrame(conn, domain.RelayFrame{Type: domain.FrameUnsubscribed, Channel: f.Channel})
}

func (ctl *RelayWSController) sendError(conn *WsSignalConn, channel, code string) {
	ctl.sendFrame(conn, domain.RelayFrame{Type: domain.FrameError, Channel: channel, Error: code})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
