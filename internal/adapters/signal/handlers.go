package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/protocol"
)

func (ctl *Controller) reply(c *wsConn, m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode reply")
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *Controller) replyError(c *wsConn, code, msg string) {
	ctl.reply(c, protocol.Message{Type: protocol.TypeError, Code: code, Message: msg})
}

func (ctl *Controller) handleFrame(c *wsConn, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("bad frame")
		if errors.Is(err, domain.ErrGroupUnsupported) {
			ctl.replyError(c, protocol.CodeGroupUnsupported, "group calls are not supported")
		} else {
			ctl.replyError(c, protocol.CodeBadPayload, err.Error())
		}
		return
	}

	if msg.Type == protocol.TypeRegister {
		ctl.handleRegister(c, msg)
		return
	}
	if msg.Type == protocol.TypePing {
		ctl.handlePing(c)
		return
	}

	identity, ok := c.Identity()
	if !ok {
		ctl.replyError(c, protocol.CodeNotRegistered, "register first")
		return
	}

	switch msg.Type {
	case protocol.TypeInvite:
		ctl.handleInvite(c, identity, msg)
	case protocol.TypeAccept:
		ctl.Router.RouteAccept(identity, c.id, msg.ToConn, *msg.Answer)
	case protocol.TypeCandidate:
		ctl.Router.RouteCandidate(c.id, msg.ToConn, *msg.Candidate)
	case protocol.TypeEnd:
		ctl.Router.RouteEnd(c.id, msg.ToConn)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unhandled signal")
		ctl.replyError(c, protocol.CodeUnknownType, string(msg.Type))
	}
}

func (ctl *Controller) handleRegister(c *wsConn, msg protocol.Message) {
	if err := ctl.Router.Register(msg.Identity, c.id, c); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("register rejected")
		ctl.replyError(c, protocol.CodeBadPayload, err.Error())
		return
	}
	c.setIdentity(msg.Identity)
	ctl.reply(c, protocol.Message{Type: protocol.TypeRegistered, Conn: c.id})
	log.Info().Str("module", "signal").Str("conn", string(c.id)).Str("identity", string(msg.Identity)).Msg("registered")
}

func (ctl *Controller) handleInvite(c *wsConn, identity domain.Identity, msg protocol.Message) {
	if ctl.Invites != nil && !ctl.Invites.Allow(identity) {
		ctl.replyError(c, protocol.CodeRateLimited, "too many invites")
		return
	}
	ctl.Router.RouteInvite(identity, c.id, *msg.To, *msg.Offer, msg.Media)
}
