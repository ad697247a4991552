package signal

import "github.com/vberezin/dialtone/internal/protocol"

func (ctl *Controller) handlePing(c *wsConn) {
	ctl.reply(c, protocol.Message{Type: protocol.TypePong})
}
