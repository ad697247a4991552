// Package signal is the websocket adapter of the relay: it owns the
// transport of each connection and translates wire frames into router calls.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/config"
	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Router  *relay.Router
	Invites *InviteRateLimiter
	Cfg     *config.Config
}

func NewController(router *relay.Router, invites *InviteRateLimiter, cfg *config.Config) *Controller {
	return &Controller{Router: router, Invites: invites, Cfg: cfg}
}

// wsConn wraps one websocket with a buffered outbound queue. TrySend never
// blocks: a full queue means the peer is too slow and the frame is dropped
// rather than stalling the relay.
type wsConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu       sync.RWMutex
	closed   bool
	identity domain.Identity
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) setIdentity(id domain.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *wsConn) Identity() (domain.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.identity != ""
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades one websocket and runs its pumps. The connection
// handle is minted here; the identity arrives later in a register message.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		id:   core.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, ctl.Cfg.SendBuffer),
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
