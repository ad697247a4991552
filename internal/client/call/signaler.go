package call

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/protocol"
)

// Signaler carries signaling messages to the relay. The controller only
// ever sends through it; inbound traffic is pushed into the controller by
// whoever owns the transport.
type Signaler interface {
	Send(protocol.Message) error
	Close() error
}

// WSSignaler is the production Signaler: one websocket to the relay's
// signal endpoint, writes serialized through a mutex.
type WSSignaler struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialRelay connects to the relay signal endpoint, e.g.
// ws://host:8080/api/ws/signal.
func DialRelay(ctx context.Context, url string) (*WSSignaler, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &WSSignaler{conn: conn}, nil
}

func (s *WSSignaler) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *WSSignaler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Run reads frames until the socket or context dies and feeds every parsed
// message into the controller. It returns the read error that ended the
// loop.
func (s *WSSignaler) Run(ctx context.Context, ctrl *Controller) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "call.signaler").Msg("drop malformed frame")
			continue
		}
		ctrl.HandleMessage(msg)
	}
}
