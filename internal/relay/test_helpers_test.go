package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/directory"
	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/protocol"
)

// fakeConn records every frame sent to it, decoded back into messages so
// tests can assert on types and addressing.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	var m protocol.Message
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) countType(t protocol.MessageType) int {
	n := 0
	for _, m := range c.sent() {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (c *fakeConn) lastType(t *testing.T, want protocol.MessageType) protocol.Message {
	t.Helper()
	msgs := c.sent()
	if len(msgs) == 0 {
		t.Fatalf("no messages sent, want %s", want)
	}
	last := msgs[len(msgs)-1]
	if last.Type != want {
		t.Fatalf("last message type = %s, want %s (all: %+v)", last.Type, want, msgs)
	}
	return last
}

// testRouter wires a router over an in-memory directory where everybody
// watches everybody listed in contacts.
func testRouter(contacts map[domain.Identity][]domain.Identity) *Router {
	dir := directory.NewStatic()
	for owner, ids := range contacts {
		for _, id := range ids {
			dir.Add(owner, domain.Contact{Identity: id, Name: string(id)})
		}
	}
	reg := NewRegistry()
	return NewRouter(reg, NewPairings(), NewPresence(reg, dir))
}

func mustRegister(t *testing.T, r *Router, id domain.Identity, conn core.ConnID) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	if err := r.Register(id, conn, c); err != nil {
		t.Fatalf("Register(%s, %s): %v", id, conn, err)
	}
	return c
}

func testOffer() protocol.SessionDescription {
	return protocol.SessionDescription{Type: "offer", SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"}
}

func testAnswer() protocol.SessionDescription {
	return protocol.SessionDescription{Type: "answer", SDP: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"}
}
