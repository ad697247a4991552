package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/core"
)

// ErrAlreadyPaired is returned when either connection of a Pin call is
// already engaged in a call. A connection holds at most one pairing.
var ErrAlreadyPaired = errors.New("connection already paired")

// Pairings tracks which connection pair is in an active call. A pairing is
// created on answer receipt and destroyed symmetrically: removing either
// side removes both, atomically.
type Pairings struct {
	mu   sync.Mutex
	peer map[core.ConnID]core.ConnID
}

func NewPairings() *Pairings {
	return &Pairings{peer: make(map[core.ConnID]core.ConnID)}
}

// Pin records (a, b) as an active call. Both sides become observable with
// this single call. Fails without side effects if either side is paired.
func (p *Pairings) Pin(a, b core.ConnID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peer[a]; ok {
		return ErrAlreadyPaired
	}
	if _, ok := p.peer[b]; ok {
		return ErrAlreadyPaired
	}
	p.peer[a] = b
	p.peer[b] = a
	log.Info().Str("module", "relay.pairings").Str("a", string(a)).Str("b", string(b)).Msg("pinned call pair")
	return nil
}

// PeerOf returns the other party of id's active call, if any.
func (p *Pairings) PeerOf(id core.ConnID) (core.ConnID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peer[id]
	return peer, ok
}

// Teardown removes the pairing involving id and returns the former peer.
// Idempotent: a second invocation for the same connection finds no pairing
// and reports had=false, so double cleanup (explicit end followed by
// disconnect) produces a single peer notification upstream.
func (p *Pairings) Teardown(id core.ConnID) (peer core.ConnID, had bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, had = p.peer[id]
	if !had {
		return "", false
	}
	delete(p.peer, id)
	delete(p.peer, peer)
	log.Info().Str("module", "relay.pairings").Str("conn", string(id)).Str("peer", string(peer)).Msg("tore down call pair")
	return peer, true
}
