package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/domain"
)

// ErrConnBound is returned when a connection is registered under a second
// identity. A live channel belongs to exactly one identity.
var ErrConnBound = errors.New("connection already bound to another identity")

// ConnSnap is one live connection of an identity, safe to use outside the
// registry lock.
type ConnSnap struct {
	ID   core.ConnID
	Conn core.SignalConnection
}

type connEntry struct {
	identity domain.Identity
	conn     core.SignalConnection
}

// Registry maps identities to their live signaling connections. A user may
// be connected from several devices at once; each device is one entry.
// All mutations are whole-operation critical sections.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[core.ConnID]*connEntry
	byIdent map[domain.Identity]map[core.ConnID]core.SignalConnection
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:  make(map[core.ConnID]*connEntry),
		byIdent: make(map[domain.Identity]map[core.ConnID]core.SignalConnection),
	}
}

// Register binds conn to identity. Idempotent for the same (identity, conn)
// pair. wentOnline is true when this was the identity's first live
// connection, i.e. the offline -> online transition happened.
func (r *Registry) Register(identity domain.Identity, id core.ConnID, conn core.SignalConnection) (wentOnline bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byConn[id]; ok {
		if e.identity != identity {
			return false, ErrConnBound
		}
		return false, nil
	}

	set := r.byIdent[identity]
	if set == nil {
		set = make(map[core.ConnID]core.SignalConnection)
		r.byIdent[identity] = set
		wentOnline = true
	}
	set[id] = conn
	r.byConn[id] = &connEntry{identity: identity, conn: conn}

	log.Info().Str("module", "relay.registry").Str("conn", string(id)).Str("identity", string(identity)).Bool("went_online", wentOnline).Msg("registered connection")
	return wentOnline, nil
}

// Unregister removes conn. Safe to call twice: the explicit end-call path
// and the raw disconnect path may both attempt cleanup of the same
// connection, the second call is a no-op. wentOffline is true when this was
// the identity's last live connection.
func (r *Registry) Unregister(id core.ConnID) (identity domain.Identity, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[id]
	if !ok {
		return "", false
	}
	delete(r.byConn, id)

	set := r.byIdent[e.identity]
	delete(set, id)
	if len(set) == 0 {
		delete(r.byIdent, e.identity)
		wentOffline = true
	}

	log.Info().Str("module", "relay.registry").Str("conn", string(id)).Str("identity", string(e.identity)).Bool("went_offline", wentOffline).Msg("unregistered connection")
	return e.identity, wentOffline
}

// ConnectionsFor returns every live connection of identity.
func (r *Registry) ConnectionsFor(identity domain.Identity) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdent[identity]
	out := make([]ConnSnap, 0, len(set))
	for id, conn := range set {
		out = append(out, ConnSnap{ID: id, Conn: conn})
	}
	return out
}

// IdentityOf resolves the owner of a connection.
func (r *Registry) IdentityOf(id core.ConnID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[id]
	if !ok {
		return "", false
	}
	return e.identity, true
}

// Conn returns the transport of one connection, if it is still live.
func (r *Registry) Conn(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Online reports whether identity has at least one live connection.
func (r *Registry) Online(identity domain.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdent[identity]) > 0
}
