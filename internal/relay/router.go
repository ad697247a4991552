package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/protocol"
)

// fanout is the transient ring-all-devices state of one outstanding invite,
// keyed by the caller's connection. It is replaced by a single pairing entry
// on first accept; every other recipient then gets an explicit cancel.
type fanout struct {
	callee  domain.Identity
	ringing map[core.ConnID]struct{}
}

// Router relays signaling messages between connections. It is stateless
// with respect to session contents: offers, answers and candidates pass
// through opaquely, only addressing is inspected.
type Router struct {
	Registry *Registry
	Pairings *Pairings
	Presence *Presence

	mu      sync.Mutex
	fanouts map[core.ConnID]*fanout   // caller conn -> outstanding invite
	ringing map[core.ConnID]core.ConnID // ringing callee conn -> caller conn
}

func NewRouter(reg *Registry, pairs *Pairings, pres *Presence) *Router {
	return &Router{
		Registry: reg,
		Pairings: pairs,
		Presence: pres,
		fanouts:  make(map[core.ConnID]*fanout),
		ringing:  make(map[core.ConnID]core.ConnID),
	}
}

// send encodes and fire-and-forgets one message to a connection. Send
// failures (dead or backpressured peer) are logged, never propagated: the
// relay's control flow must not block on a third party.
func (r *Router) send(to core.ConnID, m protocol.Message) {
	conn, ok := r.Registry.Conn(to)
	if !ok {
		log.Warn().Str("module", "relay.router").Str("conn", string(to)).Str("type", string(m.Type)).Msg("send: connection gone")
		return
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("send: encode")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay.router").Str("conn", string(to)).Str("type", string(m.Type)).Msg("send: dropped")
	}
}

func (r *Router) sendError(to core.ConnID, code, msg string) {
	r.send(to, protocol.Message{Type: protocol.TypeError, Code: code, Message: msg})
}

// Register binds a connection to its identity and performs the presence
// side effects: a transition event for watchers when the identity came
// online, and a one-time snapshot for the new device either way.
func (r *Router) Register(identity domain.Identity, id core.ConnID, conn core.SignalConnection) error {
	wentOnline, err := r.Registry.Register(identity, id, conn)
	if err != nil {
		return err
	}
	if wentOnline {
		r.Presence.NotifyTransition(identity, true)
	}
	r.Presence.SendSnapshot(identity, conn)
	return nil
}

// RouteInvite fans an invite out to every live connection of the callee.
// An offline callee yields exactly one unreachable reply; a callee whose
// every device is mid-call yields unreachable with reason busy.
func (r *Router) RouteInvite(from domain.Identity, fromConn core.ConnID, to domain.CallTarget, offer protocol.SessionDescription, media domain.MediaKind) {
	if _, paired := r.Pairings.PeerOf(fromConn); paired {
		r.sendError(fromConn, protocol.CodeAlreadyPaired, "already in a call")
		return
	}

	snaps := r.Registry.ConnectionsFor(to.ID)
	if len(snaps) == 0 {
		r.send(fromConn, protocol.Message{Type: protocol.TypeUnreachable, Identity: to.ID, Reason: protocol.ReasonOffline})
		return
	}

	// Target selection and fan-out registration happen in one critical
	// section: a connection belongs to at most one fan-out at a time, so a
	// device that is mid-call or already ringing for another caller counts
	// as busy here.
	r.mu.Lock()
	if _, outstanding := r.fanouts[fromConn]; outstanding {
		r.mu.Unlock()
		r.sendError(fromConn, protocol.CodeAlreadyPaired, "invite already ringing")
		return
	}
	free := snaps[:0]
	for _, s := range snaps {
		if _, inCall := r.Pairings.PeerOf(s.ID); inCall {
			continue
		}
		if _, alreadyRinging := r.ringing[s.ID]; alreadyRinging {
			continue
		}
		free = append(free, s)
	}
	if len(free) == 0 {
		r.mu.Unlock()
		r.send(fromConn, protocol.Message{Type: protocol.TypeUnreachable, Identity: to.ID, Reason: protocol.ReasonBusy})
		return
	}
	fo := &fanout{callee: to.ID, ringing: make(map[core.ConnID]struct{}, len(free))}
	r.fanouts[fromConn] = fo
	for _, s := range free {
		fo.ringing[s.ID] = struct{}{}
		r.ringing[s.ID] = fromConn
	}
	r.mu.Unlock()

	invite := protocol.Message{
		Type:     protocol.TypeInvite,
		From:     from,
		FromConn: fromConn,
		Offer:    &offer,
		Media:    media,
	}
	for _, s := range free {
		r.send(s.ID, invite)
	}
	log.Info().Str("module", "relay.router").Str("from", string(from)).Str("to", string(to.ID)).Int("devices", len(free)).Msg("invite fanned out")
}

// RouteAccept converges the fan-out: the first accepting device is pinned
// to the caller, every other ringing device is told to stop, and any later
// accept finds no outstanding invite and is rejected.
func (r *Router) RouteAccept(from domain.Identity, fromConn, toConn core.ConnID, answer protocol.SessionDescription) {
	r.mu.Lock()
	fo, ok := r.fanouts[toConn]
	if !ok || fo == nil {
		r.mu.Unlock()
		if _, paired := r.Pairings.PeerOf(toConn); paired {
			r.sendError(fromConn, protocol.CodeAlreadyPaired, "call was already accepted")
		} else {
			r.sendError(fromConn, protocol.CodeNoInvite, "no outstanding invite")
		}
		return
	}
	if _, ringing := fo.ringing[fromConn]; !ringing {
		r.mu.Unlock()
		r.sendError(fromConn, protocol.CodeNoInvite, "connection was not invited")
		return
	}
	delete(r.fanouts, toConn)
	losers := make([]core.ConnID, 0, len(fo.ringing))
	for id := range fo.ringing {
		delete(r.ringing, id)
		if id != fromConn {
			losers = append(losers, id)
		}
	}
	r.mu.Unlock()

	if err := r.Pairings.Pin(toConn, fromConn); err != nil {
		r.sendError(fromConn, protocol.CodeAlreadyPaired, "caller is no longer available")
		return
	}
	// The caller can disconnect between fan-out consumption and the pin;
	// its Disconnect found nothing to tear down, so undo the pin here.
	if _, alive := r.Registry.Conn(toConn); !alive {
		r.Pairings.Teardown(toConn)
		r.sendError(fromConn, protocol.CodeNoInvite, "caller disconnected")
		return
	}

	r.send(toConn, protocol.Message{
		Type:     protocol.TypeAccept,
		From:     from,
		FromConn: fromConn,
		Answer:   &answer,
	})
	for _, id := range losers {
		r.send(id, protocol.Message{Type: protocol.TypeCancel, FromConn: toConn})
	}
	log.Info().Str("module", "relay.router").Str("caller_conn", string(toConn)).Str("accepter_conn", string(fromConn)).Int("cancelled", len(losers)).Msg("call pinned")
}

// RouteCandidate forwards a network-path candidate verbatim to the named
// connection, tagged with the sender so the receiver can associate it.
// A candidate for a vanished connection is logged and discarded, per the
// error taxonomy it is never fatal.
func (r *Router) RouteCandidate(fromConn, toConn core.ConnID, cand protocol.Candidate) {
	if _, ok := r.Registry.Conn(toConn); !ok {
		log.Warn().Str("module", "relay.router").Str("conn", string(toConn)).Msg("candidate for gone connection discarded")
		return
	}
	r.send(toConn, protocol.Message{
		Type:      protocol.TypeCandidate,
		FromConn:  fromConn,
		Candidate: &cand,
	})
}

// RouteEnd ends whatever call activity the sender has: a pinned call, an
// outstanding invite, or an invite it is ringing for. An empty toConn means
// the sender has no peer connection to name, which happens only on the
// caller-abandon path. Only the sender's own state is touched: an end
// naming a connection the sender is neither pinned to nor ringing for must
// not unpin that connection's call.
func (r *Router) RouteEnd(fromConn, toConn core.ConnID) {
	if peer, had := r.Pairings.Teardown(fromConn); had {
		// Symmetric teardown already removed both sides; the true peer is
		// notified regardless of which connection the sender named.
		r.send(peer, protocol.Message{Type: protocol.TypeEnd, FromConn: fromConn})
		return
	}

	// Caller hung up while its invite was still ringing.
	r.cancelFanout(fromConn, "")

	// A ringing device declined: forward to the caller and stop the other
	// devices, the caller is about to tear down.
	r.mu.Lock()
	caller, wasRinging := r.ringing[fromConn]
	r.mu.Unlock()
	if wasRinging && caller == toConn {
		r.send(caller, protocol.Message{Type: protocol.TypeEnd, FromConn: fromConn})
		r.cancelFanout(caller, fromConn)
	}
}

// Disconnect handles abrupt connection loss. It is treated identically to
// an explicit end for pairing cleanup, so the remaining peer is always
// notified, then registry and presence state are updated.
func (r *Router) Disconnect(id core.ConnID) {
	if peer, had := r.Pairings.Teardown(id); had {
		r.send(peer, protocol.Message{Type: protocol.TypeEnd, FromConn: id})
	}

	// Outstanding invite from this connection: silence the callee devices.
	r.cancelFanout(id, "")

	// This connection was ringing for some caller: stop counting it. When
	// it was the last ringing device, the caller learns the callee became
	// unreachable instead of ringing forever.
	r.mu.Lock()
	caller, wasRinging := r.ringing[id]
	if wasRinging {
		delete(r.ringing, id)
		fo := r.fanouts[caller]
		var callee domain.Identity
		lastDevice := false
		if fo != nil {
			delete(fo.ringing, id)
			if len(fo.ringing) == 0 {
				delete(r.fanouts, caller)
				callee = fo.callee
				lastDevice = true
			}
		}
		r.mu.Unlock()
		if lastDevice {
			r.send(caller, protocol.Message{Type: protocol.TypeUnreachable, Identity: callee, Reason: protocol.ReasonOffline})
		}
	} else {
		r.mu.Unlock()
	}

	identity, wentOffline := r.Registry.Unregister(id)
	if wentOffline {
		r.Presence.NotifyTransition(identity, false)
	}
}

// cancelFanout drops the outstanding invite keyed by caller and sends a
// cancel to every ringing device except skip. No-op when no invite is
// outstanding.
func (r *Router) cancelFanout(caller core.ConnID, skip core.ConnID) {
	r.mu.Lock()
	fo, ok := r.fanouts[caller]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.fanouts, caller)
	targets := make([]core.ConnID, 0, len(fo.ringing))
	for id := range fo.ringing {
		delete(r.ringing, id)
		if id != skip {
			targets = append(targets, id)
		}
	}
	r.mu.Unlock()

	for _, id := range targets {
		r.send(id, protocol.Message{Type: protocol.TypeCancel, FromConn: caller})
	}
}
