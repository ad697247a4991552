package relay

import (
	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/directory"
	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/protocol"
)

// Presence derives online/offline transitions from registry membership and
// fans them out to the contacts that watch the transitioning identity.
type Presence struct {
	reg *Registry
	dir directory.Directory
}

func NewPresence(reg *Registry, dir directory.Directory) *Presence {
	return &Presence{reg: reg, dir: dir}
}

// NotifyTransition pushes identity's new binary state to every live
// connection of every watcher. Called only on empty<->non-empty registry
// transitions, so each flap produces exactly one event per watcher.
func (p *Presence) NotifyTransition(identity domain.Identity, online bool) {
	frame, err := protocol.Encode(protocol.Message{
		Type:     protocol.TypePresence,
		Identity: identity,
		Online:   &online,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "relay.presence").Msg("encode presence update")
		return
	}
	for _, watcher := range p.dir.WatchersOf(identity) {
		for _, snap := range p.reg.ConnectionsFor(watcher) {
			if err := snap.Conn.TrySend(frame); err != nil {
				log.Warn().Err(err).Str("module", "relay.presence").Str("conn", string(snap.ID)).Msg("presence update dropped")
			}
		}
	}
	log.Info().Str("module", "relay.presence").Str("identity", string(identity)).Bool("online", online).Msg("presence transition")
}

// SendSnapshot delivers the current presence of all of identity's contacts
// to one freshly registered connection, so a new device does not have to
// wait for the next transition to learn existing state.
func (p *Presence) SendSnapshot(identity domain.Identity, conn core.SignalConnection) {
	contacts := p.dir.ContactsOf(identity)
	states := make([]core.PresenceState, 0, len(contacts))
	for _, c := range contacts {
		states = append(states, core.PresenceState{
			Identity: c.Identity,
			Online:   p.reg.Online(c.Identity),
		})
	}
	frame, err := protocol.Encode(protocol.Message{
		Type:     protocol.TypePresenceSnapshot,
		Contacts: states,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "relay.presence").Msg("encode presence snapshot")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay.presence").Str("identity", string(identity)).Msg("presence snapshot dropped")
	}
}
