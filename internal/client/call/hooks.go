package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/domain"
)

// Hooks surfaces call lifecycle events to the embedding application (UI,
// CLI, tests). Every field is optional; nil hooks are skipped.
type Hooks struct {
	// OnRegistered fires once the relay has bound this device.
	OnRegistered func()
	// OnIncoming fires when an invite starts ringing locally.
	OnIncoming func(from domain.Identity, media domain.MediaKind)
	// OnConnected fires when the peer connection reaches connected.
	OnConnected func()
	// OnRemoteTrack fires per inbound media track.
	OnRemoteTrack func(*webrtc.TrackRemote)
	// OnEnded fires exactly once per call with the reason it ended:
	// "hangup", "remote", "declined", "cancelled", "offline", "busy" or
	// an error code.
	OnEnded func(reason string)
	// OnPresence fires per contact availability transition.
	OnPresence func(identity domain.Identity, online bool)
	// OnPresenceSnapshot fires with the full contact roster after register.
	OnPresenceSnapshot func([]core.PresenceState)
	// OnError fires for relay-reported errors that do not end a call.
	OnError func(code, message string)
}

func (h Hooks) registered() {
	if h.OnRegistered != nil {
		h.OnRegistered()
	}
}

func (h Hooks) incoming(from domain.Identity, media domain.MediaKind) {
	if h.OnIncoming != nil {
		h.OnIncoming(from, media)
	}
}

func (h Hooks) connected() {
	if h.OnConnected != nil {
		h.OnConnected()
	}
}

func (h Hooks) remoteTrack(t *webrtc.TrackRemote) {
	if h.OnRemoteTrack != nil {
		h.OnRemoteTrack(t)
	}
}

func (h Hooks) ended(reason string) {
	if h.OnEnded != nil {
		h.OnEnded(reason)
	}
}

func (h Hooks) presence(identity domain.Identity, online bool) {
	if h.OnPresence != nil {
		h.OnPresence(identity, online)
	}
}

func (h Hooks) snapshot(states []core.PresenceState) {
	if h.OnPresenceSnapshot != nil {
		h.OnPresenceSnapshot(states)
	}
}

func (h Hooks) failure(code, message string) {
	if h.OnError != nil {
		h.OnError(code, message)
	}
}
