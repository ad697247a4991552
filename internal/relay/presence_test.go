package relay

import (
	"testing"

	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/protocol"
)

func TestPresence_TransitionReachesAllWatcherDevices(t *testing.T) {
	// bob watches alice from two devices.
	r := testRouter(map[domain.Identity][]domain.Identity{"bob": {"alice"}})
	bob1 := mustRegister(t, r, "bob", "b1")
	bob2 := mustRegister(t, r, "bob", "b2")

	mustRegister(t, r, "alice", "a1")

	for name, c := range map[string]*fakeConn{"b1": bob1, "b2": bob2} {
		m := c.lastType(t, protocol.TypePresence)
		if m.Identity != "alice" || m.Online == nil || !*m.Online {
			t.Fatalf("%s: presence = %+v, want alice online", name, m)
		}
	}

	// Second alice device: no new transition event.
	before := bob1.countType(protocol.TypePresence)
	mustRegister(t, r, "alice", "a2")
	if got := bob1.countType(protocol.TypePresence); got != before {
		t.Fatalf("second device registration produced a presence event")
	}

	// Both alice devices leave: exactly one offline event.
	r.Disconnect("a1")
	if got := bob1.countType(protocol.TypePresence); got != before {
		t.Fatalf("offline event fired while a device is still connected")
	}
	r.Disconnect("a2")
	m := bob1.lastType(t, protocol.TypePresence)
	if m.Identity != "alice" || m.Online == nil || *m.Online {
		t.Fatalf("presence = %+v, want alice offline", m)
	}
	if got := bob1.countType(protocol.TypePresence); got != before+1 {
		t.Fatalf("presence events = %d, want %d", got, before+1)
	}
}

func TestPresence_SnapshotOnRegister(t *testing.T) {
	r := testRouter(map[domain.Identity][]domain.Identity{"bob": {"alice", "carol"}})
	mustRegister(t, r, "alice", "a1")

	bob := mustRegister(t, r, "bob", "b1")
	m := bob.lastType(t, protocol.TypePresenceSnapshot)
	if len(m.Contacts) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(m.Contacts))
	}
	got := map[string]bool{}
	for _, s := range m.Contacts {
		got[string(s.Identity)] = s.Online
	}
	if !got["alice"] || got["carol"] {
		t.Fatalf("snapshot = %v, want alice online and carol offline", got)
	}
}
