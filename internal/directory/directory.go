// Package directory is the read-only view of the auth/profile collaborator:
// identity resolution and contact lists needed for routing and presence
// fan-out. The relay never writes through this interface.
package directory

import (
	"sync"

	"github.com/vberezin/dialtone/internal/domain"
)

type Directory interface {
	// ContactsOf returns the contact list of id. Unknown identities have an
	// empty list, not an error; the relay treats them as contactless.
	ContactsOf(id domain.Identity) []domain.Contact
	// WatchersOf returns the identities that have id in their contact list,
	// i.e. who must be told when id goes online or offline.
	WatchersOf(id domain.Identity) []domain.Identity
}

// Static is an in-memory Directory seeded once at startup. Good enough for
// a relay that reads contact data owned elsewhere.
type Static struct {
	mu       sync.RWMutex
	contacts map[domain.Identity][]domain.Contact
	watchers map[domain.Identity][]domain.Identity
}

func NewStatic() *Static {
	return &Static{
		contacts: make(map[domain.Identity][]domain.Contact),
		watchers: make(map[domain.Identity][]domain.Identity),
	}
}

// Add records that owner has contact c, and that owner watches c.
func (s *Static) Add(owner domain.Identity, c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[owner] = append(s.contacts[owner], c)
	s.watchers[c.Identity] = append(s.watchers[c.Identity], owner)
}

func (s *Static) ContactsOf(id domain.Identity) []domain.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Contact, len(s.contacts[id]))
	copy(out, s.contacts[id])
	return out
}

func (s *Static) WatchersOf(id domain.Identity) []domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Identity, len(s.watchers[id]))
	copy(out, s.watchers[id])
	return out
}
