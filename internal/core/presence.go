package core

import "github.com/vberezin/dialtone/internal/domain"

// PresenceState is a read-only view of one contact's derived online/offline
// status (online iff the contact has at least one live connection).
type PresenceState struct {
	Identity domain.Identity `json:"identity"`
	Online   bool            `json:"online"`
}
