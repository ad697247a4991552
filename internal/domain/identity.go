// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const MaxIdentityLen = 36

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// Identity is a stable user account reference. It is minted by the auth
// collaborator; this core only reads it.
type Identity string

func (id Identity) Validate() error {
	if len(id) == 0 {
		return ErrIdentityEmpty
	}
	if len(id) > MaxIdentityLen {
		return ErrIdentityTooLong
	}
	return nil
}

// Contact is one entry of an identity's contact list, as supplied by the
// directory collaborator.
type Contact struct {
	Identity Identity `json:"id"`
	Name     string   `json:"name"`
}
