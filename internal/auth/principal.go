// Package auth models the verified caller identity handed to the engine and
// the directory of known principals used to resolve ACL grantees. Request
// signing happens outside the engine; by the time a call reaches the service
// the principal is already trusted.
package auth

import (
	"github.com/bleepstore/bleepcore/internal/acl"
)

// Principal is the verified identity of a caller. The zero value is the
// anonymous principal.
type Principal struct {
	// ID is the canonical user id, empty for anonymous callers.
	ID          string
	DisplayName string
}

// Anonymous is the unauthenticated principal.
var Anonymous = Principal{}

// IsAnonymous reports whether the principal carries no identity.
func (p Principal) IsAnonymous() bool {
	return p.ID == ""
}

// Owner returns the principal as an ACL owner.
func (p Principal) Owner() acl.Owner {
	return acl.Owner{ID: p.ID, DisplayName: p.DisplayName}
}

func (p Principal) String() string {
	if p.IsAnonymous() {
		return "anonymous"
	}
	return p.ID
}
