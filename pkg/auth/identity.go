// Package auth defines the identity of a caller as seen by the proxy core.
//
// Authentication itself happens elsewhere; the core only needs a stable user
// id, group membership and a couple of capability flags.
package auth

import "strings"

// Identity describes an authenticated (or anonymous) caller.
type Identity struct {
	// UserID is the stable identifier of the user, empty for anonymous callers.
	UserID string
	// Groups the user is a member of.
	Groups []string
	// Admin marks operators that may manage any proxy.
	Admin bool
	// Anonymous is true when the authentication backend did not identify the caller.
	Anonymous bool
	// Principal is the backend-specific principal, exposed to spec expressions.
	Principal any
	// Credentials are the backend-specific credentials, exposed to spec expressions.
	Credentials any
}

// Anonymous returns the identity used for unauthenticated callers.
func AnonymousIdentity() *Identity {
	return &Identity{Anonymous: true}
}

// IsMember reports whether the identity belongs to the given group.
// Group names are compared case-insensitively.
func (i *Identity) IsMember(group string) bool {
	if i == nil {
		return false
	}
	for _, g := range i.Groups {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}
