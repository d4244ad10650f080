package service

import (
	"strings"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/spec"
)

// AccessControlService decides whether a user may use a spec. It is a pure
// predicate: same inputs, same answer, no side effects.
type AccessControlService struct {
	specs spec.Provider
	// authorizationEnabled is false when the authentication backend does not
	// enforce authorization (e.g. no auth configured).
	authorizationEnabled bool
}

// NewAccessControlService creates the access control predicate.
func NewAccessControlService(specs spec.Provider, authorizationEnabled bool) *AccessControlService {
	return &AccessControlService{specs: specs, authorizationEnabled: authorizationEnabled}
}

// CanAccess reports whether the user may start proxies from the spec.
// Rules are evaluated in order; the first positive wins.
func (s *AccessControlService) CanAccess(user *auth.Identity, sp *spec.ProxySpec) bool {
	if user == nil || sp == nil {
		return false
	}

	if !s.authorizationEnabled {
		// without an authorizing backend only anonymous users, or specs
		// without restrictions, are allowed
		return user.Anonymous || !sp.AccessControl.HasAccessControl()
	}

	if !sp.AccessControl.HasAccessControl() {
		return true
	}

	for _, name := range sp.AccessControl.Users {
		if strings.EqualFold(name, user.UserID) {
			return true
		}
	}
	for _, group := range sp.AccessControl.Groups {
		if user.IsMember(group) {
			return true
		}
	}
	return false
}

// CanAccessSpecID resolves the spec by id and applies CanAccess. Unknown ids
// yield false.
func (s *AccessControlService) CanAccessSpecID(user *auth.Identity, specID string) bool {
	return s.CanAccess(user, s.specs.Spec(specID))
}

// IsOwner reports whether the user owns the given proxy.
func IsOwner(user *auth.Identity, userID string) bool {
	return user != nil && user.UserID != "" && user.UserID == userID
}
