package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/spec"
)

func accessRegistry(t *testing.T) *spec.Registry {
	t.Helper()
	r := spec.NewRegistry()
	require.NoError(t, r.Register(&spec.ProxySpec{ID: "open"}))
	require.NoError(t, r.Register(&spec.ProxySpec{
		ID:            "by-user",
		AccessControl: &spec.AccessControlSpec{Users: []string{"Jack"}},
	}))
	require.NoError(t, r.Register(&spec.ProxySpec{
		ID:            "by-group",
		AccessControl: &spec.AccessControlSpec{Groups: []string{"scientists"}},
	}))
	return r
}

func TestCanAccess(t *testing.T) {
	t.Parallel()

	r := accessRegistry(t)
	ac := NewAccessControlService(r, true)

	jack := &auth.Identity{UserID: "jack", Groups: []string{"SCIENTISTS"}}
	jeff := &auth.Identity{UserID: "jeff", Groups: []string{"visitors"}}

	tests := []struct {
		name   string
		user   *auth.Identity
		specID string
		want   bool
	}{
		{"open spec allows anyone", jeff, "open", true},
		{"user match is case-insensitive", jack, "by-user", true},
		{"non-listed user denied", jeff, "by-user", false},
		{"group match is case-insensitive", jack, "by-group", true},
		{"non-member denied", jeff, "by-group", false},
		{"nil user denied", nil, "open", false},
		{"unknown spec denied", jack, "ghost", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ac.CanAccessSpecID(tc.user, tc.specID))
		})
	}
}

func TestCanAccessWithoutAuthorization(t *testing.T) {
	t.Parallel()

	r := accessRegistry(t)
	ac := NewAccessControlService(r, false)

	anonymous := auth.AnonymousIdentity()
	named := &auth.Identity{UserID: "jack"}

	// without an authorizing backend anonymous users reach everything,
	// named users only unrestricted specs
	assert.True(t, ac.CanAccessSpecID(anonymous, "by-group"))
	assert.True(t, ac.CanAccessSpecID(named, "open"))
	assert.False(t, ac.CanAccessSpecID(named, "by-group"))
}
