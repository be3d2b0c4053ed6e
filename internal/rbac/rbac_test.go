package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLookup map[string]Role

func (l staticLookup) UserRole(_ context.Context, projectID, userID string) (Role, bool, error) {
	role, ok := l[projectID+"/"+userID]
	return role, ok, nil
}

type failingLookup struct{}

func (failingLookup) UserRole(context.Context, string, string) (Role, bool, error) {
	return "", false, errors.New("db down")
}

func TestHasRole(t *testing.T) {
	checker := NewChecker(staticLookup{
		"p1/admin":  RoleAdmin,
		"p1/member": RoleMember,
		"p1/viewer": RoleViewer,
	})

	cases := []struct {
		name    string
		user    string
		allowed RoleSet
		allow   bool
	}{
		{name: "admin cancels sprint", user: "admin", allowed: AdminsOnly, allow: true},
		{name: "member cancels sprint", user: "member", allowed: AdminsOnly, allow: false},
		{name: "member creates sprint", user: "member", allowed: Contributors, allow: true},
		{name: "viewer creates sprint", user: "viewer", allowed: Contributors, allow: false},
		{name: "viewer reads", user: "viewer", allowed: AnyRole, allow: true},
		{name: "stranger reads", user: "stranger", allowed: AnyRole, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := checker.HasRole(context.Background(), "p1", tc.user, tc.allowed)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, got)
		})
	}
}

func TestHasRoleOtherProject(t *testing.T) {
	checker := NewChecker(staticLookup{"p1/admin": RoleAdmin})

	got, err := checker.HasRole(context.Background(), "p2", "admin", AnyRole)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestHasRoleLookupError(t *testing.T) {
	checker := NewChecker(failingLookup{})

	got, err := checker.HasRole(context.Background(), "p1", "u1", AnyRole)
	require.Error(t, err)
	assert.False(t, got)
}

func TestParse(t *testing.T) {
	role, ok := Parse("member")
	assert.True(t, ok)
	assert.Equal(t, RoleMember, role)

	_, ok = Parse("owner")
	assert.False(t, ok)
}
