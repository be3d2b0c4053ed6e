// Package rbac holds project roles and the permission checker every
// mutating operation consults before it touches a task, sprint or membership.
package rbac

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// RoleSet is the set of roles allowed to perform one action.
type RoleSet map[Role]struct{}

func Roles(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set
}

func (s RoleSet) Has(role Role) bool {
	_, ok := s[role]
	return ok
}

// Action-specific role sets.
var (
	AnyRole      = Roles(RoleViewer, RoleMember, RoleAdmin)
	Contributors = Roles(RoleMember, RoleAdmin)
	AdminsOnly   = Roles(RoleAdmin)
)

func Valid(role Role) bool {
	switch role {
	case RoleAdmin, RoleMember, RoleViewer:
		return true
	default:
		return false
	}
}

// Parse returns the role named by value, or false when it is not one of
// admin, member or viewer.
func Parse(value string) (Role, bool) {
	role := Role(value)
	return role, Valid(role)
}

// RoleLookup resolves a user's active role in a project. ok is false when
// the user has no active membership row.
type RoleLookup interface {
	UserRole(ctx context.Context, projectID, userID string) (role Role, ok bool, err error)
}

// Checker answers role questions from the active membership row only.
// Project ownership is not encoded here; callers that treat the owner as an
// implicit admin compare against the project's owner themselves.
type Checker struct {
	lookup RoleLookup
}

func NewChecker(lookup RoleLookup) *Checker {
	return &Checker{lookup: lookup}
}

func (c *Checker) HasRole(ctx context.Context, projectID, userID string, allowed RoleSet) (bool, error) {
	if projectID == "" || userID == "" {
		return false, nil
	}
	role, ok, err := c.lookup.UserRole(ctx, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("lookup role: %w", err)
	}
	if !ok {
		return false, nil
	}
	return allowed.Has(role), nil
}
