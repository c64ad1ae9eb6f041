// Package authz implements the role-based access check the execution
// pipeline runs before anything else: the caller's role set must be a
// superset of the manifest's required roles (AND semantics, not any-of).
package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInsufficientPrivileges is the sentinel for RBAC rejections.
var ErrInsufficientPrivileges = errors.New("insufficient privileges")

// MissingRolesError names the roles the caller lacks. Unwraps to
// ErrInsufficientPrivileges.
type MissingRolesError struct {
	CapsuleID string
	Missing   []string
}

func (e *MissingRolesError) Error() string {
	return fmt.Sprintf("insufficient privileges for %s: missing roles [%s]",
		e.CapsuleID, strings.Join(e.Missing, ", "))
}

func (e *MissingRolesError) Unwrap() error { return ErrInsufficientPrivileges }

// RoleSet is an unordered set of role strings.
type RoleSet map[string]struct{}

// NewRoleSet builds a RoleSet from a slice, dropping empty entries.
func NewRoleSet(roles []string) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		if r != "" {
			set[r] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (s RoleSet) Has(role string) bool {
	_, ok := s[role]
	return ok
}

// Slice returns the roles sorted, for stable logging.
func (s RoleSet) Slice() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// CheckRoles verifies that caller covers every required role. On failure
// the returned error lists the missing roles sorted.
func CheckRoles(capsuleID string, required []string, caller RoleSet) error {
	var missing []string
	for _, r := range required {
		if !caller.Has(r) {
			missing = append(missing, r)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingRolesError{CapsuleID: capsuleID, Missing: missing}
}
