package component

import (
	"fmt"
	"strings"
)

// Role is a command-access tier. A user can hold several at once.
type Role uint8

const (
	RoleChatter Role = 1 << iota
	RoleSubscriber
	RoleVIP
	RoleModerator
	RoleBroadcaster
)

var roleNames = []struct {
	role Role
	name string
}{
	{RoleBroadcaster, "broadcaster"},
	{RoleModerator, "moderator"},
	{RoleVIP, "vip"},
	{RoleSubscriber, "subscriber"},
	{RoleChatter, "chatter"},
}

func (r Role) String() string {
	for _, n := range roleNames {
		if n.role == r {
			return n.name
		}
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a role name (as stored in component config) to a Role.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, n := range roleNames {
		if n.name == s {
			return n.role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// RoleSet is a union of roles.
type RoleSet uint8

// NewRoleSet returns the union of roles.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= RoleSet(r)
	}
	return s
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool { return s&RoleSet(r) != 0 }

// With returns the set plus roles.
func (s RoleSet) With(roles ...Role) RoleSet { return s | NewRoleSet(roles...) }

// Contains reports whether every role of other is in s.
func (s RoleSet) Contains(other RoleSet) bool { return s&other == other }

// Roles lists the members, highest tier first.
func (s RoleSet) Roles() []Role {
	var out []Role
	for _, n := range roleNames {
		if s.Has(n.role) {
			out = append(out, n.role)
		}
	}
	return out
}

func (s RoleSet) String() string {
	roles := s.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}
