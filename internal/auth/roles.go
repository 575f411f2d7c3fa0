package auth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is one of the institution's fixed roles.
type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RoleGuru       Role = "guru"
	RoleOrtu       Role = "ortu"
	RoleSiswa      Role = "siswa"
)

// AllRoles lists every role in canonical order.
var AllRoles = []Role{RoleSuperadmin, RoleAdmin, RoleGuru, RoleOrtu, RoleSiswa}

func (r Role) bit() RoleSet {
	for i, known := range AllRoles {
		if known == r {
			return 1 << i
		}
	}
	return 0
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.bit() != 0 }

// ParseRole normalises and validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// RoleSet is an immutable set of roles.
type RoleSet uint8

// NewRoleSet builds a set, ignoring unknown roles.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= r.bit()
	}
	return s
}

// ParseRoleSet validates every name; an unknown name fails the whole set.
func ParseRoleSet(names []string) (RoleSet, error) {
	var s RoleSet
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return 0, err
		}
		s |= r.bit()
	}
	return s, nil
}

func (s RoleSet) Has(r Role) bool { return r.Valid() && s&r.bit() != 0 }

func (s RoleSet) Intersects(o RoleSet) bool { return s&o != 0 }

func (s RoleSet) Empty() bool { return s == 0 }

// Roles returns members in canonical order.
func (s RoleSet) Roles() []Role {
	out := make([]Role, 0, len(AllRoles))
	for _, r := range AllRoles {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Strings returns member names in canonical order.
func (s RoleSet) Strings() []string {
	roles := s.Roles()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func (s RoleSet) String() string { return strings.Join(s.Strings(), ",") }

func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseRoleSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Predicate decides over a role set. Predicates are pure.
type Predicate func(RoleSet) bool

// AnyOf holds when the set contains at least one of roles.
func AnyOf(roles ...Role) Predicate {
	want := NewRoleSet(roles...)
	return func(s RoleSet) bool { return s.Intersects(want) }
}

// AllOf holds when the set contains every one of roles.
func AllOf(roles ...Role) Predicate {
	want := NewRoleSet(roles...)
	return func(s RoleSet) bool { return want != 0 && s&want == want }
}

func Not(p Predicate) Predicate {
	return func(s RoleSet) bool { return !p(s) }
}

// Or holds when any of ps holds.
func Or(ps ...Predicate) Predicate {
	return func(s RoleSet) bool {
		for _, p := range ps {
			if p(s) {
				return true
			}
		}
		return false
	}
}
