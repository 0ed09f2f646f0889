// Package role defines the three fixed repository identities reconciled by trisync.
package role

import "fmt"

// Role identifies one of the three working trees
type Role int

const (
	Base Role = iota
	Overlay
	Merged
)

// All returns every role in processing order
func All() []Role {
	return []Role{Base, Overlay, Merged}
}

// String returns the configuration key, ledger key and directory name of the role
func (r Role) String() string {
	switch r {
	case Base:
		return "base"
	case Overlay:
		return "overlay"
	case Merged:
		return "merged"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Valid reports whether r is one of the three known roles
func (r Role) Valid() bool {
	return r >= Base && r <= Merged
}

// Parse returns the role with the given name
func Parse(name string) (Role, error) {
	for _, r := range All() {
		if r.String() == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q (must be base, overlay, or merged)", name)
}
