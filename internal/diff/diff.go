// Package diff computes binding changes between two pauses.
//
// A Snapshot is the set of named values visible in one scope at one pause.
// Diff compares two snapshots of the same scope and yields one Change per
// differing name. Baseline keeps the previous snapshot of each scope for a
// single session so callers only hand over the current bindings.
package diff

import (
	"fmt"
	"reflect"
	"sort"
)

// Scope identifies where a set of bindings lives.
type Scope string

const (
	// ScopeGlobal covers module-level bindings.
	ScopeGlobal Scope = "global"
	// ScopeLocal covers bindings of the paused function.
	ScopeLocal Scope = "local"
)

// Snapshot maps binding names to values captured at one pause.
type Snapshot map[string]any

// Clone returns a shallow copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Kind classifies a Change.
type Kind int

const (
	// Created means the name is new since the previous snapshot.
	Created Kind = iota
	// Modified means the name exists in both snapshots with different values.
	Modified
	// Deleted means the name disappeared since the previous snapshot.
	Deleted
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is a single binding difference.
// Old is unset for Created, New is unset for Deleted.
type Change struct {
	Kind  Kind
	Scope Scope
	Name  string
	Old   any
	New   any
}

// String renders the change the way it is reported to the operator.
func (c Change) String() string {
	switch c.Kind {
	case Created:
		return fmt.Sprintf("%s variable %s has been created with value %s", c.Scope, c.Name, Format(c.New))
	case Modified:
		return fmt.Sprintf("%s variable %s has changed from %s to %s", c.Scope, c.Name, Format(c.Old), Format(c.New))
	case Deleted:
		return fmt.Sprintf("%s variable %s has been deleted", c.Scope, c.Name)
	default:
		return fmt.Sprintf("%s variable %s: unknown change", c.Scope, c.Name)
	}
}

// Diff compares prev and cur. A nil prev is the first observation of the
// scope and produces no changes. Results are ordered by name.
func Diff(prev, cur Snapshot, scope Scope) []Change {
	if prev == nil {
		return nil
	}

	var changes []Change
	for name, value := range cur {
		old, ok := prev[name]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Created, Scope: scope, Name: name, New: value})
		case !Equal(old, value):
			changes = append(changes, Change{Kind: Modified, Scope: scope, Name: name, Old: old, New: value})
		}
	}
	for name, old := range prev {
		if _, ok := cur[name]; !ok {
			changes = append(changes, Change{Kind: Deleted, Scope: scope, Name: name, Old: old})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Name < changes[j].Name
	})
	return changes
}

// Equal reports whether two captured values are equal by value.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Format renders a captured value for reports.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
