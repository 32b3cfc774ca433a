package policy

import (
	"slices"
	"strings"
)

// Set is an unordered set of codes or identifiers. Sets held by a Snapshot
// are shared between readers and must not be modified.
type Set map[string]struct{}

// NewSet builds a set from values, ignoring blanks and surrounding space.
func NewSet(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		s[v] = struct{}{}
	}
	return s
}

func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for v := range s {
		if !o.Has(v) {
			return false
		}
	}
	return true
}

// Union adds every member of o to s and returns s.
func (s Set) Union(o Set) Set {
	for v := range o {
		s[v] = struct{}{}
	}
	return s
}
