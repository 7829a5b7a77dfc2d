package scheduler

import (
	"slices"
	"strings"

	"github.com/isometry/ldapsync/internal/model"
)

// LockToken names something a task works on: a connection scope and a
// root-first sequence of normalized DN segments, optionally extended with
// attribute, value or search segments.
//
// Two tokens overlap when they share the scope and one segment sequence is
// a prefix of the other, so a token on an entry overlaps every token in its
// subtree and on its ancestors.
type LockToken struct {
	Scope    string
	Segments []string
}

// EntryToken returns the token of the entry at dn.
func EntryToken(scope string, dn model.DN) LockToken {
	return LockToken{Scope: scope, Segments: dn.Segments()}
}

// ConnectionToken returns a token overlapping everything on the connection.
func ConnectionToken(scope string) LockToken {
	return LockToken{Scope: scope}
}

// AttributeToken returns the token of one attribute of the entry at dn.
func AttributeToken(scope string, dn model.DN, description string) LockToken {
	return EntryToken(scope, dn).With("attr:" + strings.ToLower(description))
}

// SearchToken returns the token of a named search below base.
func SearchToken(scope string, base model.DN, name string) LockToken {
	return EntryToken(scope, base).With("search:" + name)
}

// With returns a copy of t extended by segments.
func (t LockToken) With(segments ...string) LockToken {
	return LockToken{
		Scope:    t.Scope,
		Segments: append(slices.Clip(t.Segments), segments...),
	}
}

// Overlaps reports whether t and o exclude each other.
func (t LockToken) Overlaps(o LockToken) bool {
	if t.Scope != o.Scope {
		return false
	}
	n := min(len(t.Segments), len(o.Segments))
	return slices.Equal(t.Segments[:n], o.Segments[:n])
}

func (t LockToken) String() string {
	return t.Scope + "_" + strings.Join(t.Segments, "/")
}

// overlapsAny reports whether any token of a overlaps any token of b.
func overlapsAny(a, b []LockToken) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return true
			}
		}
	}
	return false
}
