package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// AVA is a single attribute type and value pair of an RDN.
type AVA struct {
	Type  string
	Value string
}

// RDN is one naming component of a DN. Multi-valued RDNs hold more than one AVA.
type RDN struct {
	Attributes []AVA
}

// ParseRDN parses a single RDN such as "cn=Bob" or "cn=Bob+uid=bob".
func ParseRDN(s string) (RDN, error) {
	dn, err := ParseDN(s)
	if err != nil {
		return RDN{}, err
	}
	if dn.Depth() != 1 {
		return RDN{}, fmt.Errorf("invalid RDN %q: expected exactly one component", s)
	}
	return dn.RDN(), nil
}

// String returns the RDN in RFC 4514 form using the original type names.
func (r RDN) String() string {
	parts := make([]string, len(r.Attributes))
	for i, ava := range r.Attributes {
		parts[i] = ava.Type + "=" + escapeValue(ava.Value)
	}
	return strings.Join(parts, "+")
}

// Normalized returns the comparison form: lower-cased types and values,
// AVAs sorted.
func (r RDN) Normalized() string {
	parts := make([]string, len(r.Attributes))
	for i, ava := range r.Attributes {
		parts[i] = strings.ToLower(ava.Type) + "=" + escapeValue(strings.ToLower(ava.Value))
	}
	slices.Sort(parts)
	return strings.Join(parts, "+")
}

// IsZero reports whether the RDN has no attributes.
func (r RDN) IsZero() bool {
	return len(r.Attributes) == 0
}

// DN is an immutable distinguished name. The zero value is the empty DN,
// which names the Root DSE.
type DN struct {
	rdns    []RDN  // leaf first
	display string // as given by the user or server
	norm    []string
}

// ParseDN parses an RFC 4514 string. Surrounding whitespace is ignored and
// an empty string yields the Root DSE DN.
func ParseDN(s string) (DN, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DN{}, nil
	}

	parsed, err := ldap.ParseDN(s)
	if err != nil {
		return DN{}, fmt.Errorf("invalid DN syntax %q: %w", s, err)
	}

	rdns := make([]RDN, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		avas := make([]AVA, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			avas = append(avas, AVA{Type: attr.Type, Value: attr.Value})
		}
		rdns = append(rdns, RDN{Attributes: avas})
	}

	dn := newDN(rdns)
	dn.display = s
	return dn, nil
}

// MustParseDN is like ParseDN but panics on malformed input.
func MustParseDN(s string) DN {
	dn, err := ParseDN(s)
	if err != nil {
		panic(err)
	}
	return dn
}

func newDN(rdns []RDN) DN {
	norm := make([]string, len(rdns))
	for i, rdn := range rdns {
		norm[i] = rdn.Normalized()
	}
	return DN{rdns: rdns, norm: norm}
}

// String returns the display form.
func (d DN) String() string {
	if d.display != "" {
		return d.display
	}
	parts := make([]string, len(d.rdns))
	for i, rdn := range d.rdns {
		parts[i] = rdn.String()
	}
	return strings.Join(parts, ",")
}

// Normalized returns the key used for equality and cache lookups.
func (d DN) Normalized() string {
	return strings.Join(d.norm, ",")
}

// IsRoot reports whether d is the empty DN of the Root DSE.
func (d DN) IsRoot() bool {
	return len(d.rdns) == 0
}

// Depth is the number of RDNs.
func (d DN) Depth() int {
	return len(d.rdns)
}

// RDN returns the leaf component; the zero RDN for the Root DSE.
func (d DN) RDN() RDN {
	if d.IsRoot() {
		return RDN{}
	}
	return d.rdns[0]
}

// Parent returns the DN without its leaf component. The parent of a
// top-level DN is the Root DSE DN; the Root DSE has no parent.
func (d DN) Parent() (DN, bool) {
	if d.IsRoot() {
		return DN{}, false
	}
	return newDN(d.rdns[1:]), true
}

// Child returns the DN of a child named rdn.
func (d DN) Child(rdn RDN) DN {
	return newDN(append([]RDN{rdn}, d.rdns...))
}

// WithRDN returns d with its leaf component replaced.
func (d DN) WithRDN(rdn RDN) DN {
	parent, _ := d.Parent()
	return parent.Child(rdn)
}

// WithParent returns d's leaf component under a different parent.
func (d DN) WithParent(parent DN) DN {
	return parent.Child(d.RDN())
}

// Equal compares normalized forms.
func (d DN) Equal(other DN) bool {
	return slices.Equal(d.norm, other.norm)
}

// IsAncestorOf reports whether d is a strict ancestor of other. The Root DSE
// is an ancestor of every other DN.
func (d DN) IsAncestorOf(other DN) bool {
	if len(d.norm) >= len(other.norm) {
		return false
	}
	return slices.Equal(d.norm, other.norm[len(other.norm)-len(d.norm):])
}

// Rebase moves d from below (or at) from to the same position below to.
// It fails when from is neither d nor an ancestor of d.
func (d DN) Rebase(from, to DN) (DN, bool) {
	if !d.Equal(from) && !from.IsAncestorOf(d) {
		return DN{}, false
	}
	rdns := slices.Clone(d.rdns[:len(d.rdns)-len(from.rdns)])
	return newDN(append(rdns, to.rdns...)), true
}

// Segments returns the normalized RDNs ordered from the top of the tree down.
func (d DN) Segments() []string {
	segments := slices.Clone(d.norm)
	slices.Reverse(segments)
	return segments
}

// escapeValue escapes an attribute value according to RFC 4514.
func escapeValue(value string) string {
	if value == "" {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)

	last := len(value) - 1
	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '#':
			if i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		case ' ':
			if i == 0 || i == last {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		case 0:
			b.WriteString(`\00`)
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
