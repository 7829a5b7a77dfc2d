package model

import (
	"slices"
	"strings"
)

// Kind discriminates the special entries that share the Entry contract.
type Kind int

const (
	KindEntry Kind = iota
	KindRootDSE
	KindBaseDN
	KindAliasBase
	KindReferralBase
	KindDirectoryMetadata
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindRootDSE:
		return "root_dse"
	case KindBaseDN:
		return "base_dn"
	case KindAliasBase:
		return "alias_base"
	case KindReferralBase:
		return "referral_base"
	case KindDirectoryMetadata:
		return "directory_metadata"
	default:
		return "unknown"
	}
}

// Entry is the cached view of one directory object. Parent and child links
// are normalized DN keys into the EntryCache, which owns them.
type Entry struct {
	dn   DN
	Kind Kind

	parent    string
	hasParent bool
	children  []string

	attrs map[string]*Attribute // keyed by lower-cased description
	order []string

	AttributesInitialized            bool
	OperationalAttributesInitialized bool
	ChildrenInitialized              bool
	HasChildrenHint                  bool
	HasMoreChildren                  bool
	IsAlias                          bool
	IsReferral                       bool
	IsSubentry                       bool

	// Child fetch hints: a child enumeration also requests these kinds.
	FetchAliases    bool
	FetchReferrals  bool
	FetchSubentries bool
}

// NewEntry creates a detached entry. The children hint defaults to true so
// that unknown entries are expandable.
func NewEntry(dn DN, kind Kind) *Entry {
	return &Entry{
		dn:              dn,
		Kind:            kind,
		attrs:           make(map[string]*Attribute),
		HasChildrenHint: true,
	}
}

// DN returns the entry's distinguished name.
func (e *Entry) DN() DN {
	return e.dn
}

// Key returns the normalized DN used as the cache key.
func (e *Entry) Key() string {
	return e.dn.Normalized()
}

// Attribute returns the attribute with the given description, ignoring case.
func (e *Entry) Attribute(description string) (*Attribute, bool) {
	a, ok := e.attrs[strings.ToLower(description)]
	return a, ok
}

// Attributes returns all attributes in insertion order.
func (e *Entry) Attributes() []*Attribute {
	out := make([]*Attribute, 0, len(e.order))
	for _, key := range e.order {
		out = append(out, e.attrs[key])
	}
	return out
}

// AttributesWithSubtypes returns the attribute named by description and all
// of its option subtypes, e.g. "cn" also matches "cn;lang-de".
func (e *Entry) AttributesWithSubtypes(description string) []*Attribute {
	want := strings.ToLower(description)
	var out []*Attribute
	for _, key := range e.order {
		if key == want || strings.HasPrefix(key, want+";") {
			out = append(out, e.attrs[key])
		}
	}
	return out
}

// SetAttribute adds a or replaces the attribute with the same description.
func (e *Entry) SetAttribute(a *Attribute) {
	key := strings.ToLower(a.Description())
	if _, ok := e.attrs[key]; !ok {
		e.order = append(e.order, key)
	}
	e.attrs[key] = a
}

// AddValues appends values to an attribute, creating it if needed.
func (e *Entry) AddValues(description string, values ...Value) {
	a, ok := e.Attribute(description)
	if !ok {
		e.SetAttribute(NewAttribute(description, values...))
		return
	}
	for _, v := range values {
		a.AddValue(v)
	}
}

// RemoveAttribute deletes one attribute.
func (e *Entry) RemoveAttribute(description string) {
	key := strings.ToLower(description)
	if _, ok := e.attrs[key]; !ok {
		return
	}
	delete(e.attrs, key)
	e.order = slices.DeleteFunc(e.order, func(k string) bool { return k == key })
}

// RemoveAttributesFunc deletes every attribute for which fn returns true.
func (e *Entry) RemoveAttributesFunc(fn func(*Attribute) bool) {
	e.order = slices.DeleteFunc(e.order, func(key string) bool {
		if fn(e.attrs[key]) {
			delete(e.attrs, key)
			return true
		}
		return false
	})
}

// ClearAttributes deletes every attribute.
func (e *Entry) ClearAttributes() {
	clear(e.attrs)
	e.order = nil
}

// ObjectClasses returns the objectClass values.
func (e *Entry) ObjectClasses() []string {
	if a, ok := e.Attribute(AttrObjectClass); ok {
		return a.StringValues()
	}
	return nil
}

// HasObjectClass reports whether objectClass contains oc, ignoring case.
func (e *Entry) HasObjectClass(oc string) bool {
	a, ok := e.Attribute(AttrObjectClass)
	return ok && a.ContainsString(oc)
}

// StringValues returns the values of an attribute, or nil.
func (e *Entry) StringValues(description string) []string {
	if a, ok := e.Attribute(description); ok {
		return a.StringValues()
	}
	return nil
}

// FirstValue returns the first value of an attribute, or "".
func (e *Entry) FirstValue(description string) string {
	if values := e.StringValues(description); len(values) > 0 {
		return values[0]
	}
	return ""
}

// HasChildren reports whether the entry is known or hinted to have children.
func (e *Entry) HasChildren() bool {
	return len(e.children) > 0 || e.HasChildrenHint
}

// ChildCount returns the number of known children.
func (e *Entry) ChildCount() int {
	return len(e.children)
}

// Clone returns a detached copy of the entry's DN, kind, attributes and
// flags. Parent and child links are not copied.
func (e *Entry) Clone() *Entry {
	c := NewEntry(e.dn, e.Kind)
	for _, a := range e.Attributes() {
		c.SetAttribute(NewAttribute(a.Description(), a.Values()...))
	}
	c.AttributesInitialized = e.AttributesInitialized
	c.OperationalAttributesInitialized = e.OperationalAttributesInitialized
	c.HasChildrenHint = e.HasChildrenHint
	c.IsAlias = e.IsAlias
	c.IsReferral = e.IsReferral
	c.IsSubentry = e.IsSubentry
	c.FetchAliases = e.FetchAliases
	c.FetchReferrals = e.FetchReferrals
	c.FetchSubentries = e.FetchSubentries
	return c
}
