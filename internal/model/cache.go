package model

import (
	"fmt"
	"slices"
	"sync"
)

// EntryCache is the per-connection arena of entries indexed by normalized DN.
// It owns the parent/child adjacency of the entries it holds and the set of
// searches whose results reference them.
//
// The mutex protects the index maps only. Exclusive access to a subtree is
// granted by the scheduler's lock tokens.
type EntryCache struct {
	mu sync.RWMutex

	connectionID string
	entries      map[string]*Entry
	root         *Entry
	searches     []*Search

	schema     *Schema
	serverType ServerType
}

// NewEntryCache creates a cache holding only the Root DSE.
func NewEntryCache(connectionID string) *EntryCache {
	root := NewEntry(DN{}, KindRootDSE)
	return &EntryCache{
		connectionID: connectionID,
		entries:      map[string]*Entry{root.Key(): root},
		root:         root,
		schema:       DefaultSchema(),
		serverType:   ServerUnknown,
	}
}

// ConnectionID identifies the connection the cache mirrors.
func (c *EntryCache) ConnectionID() string {
	return c.connectionID
}

// RootDSE returns the Root DSE singleton.
func (c *EntryCache) RootDSE() *Entry {
	return c.root
}

// Schema returns the schema in effect for the connection.
func (c *EntryCache) Schema() *Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schema
}

// SetSchema replaces the schema, e.g. after the subschema subentry was read.
func (c *EntryCache) SetSchema(s *Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schema = s
}

// ServerType returns the detected directory product.
func (c *EntryCache) ServerType() ServerType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverType
}

// SetServerType records the detected directory product.
func (c *EntryCache) SetServerType(t ServerType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverType = t
}

// Len returns the number of indexed entries, including the Root DSE.
func (c *EntryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get looks up an entry by DN.
func (c *EntryCache) Get(dn DN) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[dn.Normalized()]
	return e, ok
}

// Put indexes e under its DN, replacing any previous entry. Links are not
// touched.
func (c *EntryCache) Put(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Key()] = e
}

// Evict removes e and all of its known descendants from the index and marks
// e's children as unknown. Links stay in place; callers detach e from its
// parent themselves.
func (c *EntryCache) Evict(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(e)
}

func (c *EntryCache) evictLocked(e *Entry) {
	for _, key := range e.children {
		if child, ok := c.entries[key]; ok {
			c.evictLocked(child)
		}
	}
	if cached, ok := c.entries[e.Key()]; ok && cached == e && e != c.root {
		delete(c.entries, e.Key())
	}
	e.children = nil
	e.ChildrenInitialized = false
}

// Attach links child under parent, detaching it from any previous parent,
// and indexes the child.
func (c *EntryCache) Attach(parent, child *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachLocked(parent, child)
}

// AttachPartial attaches child and marks parent's children as partially
// known: enumerated, with more on the server.
func (c *EntryCache) AttachPartial(parent, child *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachLocked(parent, child)
	parent.ChildrenInitialized = true
	parent.HasMoreChildren = true
	parent.HasChildrenHint = true
}

// MarkChildrenUnknown flags e for re-enumeration.
func (c *EntryCache) MarkChildrenUnknown(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.ChildrenInitialized = false
}

// MarkHasChildren records that e has at least one child.
func (c *EntryCache) MarkHasChildren(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.HasChildrenHint = true
}

func (c *EntryCache) attachLocked(parent, child *Entry) {
	if child.hasParent && child.parent != parent.Key() {
		if old, ok := c.entries[child.parent]; ok {
			old.children = removeKey(old.children, child.Key())
		}
	}

	child.parent = parent.Key()
	child.hasParent = true
	if !slices.Contains(parent.children, child.Key()) {
		parent.children = append(parent.children, child.Key())
	}
	c.entries[child.Key()] = child
}

// Detach unlinks child from parent. The child stays indexed until evicted.
func (c *EntryCache) Detach(parent, child *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent.children = removeKey(parent.children, child.Key())
	if child.hasParent && child.parent == parent.Key() {
		child.parent = ""
		child.hasParent = false
	}
}

// Remove detaches e from its parent and evicts it with its descendants.
func (c *EntryCache) Remove(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.hasParent {
		if parent, ok := c.entries[e.parent]; ok {
			parent.children = removeKey(parent.children, e.Key())
		}
		e.parent = ""
		e.hasParent = false
	}
	c.evictLocked(e)
}

// Parent returns the cached parent of e.
func (c *EntryCache) Parent(e *Entry) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !e.hasParent {
		return nil, false
	}
	p, ok := c.entries[e.parent]
	return p, ok
}

// Children returns the cached children of e in enumeration order.
func (c *EntryCache) Children(e *Entry) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Entry, 0, len(e.children))
	for _, key := range e.children {
		if child, ok := c.entries[key]; ok {
			out = append(out, child)
		}
	}
	return out
}

// ClearChildren drops every known descendant of e from the cache and marks
// e's children as unknown. With purge, e's attributes and structural hints
// are reset as well.
func (c *EntryCache) ClearChildren(e *Entry, purge bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range e.children {
		if child, ok := c.entries[key]; ok {
			child.parent = ""
			child.hasParent = false
			c.evictLocked(child)
		}
	}
	e.children = nil
	e.ChildrenInitialized = false
	e.HasMoreChildren = false

	if purge {
		e.ClearAttributes()
		e.AttributesInitialized = false
		e.OperationalAttributesInitialized = false
		e.HasChildrenHint = true
	}
}

// DetachChildren unlinks every child of e and returns them. The children
// stay indexed so that a re-enumeration can attach them again with their
// attributes intact; whatever is not re-attached must be evicted.
func (c *EntryCache) DetachChildren(e *Entry) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Entry
	for _, key := range e.children {
		if child, ok := c.entries[key]; ok {
			child.parent = ""
			child.hasParent = false
			out = append(out, child)
		}
	}
	e.children = nil
	e.ChildrenInitialized = false
	return out
}

// IsAttached reports whether e is linked to a parent.
func (c *EntryCache) IsAttached(e *Entry) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.hasParent
}

// RegisterSearch tracks s so that deletes and renames keep its results in
// step with the cache.
func (c *EntryCache) RegisterSearch(s *Search) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.searches, s) {
		c.searches = append(c.searches, s)
	}
}

// UnregisterSearch stops tracking s.
func (c *EntryCache) UnregisterSearch(s *Search) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches = slices.DeleteFunc(c.searches, func(other *Search) bool { return other == s })
}

// Searches returns the registered searches.
func (c *EntryCache) Searches() []*Search {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.searches)
}

// ForgetEntry removes dn and its descendants from every registered search
// result set. The searches that changed are marked dirty and returned.
func (c *EntryCache) ForgetEntry(dn DN) []*Search {
	var dirtied []*Search
	for _, s := range c.Searches() {
		if s.removeMatching(func(e *Entry) bool {
			return e.DN().Equal(dn) || dn.IsAncestorOf(e.DN())
		}) {
			dirtied = append(dirtied, s)
		}
	}
	return dirtied
}

// ReplaceEntry re-points search results from the entry at oldDN to
// replacement after a rename or move. Results below oldDN are dropped since
// their DNs no longer exist. Changed searches are marked dirty and returned.
func (c *EntryCache) ReplaceEntry(oldDN DN, replacement *Entry) []*Search {
	var dirtied []*Search
	for _, s := range c.Searches() {
		changed := s.replaceMatching(func(e *Entry) bool { return e.DN().Equal(oldDN) }, replacement)
		if s.removeMatching(func(e *Entry) bool { return oldDN.IsAncestorOf(e.DN()) }) {
			changed = true
		}
		if changed {
			dirtied = append(dirtied, s)
		}
	}
	return dirtied
}

// Verify checks that every entry reachable from the Root DSE is indexed
// under its own DN and points back at the parent it was reached from.
func (c *EntryCache) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cached, ok := c.entries[c.root.Key()]; !ok || cached != c.root {
		return fmt.Errorf("root DSE is not indexed")
	}

	seen := map[*Entry]bool{c.root: true}
	queue := []*Entry{c.root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		for _, key := range parent.children {
			child, ok := c.entries[key]
			if !ok {
				return fmt.Errorf("child %q of %q is not indexed", key, parent.Key())
			}
			if child.Key() != key {
				return fmt.Errorf("entry %q is indexed under %q", child.Key(), key)
			}
			if !child.hasParent || child.parent != parent.Key() {
				return fmt.Errorf("entry %q does not point back at parent %q", key, parent.Key())
			}
			if seen[child] {
				return fmt.Errorf("entry %q is reachable more than once", key)
			}
			seen[child] = true
			queue = append(queue, child)
		}
	}

	return nil
}

func removeKey(keys []string, key string) []string {
	return slices.DeleteFunc(keys, func(k string) bool { return k == key })
}
