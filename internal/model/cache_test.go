package model

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree attaches dc=x, ou=a and cn=b,ou=a below the Root DSE.
func buildTree(t *testing.T) (*EntryCache, *Entry, *Entry, *Entry) {
	t.Helper()

	c := NewEntryCache("ldap.example.com:389")
	base := NewEntry(MustParseDN("dc=x"), KindBaseDN)
	ou := NewEntry(MustParseDN("ou=a,dc=x"), KindEntry)
	leaf := NewEntry(MustParseDN("cn=b,ou=a,dc=x"), KindEntry)

	c.Attach(c.RootDSE(), base)
	c.Attach(base, ou)
	c.Attach(ou, leaf)
	base.ChildrenInitialized = true
	ou.ChildrenInitialized = true

	require.NoError(t, c.Verify())
	return c, base, ou, leaf
}

func TestEntryCache_AttachIndexesAndLinks(t *testing.T) {
	c, base, ou, leaf := buildTree(t)

	got, ok := c.Get(MustParseDN("CN=B,OU=A,DC=X"))
	require.True(t, ok)
	assert.Same(t, leaf, got)

	parent, ok := c.Parent(leaf)
	require.True(t, ok)
	assert.Same(t, ou, parent)

	assert.Equal(t, []*Entry{ou}, c.Children(base))
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, "ldap.example.com:389", c.ConnectionID())

	// Attaching twice does not duplicate the link.
	c.Attach(base, ou)
	assert.Equal(t, 1, base.ChildCount())
}

func TestEntryCache_AttachMovesBetweenParents(t *testing.T) {
	c, base, ou, leaf := buildTree(t)

	c.Attach(base, leaf)

	assert.Equal(t, 0, ou.ChildCount())
	assert.Len(t, c.Children(base), 2)
	parent, _ := c.Parent(leaf)
	assert.Same(t, base, parent)
}

func TestEntryCache_AttachPartial(t *testing.T) {
	c, _, ou, leaf := buildTree(t)
	ou.ChildrenInitialized = false

	other := NewEntry(MustParseDN("cn=c,ou=a,dc=x"), KindEntry)
	c.AttachPartial(ou, other)

	assert.Equal(t, []*Entry{leaf, other}, c.Children(ou))
	assert.True(t, ou.ChildrenInitialized)
	assert.True(t, ou.HasMoreChildren)
	assert.True(t, ou.HasChildrenHint)
	assert.NoError(t, c.Verify())
}

func TestEntryCache_MarkChildren(t *testing.T) {
	c, base, _, leaf := buildTree(t)

	c.MarkChildrenUnknown(base)
	assert.False(t, base.ChildrenInitialized)

	c.MarkHasChildren(leaf)
	assert.True(t, leaf.HasChildrenHint)
	assert.False(t, leaf.ChildrenInitialized)
}

func TestEntryCache_ConcurrentSiblingAttach(t *testing.T) {
	c, _, ou, _ := buildTree(t)

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			c.AttachPartial(ou, NewEntry(MustParseDN(fmt.Sprintf("cn=n%d,ou=a,dc=x", i)), KindEntry))
		})
		wg.Go(func() {
			c.MarkHasChildren(ou)
			_ = c.Children(ou)
		})
	}
	wg.Wait()

	assert.Equal(t, n+1, ou.ChildCount())
	assert.True(t, ou.HasMoreChildren)
	assert.NoError(t, c.Verify())
}

func TestEntryCache_EvictRemovesDescendants(t *testing.T) {
	c, base, ou, _ := buildTree(t)

	c.Detach(base, ou)
	c.Evict(ou)

	_, ok := c.Get(ou.DN())
	assert.False(t, ok)
	_, ok = c.Get(MustParseDN("cn=b,ou=a,dc=x"))
	assert.False(t, ok)
	assert.False(t, ou.ChildrenInitialized)
	assert.Equal(t, 0, base.ChildCount())
	assert.Equal(t, 2, c.Len())
	assert.NoError(t, c.Verify())
}

func TestEntryCache_EvictKeepsReplacement(t *testing.T) {
	c, _, ou, _ := buildTree(t)

	replacement := NewEntry(ou.DN(), KindEntry)
	c.Put(replacement)
	c.Evict(ou)

	got, ok := c.Get(ou.DN())
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestEntryCache_Remove(t *testing.T) {
	c, base, ou, _ := buildTree(t)

	c.Remove(ou)

	assert.Empty(t, c.Children(base))
	_, ok := c.Parent(ou)
	assert.False(t, ok)
	assert.NoError(t, c.Verify())
}

func TestEntryCache_ClearChildren(t *testing.T) {
	c, base, _, _ := buildTree(t)
	base.SetAttribute(NewStringAttribute("dc", "x"))
	base.AttributesInitialized = true
	base.HasMoreChildren = true
	base.HasChildrenHint = false

	c.ClearChildren(base, false)
	assert.Equal(t, 0, base.ChildCount())
	assert.False(t, base.ChildrenInitialized)
	assert.False(t, base.HasMoreChildren)
	assert.True(t, base.AttributesInitialized)
	assert.Equal(t, 2, c.Len())

	c.ClearChildren(base, true)
	assert.Empty(t, base.Attributes())
	assert.False(t, base.AttributesInitialized)
	assert.True(t, base.HasChildrenHint)
	assert.NoError(t, c.Verify())
}

func TestEntryCache_ClearRootKeepsRoot(t *testing.T) {
	c, _, _, _ := buildTree(t)

	c.ClearChildren(c.RootDSE(), true)

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(DN{})
	assert.True(t, ok)
	assert.NoError(t, c.Verify())
}

func TestEntryCache_VerifyDetectsMissingIndex(t *testing.T) {
	c, base, ou, _ := buildTree(t)

	// Evicting without detaching leaves a stale child link.
	c.Evict(ou)
	err := c.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ou=a,dc=x")

	c.Detach(base, ou)
	assert.NoError(t, c.Verify())
}

func TestEntryCache_SearchRegistry(t *testing.T) {
	c, base, ou, leaf := buildTree(t)

	s1 := NewSearch(SearchSpec{Name: "all"})
	s1.SetResults([]SearchResult{{Entry: base, Matched: true}, {Entry: ou, Matched: true}, {Entry: leaf, Matched: true}}, false)
	s2 := NewSearch(SearchSpec{Name: "base only"})
	s2.SetResults([]SearchResult{{Entry: base, Matched: true}}, false)

	c.RegisterSearch(s1)
	c.RegisterSearch(s2)
	c.RegisterSearch(s1)
	assert.Len(t, c.Searches(), 2)

	t.Run("forget removes subtree", func(t *testing.T) {
		dirtied := c.ForgetEntry(ou.DN())

		assert.Equal(t, []*Search{s1}, dirtied)
		assert.True(t, s1.Dirty())
		assert.False(t, s2.Dirty())
		require.Len(t, s1.Results(), 1)
		assert.Same(t, base, s1.Results()[0].Entry)
	})

	t.Run("replace re-points results", func(t *testing.T) {
		renamed := NewEntry(MustParseDN("dc=y"), KindBaseDN)
		dirtied := c.ReplaceEntry(base.DN(), renamed)

		assert.Len(t, dirtied, 2)
		assert.Same(t, renamed, s2.Results()[0].Entry)
	})

	c.UnregisterSearch(s2)
	assert.Equal(t, []*Search{s1}, c.Searches())
}

func TestEntryCache_ConnectionState(t *testing.T) {
	c := NewEntryCache("h:389")

	assert.Equal(t, ServerUnknown, c.ServerType())
	assert.True(t, c.Schema().Has(AttrHasSubordinates))

	c.SetServerType(ServerOpenLDAP24)
	c.SetSchema(NewSchema(nil))

	assert.Equal(t, ServerOpenLDAP24, c.ServerType())
	assert.False(t, c.Schema().Has(AttrHasSubordinates))
	assert.False(t, ServerOpenLDAP24.IsActiveDirectory())
	assert.True(t, ServerActiveDirectory2003.IsActiveDirectory())
}
