package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchSpec_ReturningAttributes(t *testing.T) {
	assert.Equal(t, []string{"*"}, SearchSpec{}.ReturningAttributes())
	assert.Equal(t, []string{"*"}, SearchSpec{Attributes: []string{}}.ReturningAttributes())

	spec := SearchSpec{Attributes: []string{"cn"}}
	attrs := spec.ReturningAttributes()
	attrs[0] = "mail"
	assert.Equal(t, []string{"cn"}, spec.Attributes)
}

func TestSearchSpec_FilterSelectsSubentries(t *testing.T) {
	assert.True(t, SearchSpec{Filter: "(objectClass=subentry)"}.FilterSelectsSubentries())
	assert.True(t, SearchSpec{Filter: "( objectclass = SubEntry )"}.FilterSelectsSubentries())
	assert.False(t, SearchSpec{Filter: "(objectClass=*)"}.FilterSelectsSubentries())
}

func TestSearch_ResultsAndDirty(t *testing.T) {
	e := NewEntry(MustParseDN("cn=a,dc=x"), KindEntry)
	s := NewSearch(SearchSpec{Name: "s"})

	s.SetResults([]SearchResult{{Entry: e, Matched: true}}, true)
	assert.True(t, s.CountLimitExceeded())
	assert.False(t, s.Dirty())

	assert.True(t, s.removeMatching(func(x *Entry) bool { return x == e }))
	assert.True(t, s.Dirty())
	assert.Empty(t, s.Results())

	s.SetResults(nil, false)
	assert.False(t, s.Dirty())
	assert.False(t, s.removeMatching(func(*Entry) bool { return true }))
}

func TestContinuation_Scrolling(t *testing.T) {
	c := NewContinuation()

	cookie, page, ok := c.Cookie(ScrollTop)
	require.True(t, ok)
	assert.Nil(t, cookie)
	assert.Equal(t, 0, page)

	_, _, ok = c.Cookie(ScrollPrevious)
	assert.False(t, ok)
	_, _, ok = c.Cookie(ScrollNext)
	assert.False(t, ok)

	c.Record(0, nil, []byte("p1"))
	assert.True(t, c.HasNext())
	assert.False(t, c.HasPrevious())

	cookie, page, ok = c.Cookie(ScrollNext)
	require.True(t, ok)
	assert.Equal(t, []byte("p1"), cookie)
	assert.Equal(t, 1, page)

	c.Record(1, []byte("p1"), []byte("p2"))
	c.Record(2, []byte("p2"), nil)
	assert.Equal(t, 2, c.Page())
	assert.False(t, c.HasNext())

	cookie, page, ok = c.Cookie(ScrollPrevious)
	require.True(t, ok)
	assert.Equal(t, []byte("p1"), cookie)
	assert.Equal(t, 1, page)

	c.Record(1, []byte("p1"), []byte("p2-again"))
	cookie, page, ok = c.Cookie(ScrollPrevious)
	require.True(t, ok)
	assert.Nil(t, cookie)
	assert.Equal(t, 0, page)

	cookie, _, ok = c.Cookie(ScrollNext)
	require.True(t, ok)
	assert.Equal(t, []byte("p2-again"), cookie)
}
