package model

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldapsync/internal/ldap"
)

// SearchSpec describes a directory search. It is a value: executing a search
// never changes its spec.
type SearchSpec struct {
	Name       string
	BaseDN     DN
	Filter     string
	Scope      ldapclient.SearchScope
	Attributes []string
	CountLimit int
	TimeLimit  time.Duration
	Deref      ldapclient.DerefAliases
	Referrals  ldapclient.ReferralHandling
	Controls   []ldap.Control

	// PageSize enables the paged results control when the server supports it.
	PageSize int
	// Scroll stops after one page and leaves a Continuation on the search.
	Scroll bool

	// InitHasChildren requests the children-detection attribute.
	InitHasChildren bool
	// Subentries sends the RFC 3672 subentries control.
	Subentries bool
}

// ReturningAttributes returns the requested attributes. A nil or empty list
// means all user attributes.
func (s SearchSpec) ReturningAttributes() []string {
	if len(s.Attributes) == 0 {
		return []string{AllUserAttributes}
	}
	return slices.Clone(s.Attributes)
}

// FilterSelectsSubentries reports whether the filter is the subentry object
// class filter.
func (s SearchSpec) FilterSelectsSubentries() bool {
	return strings.EqualFold(strings.ReplaceAll(s.Filter, " ", ""), "(objectClass="+ObjectClassSubentry+")")
}

// SearchResult is one entry returned by a search. Matched is false for
// continuation references that were not part of the result set proper.
type SearchResult struct {
	Entry   *Entry
	Matched bool
}

// Search is a SearchSpec together with the state of its last execution.
type Search struct {
	Spec SearchSpec

	mu                 sync.Mutex
	results            []SearchResult
	countLimitExceeded bool
	dirty              bool
	continuation       *Continuation
}

// NewSearch creates a search that has not been executed yet.
func NewSearch(spec SearchSpec) *Search {
	return &Search{Spec: spec}
}

// Results returns the results of the last execution.
func (s *Search) Results() []SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.results)
}

// SetResults replaces the results and clears the dirty flag.
func (s *Search) SetResults(results []SearchResult, countLimitExceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = slices.Clone(results)
	s.countLimitExceeded = countLimitExceeded
	s.dirty = false
}

// CountLimitExceeded reports whether the last execution stopped at a size,
// time or administrative limit, or left pages unread.
func (s *Search) CountLimitExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLimitExceeded
}

// Dirty reports whether the results changed since they were last set.
func (s *Search) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Continuation returns the scroll state, or nil when the search is not
// scrolled or has not run.
func (s *Search) Continuation() *Continuation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continuation
}

// SetContinuation stores the scroll state.
func (s *Search) SetContinuation(c *Continuation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.continuation = c
}

func (s *Search) removeMatching(match func(*Entry) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.results)
	s.results = slices.DeleteFunc(s.results, func(r SearchResult) bool { return match(r.Entry) })
	if len(s.results) != n {
		s.dirty = true
		return true
	}
	return false
}

func (s *Search) replaceMatching(match func(*Entry) bool, replacement *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i, r := range s.results {
		if match(r.Entry) {
			s.results[i].Entry = replacement
			changed = true
		}
	}
	if changed {
		s.dirty = true
	}
	return changed
}

// ScrollDirection selects the page a scrolled search fetches next.
type ScrollDirection int

const (
	ScrollTop ScrollDirection = iota
	ScrollNext
	ScrollPrevious
)

func (d ScrollDirection) String() string {
	switch d {
	case ScrollTop:
		return "top"
	case ScrollNext:
		return "next"
	case ScrollPrevious:
		return "previous"
	default:
		return "unknown"
	}
}

// Continuation tracks the paging cookies of a scrolled search so that it can
// move to the next, previous or first page.
type Continuation struct {
	cookies [][]byte // cookies[i] requested page i; cookies[0] is nil
	page    int
	next    []byte
}

// NewContinuation returns the state of a search positioned before its first page.
func NewContinuation() *Continuation {
	return &Continuation{cookies: [][]byte{nil}}
}

// Page is the zero-based index of the current page.
func (c *Continuation) Page() int {
	return c.page
}

// HasNext reports whether the server returned a cookie for another page.
func (c *Continuation) HasNext() bool {
	return len(c.next) > 0
}

// HasPrevious reports whether the current page is not the first.
func (c *Continuation) HasPrevious() bool {
	return c.page > 0
}

// Cookie returns the request cookie and page index for a move in direction d.
func (c *Continuation) Cookie(d ScrollDirection) ([]byte, int, bool) {
	switch d {
	case ScrollTop:
		return nil, 0, true
	case ScrollNext:
		if !c.HasNext() {
			return nil, 0, false
		}
		return c.next, c.page + 1, true
	case ScrollPrevious:
		if !c.HasPrevious() {
			return nil, 0, false
		}
		return c.cookies[c.page-1], c.page - 1, true
	default:
		return nil, 0, false
	}
}

// Record stores the outcome of fetching page with requestCookie: the server
// answered with nextCookie, nil when the result set is exhausted.
func (c *Continuation) Record(page int, requestCookie, nextCookie []byte) {
	if page < len(c.cookies) {
		c.cookies = c.cookies[:page+1]
		c.cookies[page] = slices.Clone(requestCookie)
	} else {
		c.cookies = append(c.cookies, slices.Clone(requestCookie))
	}
	c.page = page
	c.next = slices.Clone(nextCookie)
}
