// Package ldaptest provides an in-memory directory that implements
// ldap.Directory for tests.
//
// The server understands enough of the protocol to exercise the sync engine:
// the three search scopes, simple equality and presence filters, size
// limits, simple paging, the subentries and subtree delete controls,
// ManageDsaIT for referral objects and the not-allowed-on-non-leaf result
// for deletes and, optionally, modify DN.
package ldaptest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

// Call is one request received by the server.
type Call struct {
	Op       string
	DN       string
	Scope    ldapclient.SearchScope
	Filter   string
	Controls []string
}

type object struct {
	dn    model.DN
	seq   int
	attrs map[string][]string // keyed by lower-cased name
	names map[string]string   // lower-cased name to given name
}

func (o *object) values(name string) []string {
	return o.attrs[strings.ToLower(name)]
}

func (o *object) set(name string, values []string) {
	key := strings.ToLower(name)
	if len(values) == 0 {
		delete(o.attrs, key)
		delete(o.names, key)
		return
	}
	o.attrs[key] = slices.Clone(values)
	if _, ok := o.names[key]; !ok {
		o.names[key] = name
	}
}

func (o *object) hasObjectClass(oc string) bool {
	return slices.ContainsFunc(o.values(model.AttrObjectClass), func(v string) bool {
		return strings.EqualFold(v, oc)
	})
}

// Server is an in-memory directory. The zero value is not usable; call
// NewServer.
type Server struct {
	mu      sync.Mutex
	objects map[string]*object
	seq     int
	calls   []Call
	fail    map[string]error

	// SubtreeDelete makes the server honour the subtree delete control.
	SubtreeDelete bool
	// RejectRenameOfNonLeaf makes modify DN of an entry with children fail
	// with result code 66.
	RejectRenameOfNonLeaf bool
	// OnSearch runs before every search, outside the server lock.
	OnSearch func(req *ldapclient.SearchRequest)
}

var _ ldapclient.Directory = (*Server)(nil)

// NewServer creates a server holding only an empty Root DSE.
func NewServer() *Server {
	s := &Server{
		objects: map[string]*object{},
		fail:    map[string]error{},
	}
	s.put(model.DN{}, map[string][]string{
		model.AttrObjectClass: {"top", "extensibleObject"},
	})
	return s
}

func (s *Server) put(dn model.DN, attrs map[string][]string) *object {
	s.seq++
	o := &object{dn: dn, seq: s.seq, attrs: map[string][]string{}, names: map[string]string{}}
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		o.set(name, attrs[name])
	}
	s.objects[dn.Normalized()] = o
	return o
}

// SetRootDSE replaces the attributes of the Root DSE.
func (s *Server) SetRootDSE(attrs map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(model.DN{}, attrs)
}

// AddEntry stores an entry without any of the checks an add request gets.
func (s *Server) AddEntry(dn string, attrs map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(model.MustParseDN(dn), attrs)
}

// Has reports whether dn exists.
func (s *Server) Has(dn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[model.MustParseDN(dn).Normalized()]
	return ok
}

// Values returns the values of an attribute of dn.
func (s *Server) Values(dn, name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[model.MustParseDN(dn).Normalized()]; ok {
		return slices.Clone(o.values(name))
	}
	return nil
}

// Len returns the number of entries below the Root DSE.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects) - 1
}

// FailOn makes the next and every following op ("search", "add", "modify",
// "delete", "modify_dn") against dn fail with err. A nil err clears it.
func (s *Server) FailOn(op, dn string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + " " + model.MustParseDN(dn).Normalized()
	if err == nil {
		delete(s.fail, key)
		return
	}
	s.fail[key] = err
}

// Calls returns the requests received so far, optionally only those of op.
func (s *Server) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op == "" {
		return slices.Clone(s.calls)
	}
	var out []Call
	for _, c := range s.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded requests.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// ResultError builds the error a server returns for code.
func ResultError(code uint16) error {
	return ldap.NewError(code, errors.New(ldap.LDAPResultCodeMap[code]))
}

func (s *Server) record(op string, dn model.DN, controls []ldap.Control, fn func(*Call)) error {
	call := Call{Op: op, DN: dn.String()}
	for _, c := range controls {
		if c != nil {
			call.Controls = append(call.Controls, c.GetControlType())
		}
	}
	if fn != nil {
		fn(&call)
	}
	s.calls = append(s.calls, call)
	return s.fail[op+" "+dn.Normalized()]
}

// children returns the direct children of dn in creation order. Entries
// whose parent is not stored count as children of the Root DSE.
func (s *Server) children(dn model.DN) []*object {
	var out []*object
	for _, o := range s.objects {
		if o.dn.IsRoot() {
			continue
		}
		parent, _ := o.dn.Parent()
		if parent.Equal(dn) {
			out = append(out, o)
			continue
		}
		if dn.IsRoot() {
			if _, ok := s.objects[parent.Normalized()]; !ok {
				out = append(out, o)
			}
		}
	}
	slices.SortFunc(out, func(a, b *object) int { return a.seq - b.seq })
	return out
}

func (s *Server) subtree(o *object) []*object {
	out := []*object{o}
	for _, child := range s.children(o.dn) {
		out = append(out, s.subtree(child)...)
	}
	return out
}

// Search implements ldap.Directory.
func (s *Server) Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	if s.OnSearch != nil {
		s.OnSearch(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := model.ParseDN(req.BaseDN)
	if err != nil {
		return nil, ldap.NewError(ldap.LDAPResultInvalidDNSyntax, err)
	}
	if err := s.record("search", base, req.Controls, func(c *Call) {
		c.Scope = req.Scope
		c.Filter = req.Filter
	}); err != nil {
		return nil, err
	}

	baseObj, ok := s.objects[base.Normalized()]
	if !ok {
		return nil, ResultError(ldap.LDAPResultNoSuchObject)
	}

	match, err := compileFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	var candidates []*object
	switch req.Scope {
	case ldapclient.ScopeBaseObject:
		candidates = []*object{baseObj}
	case ldapclient.ScopeSingleLevel:
		candidates = s.children(base)
	default:
		candidates = s.subtree(baseObj)
	}

	subentries := ldapclient.HasControl(req.Controls, ldapclient.ControlTypeSubentries)
	result := &ldapclient.SearchResult{}
	var matched []*object
	for _, o := range candidates {
		if req.Scope != ldapclient.ScopeBaseObject && o.hasObjectClass(model.ObjectClassSubentry) != subentries {
			continue
		}
		if !match(o) {
			continue
		}
		if o.hasObjectClass(model.ObjectClassReferral) && req.Referrals != ldapclient.ReferralsManage {
			if req.Referrals == ldapclient.ReferralsFollow {
				result.Referrals = append(result.Referrals, o.values(model.AttrRef)...)
			}
			continue
		}
		matched = append(matched, o)
	}

	if paging, ok := ldap.FindControl(req.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok && paging.PagingSize > 0 {
		offset := 0
		if len(paging.Cookie) > 0 {
			offset, _ = strconv.Atoi(string(paging.Cookie))
		}
		end := min(offset+int(paging.PagingSize), len(matched))
		offset = min(offset, end)

		response := ldap.NewControlPaging(paging.PagingSize)
		if end < len(matched) {
			response.SetCookie([]byte(strconv.Itoa(end)))
		}
		result.Controls = []ldap.Control{response}
		result.Entries = s.entries(matched[offset:end], req.Attributes)
		return result, nil
	}

	if req.SizeLimit > 0 && len(matched) > req.SizeLimit {
		result.Entries = s.entries(matched[:req.SizeLimit], req.Attributes)
		return result, ResultError(ldap.LDAPResultSizeLimitExceeded)
	}

	result.Entries = s.entries(matched, req.Attributes)
	return result, nil
}

func (s *Server) entries(objects []*object, requested []string) []*ldap.Entry {
	out := make([]*ldap.Entry, 0, len(objects))
	for _, o := range objects {
		out = append(out, s.entry(o, requested))
	}
	return out
}

func (s *Server) entry(o *object, requested []string) *ldap.Entry {
	all := len(requested) == 0 || slices.Contains(requested, model.AllUserAttributes)
	operational := slices.Contains(requested, model.AllOperationalAttributes)

	attrs := map[string][]string{}
	for _, key := range slices.Sorted(maps.Keys(o.attrs)) {
		if all || slices.ContainsFunc(requested, func(r string) bool { return strings.EqualFold(r, key) }) {
			attrs[o.names[key]] = o.values(key)
		}
	}
	if operational || slices.ContainsFunc(requested, func(r string) bool {
		return strings.EqualFold(r, model.AttrHasSubordinates)
	}) {
		has := "FALSE"
		if len(s.children(o.dn)) > 0 && !o.dn.IsRoot() {
			has = "TRUE"
		}
		attrs[model.AttrHasSubordinates] = []string{has}
	}

	return ldap.NewEntry(o.dn.String(), attrs)
}

// compileFilter supports "", "(attr=*)" and "(attr=value)".
func compileFilter(filter string) (func(*object) bool, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return func(*object) bool { return true }, nil
	}
	if !strings.HasPrefix(filter, "(") || !strings.HasSuffix(filter, ")") {
		return nil, ldap.NewError(ldap.LDAPResultFilterError, fmt.Errorf("unsupported filter %q", filter))
	}
	name, value, ok := strings.Cut(filter[1:len(filter)-1], "=")
	if !ok || strings.ContainsAny(name, "()&|!") {
		return nil, ldap.NewError(ldap.LDAPResultFilterError, fmt.Errorf("unsupported filter %q", filter))
	}

	return func(o *object) bool {
		values := o.values(name)
		if value == "*" {
			return len(values) > 0 || strings.EqualFold(name, model.AttrObjectClass)
		}
		return slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(v, value) })
	}, nil
}

// Add implements ldap.Directory.
func (s *Server) Add(ctx context.Context, req *ldapclient.AddRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dn, err := model.ParseDN(req.DN)
	if err != nil || dn.IsRoot() {
		return ResultError(ldap.LDAPResultInvalidDNSyntax)
	}
	if err := s.record("add", dn, req.Controls, nil); err != nil {
		return err
	}
	if _, ok := s.objects[dn.Normalized()]; ok {
		return ResultError(ldap.LDAPResultEntryAlreadyExists)
	}
	if parent, _ := dn.Parent(); !parent.IsRoot() {
		if _, ok := s.objects[parent.Normalized()]; !ok {
			return ResultError(ldap.LDAPResultNoSuchObject)
		}
	}

	s.put(dn, req.Attributes)
	return nil
}

// Modify implements ldap.Directory.
func (s *Server) Modify(ctx context.Context, req *ldapclient.ModifyRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dn, err := model.ParseDN(req.DN)
	if err != nil {
		return ResultError(ldap.LDAPResultInvalidDNSyntax)
	}
	if err := s.record("modify", dn, req.Controls, nil); err != nil {
		return err
	}
	o, ok := s.objects[dn.Normalized()]
	if !ok {
		return ResultError(ldap.LDAPResultNoSuchObject)
	}

	for name, values := range req.AddAttributes {
		merged := o.values(name)
		for _, v := range values {
			if !slices.Contains(merged, v) {
				merged = append(merged, v)
			}
		}
		o.set(name, merged)
	}
	for name, values := range req.ReplaceAttributes {
		o.set(name, values)
	}
	for _, name := range req.DeleteAttributes {
		o.set(name, nil)
	}
	return nil
}

// Delete implements ldap.Directory.
func (s *Server) Delete(ctx context.Context, req *ldapclient.DeleteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dn, err := model.ParseDN(req.DN)
	if err != nil || dn.IsRoot() {
		return ResultError(ldap.LDAPResultInvalidDNSyntax)
	}
	if err := s.record("delete", dn, req.Controls, nil); err != nil {
		return err
	}
	o, ok := s.objects[dn.Normalized()]
	if !ok {
		return ResultError(ldap.LDAPResultNoSuchObject)
	}

	subtree := s.subtree(o)
	if len(subtree) > 1 {
		if !s.SubtreeDelete || !ldapclient.HasControl(req.Controls, ldapclient.ControlTypeSubtreeDelete) {
			return ResultError(ldap.LDAPResultNotAllowedOnNonLeaf)
		}
	}
	for _, d := range subtree {
		delete(s.objects, d.dn.Normalized())
	}
	return nil
}

// ModifyDN implements ldap.Directory.
func (s *Server) ModifyDN(ctx context.Context, req *ldapclient.ModifyDNRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dn, err := model.ParseDN(req.DN)
	if err != nil || dn.IsRoot() {
		return ResultError(ldap.LDAPResultInvalidDNSyntax)
	}
	if err := s.record("modify_dn", dn, req.Controls, nil); err != nil {
		return err
	}
	o, ok := s.objects[dn.Normalized()]
	if !ok {
		return ResultError(ldap.LDAPResultNoSuchObject)
	}

	rdn, err := model.ParseRDN(req.NewRDN)
	if err != nil {
		return ldap.NewError(ldap.LDAPResultInvalidDNSyntax, err)
	}
	parent, _ := dn.Parent()
	if req.NewSuperior != "" {
		if parent, err = model.ParseDN(req.NewSuperior); err != nil {
			return ldap.NewError(ldap.LDAPResultInvalidDNSyntax, err)
		}
		if _, ok := s.objects[parent.Normalized()]; !ok {
			return ResultError(ldap.LDAPResultNoSuchObject)
		}
	}
	target := parent.Child(rdn)
	if _, ok := s.objects[target.Normalized()]; ok {
		return ResultError(ldap.LDAPResultEntryAlreadyExists)
	}
	if dn.Equal(target) || dn.IsAncestorOf(target) {
		return ResultError(ldap.LDAPResultUnwillingToPerform)
	}

	subtree := s.subtree(o)
	if len(subtree) > 1 && s.RejectRenameOfNonLeaf {
		return ResultError(ldap.LDAPResultNotAllowedOnNonLeaf)
	}

	if req.DeleteOldRDN {
		for _, ava := range dn.RDN().Attributes {
			o.set(ava.Type, slices.DeleteFunc(o.values(ava.Type), func(v string) bool {
				return strings.EqualFold(v, ava.Value)
			}))
		}
	}
	for _, ava := range rdn.Attributes {
		values := o.values(ava.Type)
		if !slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(v, ava.Value) }) {
			o.set(ava.Type, append(values, ava.Value))
		}
	}

	for _, d := range subtree {
		delete(s.objects, d.dn.Normalized())
		d.dn, _ = d.dn.Rebase(dn, target)
		s.objects[d.dn.Normalized()] = d
	}
	return nil
}
