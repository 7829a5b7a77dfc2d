package directory

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

// Searcher runs searches against the directory and merges the results into
// the entry cache.
type Searcher struct {
	dir   ldapclient.Directory
	cache *model.EntryCache
}

// NewSearcher creates a searcher for one connection.
func NewSearcher(dir ldapclient.Directory, cache *model.EntryCache) *Searcher {
	return &Searcher{dir: dir, cache: cache}
}

// Cache returns the entry cache results are merged into.
func (s *Searcher) Cache() *model.EntryCache {
	return s.cache
}

// Directory returns the directory searches are sent to.
func (s *Searcher) Directory() ldapclient.Directory {
	return s.dir
}

// Advertises reports whether the loaded Root DSE lists oid as a supported
// control. Unlike the filter applied to search controls it is false until
// the Root DSE has been read.
func (s *Searcher) Advertises(oid string) bool {
	root := s.cache.RootDSE()
	return root.AttributesInitialized && s.supportsControl(oid)
}

// Execute runs search, stores the results on it and publishes SearchUpdated.
// A scrolled search fetches its first page.
func (s *Searcher) Execute(ctx context.Context, search *model.Search, sink events.Sink) ([]model.SearchResult, error) {
	if search.Spec.Scroll {
		return s.Scroll(ctx, search, model.ScrollTop, sink)
	}

	results, err := s.Fetch(ctx, search)
	if err != nil {
		return results, err
	}
	sink.Publish(events.Updated(search))
	return results, nil
}

// Scroll moves a scrolled search to the next, previous or first page.
func (s *Searcher) Scroll(ctx context.Context, search *model.Search, direction model.ScrollDirection, sink events.Sink) ([]model.SearchResult, error) {
	cont := search.Continuation()
	if cont == nil {
		cont = model.NewContinuation()
	}

	cookie, page, ok := cont.Cookie(direction)
	if !ok {
		return nil, fmt.Errorf("search %q has no %s page", search.Spec.Name, direction)
	}

	results, err := s.run(ctx, search, cont, cookie, page)
	if err != nil {
		return results, err
	}
	sink.Publish(events.Updated(search))
	return results, nil
}

// Fetch runs search without publishing events. Paged results are read until
// the cookie is exhausted or the count limit is reached.
func (s *Searcher) Fetch(ctx context.Context, search *model.Search) ([]model.SearchResult, error) {
	return s.run(ctx, search, nil, nil, 0)
}

func (s *Searcher) run(ctx context.Context, search *model.Search, cont *model.Continuation, cookie []byte, page int) ([]model.SearchResult, error) {
	spec := search.Spec
	attrs := s.effectiveAttributes(spec)
	controls := s.effectiveControls(spec)
	paged := spec.PageSize > 0 && s.supportsControl(ldap.ControlTypePaging)
	filter := spec.Filter
	if filter == "" {
		filter = filterAll
	}

	fields := map[string]any{
		"search":     spec.Name,
		"base_dn":    spec.BaseDN.String(),
		"scope":      spec.Scope.String(),
		"attributes": attrs,
		"paged":      paged,
	}
	tflog.SubsystemDebug(ctx, ldapclient.SubsystemSync, "Executing search", fields)

	var results []model.SearchResult
	exceeded := false

	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		reqControls := controls
		if paged {
			paging := ldap.NewControlPaging(uint32(spec.PageSize))
			paging.SetCookie(cookie)
			reqControls = append(slices.Clone(controls), paging)
		}

		raw, err := s.dir.Search(ctx, &ldapclient.SearchRequest{
			BaseDN:       spec.BaseDN.String(),
			Scope:        spec.Scope,
			Filter:       filter,
			Attributes:   attrs,
			SizeLimit:    spec.CountLimit,
			TimeLimit:    spec.TimeLimit,
			DerefAliases: spec.Deref,
			Referrals:    spec.Referrals,
			Controls:     reqControls,
		})
		if raw != nil {
			results = append(results, s.merge(ctx, spec, controls, raw)...)
		}
		if err != nil {
			if ldapclient.IsLimitExceededError(err) {
				exceeded = true
				break
			}
			return results, err
		}

		var next []byte
		if paged {
			next = ldapclient.PagingCookie(raw.Controls)
		}

		if cont != nil {
			cont.Record(page, cookie, next)
			exceeded = next != nil
			break
		}
		if next == nil {
			break
		}
		if spec.CountLimit > 0 && countMatched(results) >= spec.CountLimit {
			exceeded = true
			break
		}
		cookie = next
	}

	search.SetResults(results, exceeded)
	if cont != nil {
		search.SetContinuation(cont)
	}

	fields["results"] = len(results)
	fields["count_limit_exceeded"] = exceeded
	tflog.SubsystemDebug(ctx, ldapclient.SubsystemSync, "Search completed", fields)

	return results, nil
}

func countMatched(results []model.SearchResult) int {
	n := 0
	for _, r := range results {
		if r.Matched {
			n++
		}
	}
	return n
}

// effectiveAttributes adds the children-detection attribute when requested
// and objectClass, which alias, referral and subentry detection rely on.
func (s *Searcher) effectiveAttributes(spec model.SearchSpec) []string {
	attrs := spec.ReturningAttributes()

	if spec.InitHasChildren {
		if name, ok := s.cache.Schema().ChildrenDetectionAttribute(); ok && !containsFold(attrs, name) {
			attrs = append(attrs, name)
		}
	}

	if !containsFold(attrs, model.AttrObjectClass) && !slices.Contains(attrs, model.AllUserAttributes) {
		attrs = append(attrs, model.AttrObjectClass)
	}

	return attrs
}

// effectiveControls drops controls the server does not advertise and adds
// the subentries control on request.
func (s *Searcher) effectiveControls(spec model.SearchSpec) []ldap.Control {
	var controls []ldap.Control
	for _, c := range spec.Controls {
		if c != nil && s.supportsControl(c.GetControlType()) {
			controls = append(controls, c)
		}
	}
	if spec.Subentries && !ldapclient.HasControl(controls, ldapclient.ControlTypeSubentries) {
		controls = append(controls, ldapclient.NewControlSubentries())
	}
	return controls
}

// supportsControl reports whether the Root DSE lists oid. Everything is
// assumed supported until the Root DSE has been read.
func (s *Searcher) supportsControl(oid string) bool {
	root := s.cache.RootDSE()
	if !root.AttributesInitialized {
		return true
	}
	supported, ok := root.Attribute(model.AttrSupportedControl)
	return ok && supported.ContainsString(oid)
}

// supportsFeature reports whether the Root DSE lists oid in supportedFeatures.
func (s *Searcher) supportsFeature(oid string) bool {
	features, ok := s.cache.RootDSE().Attribute(model.AttrSupportedFeatures)
	return ok && features.ContainsString(oid)
}

func (s *Searcher) merge(ctx context.Context, spec model.SearchSpec, controls []ldap.Control, raw *ldapclient.SearchResult) []model.SearchResult {
	results := make([]model.SearchResult, 0, len(raw.Entries)+len(raw.Referrals))

	for _, le := range raw.Entries {
		dn, err := model.ParseDN(le.DN)
		if err != nil {
			tflog.SubsystemWarn(ctx, ldapclient.SubsystemSync, "Skipping search result with invalid DN", map[string]any{
				"dn":    le.DN,
				"error": err.Error(),
			})
			continue
		}

		entry := s.getOrCreate(ctx, dn, spec)
		s.fillAttributes(entry, spec.ReturningAttributes(), le)
		s.initFlags(entry, spec, controls, le)
		results = append(results, model.SearchResult{Entry: entry, Matched: true})
	}

	for _, ref := range raw.Referrals {
		results = append(results, model.SearchResult{Entry: continuationEntry(ref), Matched: false})
	}

	return results
}

// getOrCreate returns the cached entry for dn, creating it and any missing
// ancestors. Ancestors that do not resolve on the server are skipped so that
// a naming context "dc=example,dc=com" does not grow a phantom "dc=com".
func (s *Searcher) getOrCreate(ctx context.Context, dn model.DN, spec model.SearchSpec) *model.Entry {
	if e, ok := s.cache.Get(dn); ok {
		return e
	}

	var missing []model.DN
	for cur := dn; !cur.IsRoot(); {
		if _, ok := s.cache.Get(cur); ok {
			break
		}
		missing = append(missing, cur)
		cur, _ = cur.Parent()
	}
	slices.Reverse(missing)

	var entry *model.Entry
	for i, cur := range missing {
		parentDN, _ := cur.Parent()
		leaf := i == len(missing)-1

		if parent, ok := s.cache.Get(parentDN); ok && !parentDN.IsRoot() {
			entry = model.NewEntry(cur, model.KindEntry)
			s.cache.AttachPartial(parent, entry)
			continue
		}

		if leaf || s.exists(ctx, cur, spec) {
			entry = model.NewEntry(cur, model.KindBaseDN)
			s.cache.Attach(s.cache.RootDSE(), entry)
		}
	}

	return entry
}

// exists probes dn with an object search for no attributes.
func (s *Searcher) exists(ctx context.Context, dn model.DN, spec model.SearchSpec) bool {
	probe := model.SearchSpec{
		BaseDN:          dn,
		Scope:           ldapclient.ScopeBaseObject,
		Attributes:      []string{model.NoAttributes},
		InitHasChildren: true,
	}

	raw, err := s.dir.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:       dn.String(),
		Scope:        probe.Scope,
		Filter:       filterAll,
		Attributes:   s.effectiveAttributes(probe),
		SizeLimit:    1,
		DerefAliases: spec.Deref,
		Referrals:    spec.Referrals,
	})
	if err != nil && !ldapclient.IsLimitExceededError(err) {
		tflog.SubsystemTrace(ctx, ldapclient.SubsystemSync, "Ancestor does not resolve", map[string]any{
			"dn":    dn.String(),
			"error": err.Error(),
		})
		return false
	}
	return raw != nil && len(raw.Entries) > 0
}

// fillAttributes clears the attributes covered by requested and replaces
// them with the values in the result.
func (s *Searcher) fillAttributes(entry *model.Entry, requested []string, le *ldap.Entry) {
	schema := s.cache.Schema()

	if slices.Contains(requested, model.AllUserAttributes) {
		entry.RemoveAttributesFunc(func(a *model.Attribute) bool { return !schema.IsOperational(a.Description()) })
	}
	if slices.Contains(requested, model.AllOperationalAttributes) {
		entry.RemoveAttributesFunc(func(a *model.Attribute) bool { return schema.IsOperational(a.Description()) })
	}
	for _, name := range requested {
		for _, a := range entry.AttributesWithSubtypes(name) {
			entry.RemoveAttribute(a.Description())
		}
	}
	for _, attr := range le.Attributes {
		entry.RemoveAttribute(attr.Name)
	}

	for _, attr := range le.Attributes {
		if len(attr.ByteValues) == 0 {
			continue
		}
		entry.SetAttribute(model.NewRawAttribute(attr.Name, attr.ByteValues))
	}
}

// initFlags derives the structural flags of entry from a search result.
func (s *Searcher) initFlags(entry *model.Entry, spec model.SearchSpec, controls []ldap.Control, le *ldap.Entry) {
	for _, attr := range le.Attributes {
		switch {
		case spec.InitHasChildren && strings.EqualFold(attr.Name, model.AttrHasSubordinates):
			if containsFold(attr.Values, "FALSE") {
				entry.HasChildrenHint = false
			}
		case spec.InitHasChildren && (strings.EqualFold(attr.Name, model.AttrNumSubordinates) ||
			strings.EqualFold(attr.Name, model.AttrSubordinateCount)):
			if slices.Contains(attr.Values, "0") {
				entry.HasChildrenHint = false
			}
		case strings.EqualFold(attr.Name, model.AttrObjectClass):
			if containsFold(attr.Values, model.ObjectClassAlias) {
				entry.IsAlias = true
				entry.HasChildrenHint = false
			}
			if containsFold(attr.Values, model.ObjectClassReferral) {
				entry.IsReferral = true
				entry.HasChildrenHint = false
			}
		}
	}

	if ldapclient.HasControl(controls, ldapclient.ControlTypeSubentries) || spec.FilterSelectsSubentries() {
		entry.IsSubentry = true
		entry.HasChildrenHint = false
	}
}

// continuationEntry represents a search continuation reference. It is not
// cached since it names an entry on another server.
func continuationEntry(ref string) *model.Entry {
	var dn model.DN
	if u, err := url.Parse(ref); err == nil {
		if parsed, err := model.ParseDN(strings.TrimPrefix(u.Path, "/")); err == nil {
			dn = parsed
		}
	}

	e := model.NewEntry(dn, model.KindReferralBase)
	e.SetAttribute(model.NewStringAttribute(model.AttrRef, ref))
	e.IsReferral = true
	e.HasChildrenHint = false
	return e
}

func containsFold(values []string, want string) bool {
	return slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(v, want) })
}
