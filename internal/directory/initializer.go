package directory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

const (
	filterAll       = "(objectClass=*)"
	filterSubentry  = "(objectClass=subentry)"
	filterAlias     = "(objectClass=alias)"
	filterReferral  = "(objectClass=referral)"
	filterSubschema = "(objectClass=subschema)"
)

// Options are the connection-wide defaults for reading entries.
type Options struct {
	// BaseDN is used instead of namingContexts when FetchBaseDNs is false.
	BaseDN       model.DN
	FetchBaseDNs bool

	Deref     ldapclient.DerefAliases
	Referrals ldapclient.ReferralHandling

	CountLimit int
	TimeLimit  time.Duration
	PageSize   int

	// ChildrenFilter restricts child enumeration; empty means all children.
	ChildrenFilter   string
	CheckForChildren bool
	FetchSubentries  bool
}

// DefaultOptions returns the defaults of a new connection.
func DefaultOptions() Options {
	return Options{
		FetchBaseDNs:     true,
		Deref:            ldapclient.DerefAlways,
		Referrals:        ldapclient.ReferralsFollow,
		CountLimit:       1000,
		CheckForChildren: true,
	}
}

// Initializer loads attributes and children of cached entries and
// bootstraps the Root DSE.
type Initializer struct {
	searcher *Searcher
	opts     Options
}

// NewInitializer creates an initializer that reads through searcher.
func NewInitializer(searcher *Searcher, opts Options) *Initializer {
	return &Initializer{searcher: searcher, opts: opts}
}

// InitializeAttributes reads the attributes of entry, including the
// operational ones when requested. The Root DSE is bootstrapped instead.
func (i *Initializer) InitializeAttributes(ctx context.Context, entry *model.Entry, includeOperational bool, sink events.Sink) error {
	if entry.Kind == model.KindRootDSE {
		return i.LoadRootDSE(ctx, sink)
	}

	attrs := []string{model.AllUserAttributes}
	if includeOperational {
		attrs = append(attrs, i.searcher.cache.Schema().OperationalAttributeNames()...)
		if i.searcher.supportsFeature(ldapclient.FeatureAllOperationalAttributes) {
			attrs = append(attrs, model.AllOperationalAttributes)
		}
	}
	if entry.IsReferral && !containsFold(attrs, model.AttrRef) {
		attrs = append(attrs, model.AttrRef)
	}

	spec := model.SearchSpec{
		Name:            "attributes",
		BaseDN:          entry.DN(),
		Filter:          filterAll,
		Scope:           ldapclient.ScopeBaseObject,
		Attributes:      attrs,
		Deref:           i.opts.Deref,
		Referrals:       i.opts.Referrals,
		InitHasChildren: i.opts.CheckForChildren,
	}
	if entry.IsAlias {
		spec.Deref = ldapclient.NeverDerefAliases
	}
	if entry.IsReferral {
		spec.Referrals = ldapclient.ReferralsManage
	}
	if entry.IsSubentry {
		spec.Filter = filterSubentry
		spec.Subentries = true
	}

	if _, err := i.searcher.Fetch(ctx, model.NewSearch(spec)); err != nil {
		return fmt.Errorf("failed to initialize attributes of %q: %w", entry.DN(), err)
	}

	entry.AttributesInitialized = true
	entry.OperationalAttributesInitialized = includeOperational
	sink.Publish(events.AttributesLoaded(entry))
	return nil
}

// LoadRootDSE rebuilds the Root DSE: its attributes, the server type, the
// schema and the base and metadata entries below it.
func (i *Initializer) LoadRootDSE(ctx context.Context, sink events.Sink) error {
	cache := i.searcher.cache
	root := cache.RootDSE()

	tflog.SubsystemInfo(ctx, ldapclient.SubsystemSync, "Loading Root DSE", map[string]any{
		"connection": cache.ConnectionID(),
	})

	cache.ClearChildren(root, true)

	// User attributes first: the second search then replaces every
	// operational and well-known attribute without touching what the first
	// one returned for names the schema does not know.
	for _, attrs := range [][]string{
		{model.AllUserAttributes},
		append(slices.Clone(model.RootDSEAttributes), model.AllOperationalAttributes),
	} {
		_, err := i.searcher.Fetch(ctx, model.NewSearch(model.SearchSpec{
			Name:       "root_dse",
			Filter:     filterAll,
			Scope:      ldapclient.ScopeBaseObject,
			Attributes: attrs,
			Deref:      ldapclient.NeverDerefAliases,
			Referrals:  ldapclient.ReferralsIgnore,
		}))
		if err != nil {
			return fmt.Errorf("failed to read Root DSE: %w", err)
		}
	}

	serverType := DetectServerType(root)
	cache.SetServerType(serverType)
	i.loadSchema(ctx)

	candidates, err := i.rootChildren(ctx)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		i.confirmRootChild(ctx, candidate)
	}

	root.HasMoreChildren = false
	root.AttributesInitialized = true
	root.OperationalAttributesInitialized = true
	root.ChildrenInitialized = true
	root.HasChildrenHint = true

	tflog.SubsystemInfo(ctx, ldapclient.SubsystemSync, "Root DSE loaded", map[string]any{
		"connection":  cache.ConnectionID(),
		"server_type": string(serverType),
		"children":    root.ChildCount(),
	})

	sink.Publish(events.AttributesLoaded(root))
	sink.Publish(events.ChildrenLoaded(root))
	return nil
}

// rootChildren collects base DNs and directory metadata entries, in that
// order and without duplicates.
func (i *Initializer) rootChildren(ctx context.Context) ([]*model.Entry, error) {
	cache := i.searcher.cache
	root := cache.RootDSE()

	var out []*model.Entry
	seen := map[string]bool{}
	add := func(dn model.DN, kind model.Kind) {
		if dn.IsRoot() || seen[dn.Normalized()] {
			return
		}
		seen[dn.Normalized()] = true

		e, ok := cache.Get(dn)
		if !ok {
			e = model.NewEntry(dn, kind)
			cache.Put(e)
		}
		out = append(out, e)
	}

	if !i.opts.FetchBaseDNs && !i.opts.BaseDN.IsRoot() {
		add(i.opts.BaseDN, model.KindBaseDN)
	} else {
		contexts := root.StringValues(model.AttrNamingContexts)
		searched := false
		searchRoot := func() error {
			if searched {
				return nil
			}
			searched = true
			dns, err := i.searchRootEntries(ctx)
			for _, dn := range dns {
				add(dn, model.KindBaseDN)
			}
			return err
		}

		if len(contexts) == 0 {
			if err := searchRoot(); err != nil {
				return nil, err
			}
		}
		for _, value := range contexts {
			value = strings.TrimSuffix(value, "\x00")
			if value == "" {
				if err := searchRoot(); err != nil {
					return nil, err
				}
				continue
			}
			dn, err := model.ParseDN(value)
			if err != nil {
				tflog.SubsystemWarn(ctx, ldapclient.SubsystemSync, "Ignoring invalid naming context", map[string]any{
					"naming_context": value,
					"error":          err.Error(),
				})
				continue
			}
			add(dn, model.KindBaseDN)
		}
	}

	metadataAttrs := []string{model.AttrSubschemaSubentry}
	for _, a := range root.Attributes() {
		if !strings.EqualFold(a.Description(), model.AttrNamingContexts) &&
			!strings.EqualFold(a.Description(), model.AttrSubschemaSubentry) {
			metadataAttrs = append(metadataAttrs, a.Description())
		}
	}
	for _, name := range metadataAttrs {
		for _, value := range root.StringValues(name) {
			if dn, err := model.ParseDN(value); err == nil {
				add(dn, model.KindDirectoryMetadata)
			}
		}
	}

	return out, nil
}

// searchRootEntries lists the entries directly below the Root DSE, for
// servers that publish an empty or no namingContexts attribute.
func (i *Initializer) searchRootEntries(ctx context.Context) ([]model.DN, error) {
	results, err := i.searcher.Fetch(ctx, model.NewSearch(model.SearchSpec{
		Name:       "root_entries",
		Filter:     filterAll,
		Scope:      ldapclient.ScopeSingleLevel,
		Attributes: []string{model.NoAttributes},
		Deref:      ldapclient.NeverDerefAliases,
		Referrals:  ldapclient.ReferralsIgnore,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to list entries below the Root DSE: %w", err)
	}

	var dns []model.DN
	for _, r := range results {
		if r.Matched {
			dns = append(dns, r.Entry.DN())
		}
	}
	return dns, nil
}

// confirmRootChild attaches candidate to the Root DSE when it resolves on
// the server and purges it otherwise.
func (i *Initializer) confirmRootChild(ctx context.Context, candidate *model.Entry) {
	cache := i.searcher.cache

	results, err := i.searcher.Fetch(ctx, model.NewSearch(model.SearchSpec{
		Name:            "root_child",
		BaseDN:          candidate.DN(),
		Filter:          filterAll,
		Scope:           ldapclient.ScopeBaseObject,
		Attributes:      []string{model.NoAttributes},
		CountLimit:      1,
		Deref:           i.opts.Deref,
		Referrals:       i.opts.Referrals,
		InitHasChildren: true,
	}))

	matched := slices.DeleteFunc(results, func(r model.SearchResult) bool { return !r.Matched })
	if err == nil && len(matched) == 1 {
		cache.Attach(cache.RootDSE(), matched[0].Entry)
		return
	}

	fields := map[string]any{"dn": candidate.DN().String()}
	if err != nil {
		fields["error"] = err.Error()
	}
	tflog.SubsystemDebug(ctx, ldapclient.SubsystemSync, "Root DSE child does not resolve", fields)
	cache.Remove(candidate)
}

// loadSchema replaces the default schema with the attribute types of the
// subschema subentry. Failures keep the current schema.
func (i *Initializer) loadSchema(ctx context.Context) {
	cache := i.searcher.cache
	value := cache.RootDSE().FirstValue(model.AttrSubschemaSubentry)
	if value == "" {
		return
	}

	raw, err := i.searcher.dir.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:       value,
		Scope:        ldapclient.ScopeBaseObject,
		Filter:       filterSubschema,
		Attributes:   []string{model.AttrAttributeTypes},
		DerefAliases: ldapclient.NeverDerefAliases,
		Referrals:    ldapclient.ReferralsIgnore,
	})
	if err != nil || raw == nil || len(raw.Entries) == 0 {
		fields := map[string]any{"subschema_subentry": value}
		if err != nil {
			fields["error"] = err.Error()
		}
		tflog.SubsystemWarn(ctx, ldapclient.SubsystemSync, "Keeping default schema", fields)
		return
	}

	var types []*model.AttributeType
	for _, desc := range raw.Entries[0].GetEqualFoldAttributeValues(model.AttrAttributeTypes) {
		t, err := model.ParseAttributeType(desc)
		if err != nil {
			tflog.SubsystemTrace(ctx, ldapclient.SubsystemSync, "Skipping attribute type", map[string]any{
				"description": desc,
				"error":       err.Error(),
			})
			continue
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return
	}

	cache.SetSchema(model.NewSchema(types))
	tflog.SubsystemDebug(ctx, ldapclient.SubsystemSync, "Loaded schema", map[string]any{
		"attribute_types": len(types),
	})
}

// InitializeChildren enumerates the children of entry. Children that were
// known before and are still present keep their cached attributes.
func (i *Initializer) InitializeChildren(ctx context.Context, entry *model.Entry, sink events.Sink) error {
	if entry.Kind == model.KindRootDSE {
		return i.LoadRootDSE(ctx, sink)
	}

	cache := i.searcher.cache
	previous := cache.DetachChildren(entry)
	entry.HasMoreChildren = false

	base := model.SearchSpec{
		BaseDN:          entry.DN(),
		Filter:          i.opts.ChildrenFilter,
		Scope:           ldapclient.ScopeSingleLevel,
		Attributes:      []string{model.NoAttributes},
		CountLimit:      i.opts.CountLimit,
		TimeLimit:       i.opts.TimeLimit,
		Deref:           i.opts.Deref,
		Referrals:       i.opts.Referrals,
		InitHasChildren: i.opts.CheckForChildren,
	}
	if entry.IsAlias {
		base.Deref = ldapclient.NeverDerefAliases
	}
	if entry.IsReferral {
		base.Referrals = ldapclient.ReferralsManage
	}

	main := base
	main.Name = "children"
	main.PageSize = i.opts.PageSize

	specs := []model.SearchSpec{main}
	if entry.FetchSubentries || i.opts.FetchSubentries {
		sub := base
		sub.Name = "subentries"
		if sub.Filter == "" {
			sub.Filter = filterSubentry
		}
		sub.Subentries = true
		specs = append(specs, sub)
	}
	if entry.FetchAliases {
		aliases := base
		aliases.Name = "alias_children"
		aliases.Filter = filterAlias
		aliases.Deref = ldapclient.NeverDerefAliases
		specs = append(specs, aliases)
	}
	if entry.FetchReferrals {
		referrals := base
		referrals.Name = "referral_children"
		referrals.Filter = filterReferral
		referrals.Referrals = ldapclient.ReferralsManage
		specs = append(specs, referrals)
	}

	exceeded := false
	var runErr error
	for n, spec := range specs {
		search := model.NewSearch(spec)
		results, err := i.searcher.Fetch(ctx, search)

		found := 0
		for _, r := range results {
			if !r.Matched {
				continue
			}
			if parent, ok := r.Entry.DN().Parent(); ok && parent.Equal(entry.DN()) {
				// Re-append in result order; merging attached new children first.
				cache.Detach(entry, r.Entry)
				cache.Attach(entry, r.Entry)
				found++
			}
		}
		if err != nil {
			runErr = err
			break
		}

		exceeded = exceeded || search.CountLimitExceeded()
		if n == 0 && found == 0 {
			entry.HasChildrenHint = false
		} else if found > 0 {
			entry.HasChildrenHint = true
		}
	}

	for _, child := range previous {
		if !cache.IsAttached(child) {
			cache.Evict(child)
		}
	}

	if runErr != nil {
		entry.ChildrenInitialized = false
		entry.HasMoreChildren = true
		return fmt.Errorf("failed to initialize children of %q: %w", entry.DN(), runErr)
	}

	entry.HasMoreChildren = exceeded
	entry.ChildrenInitialized = true

	tflog.SubsystemDebug(ctx, ldapclient.SubsystemSync, "Children initialized", map[string]any{
		"dn":                entry.DN().String(),
		"children":          entry.ChildCount(),
		"has_more_children": exceeded,
	})

	sink.Publish(events.ChildrenLoaded(entry))
	return nil
}
