// Package mutation applies creates, deletes, renames, moves and copies to
// the directory and keeps the entry cache and registered searches in step.
//
// Deletes of non-leaf entries fall back to deleting the subtree bottom-up.
// Renames and moves that the server refuses for non-leaf entries can be
// simulated by copying the subtree and deleting the source.
package mutation

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

// DefaultDeleteBatchSize bounds the one-level searches of a recursive delete.
const DefaultDeleteBatchSize = 1000

// SimulateFunc decides whether a rename or move that the server rejected
// for a non-leaf entry is carried out as copy and delete.
type SimulateFunc func(ctx context.Context, entry *model.Entry, cause error) bool

// Options configure a Coordinator.
type Options struct {
	// UseSubtreeDelete sends the subtree delete control when the server
	// advertises it.
	UseSubtreeDelete bool
	DeleteBatchSize  int

	// Simulate is consulted when a rename or move hits a non-leaf entry.
	// Without it the server's error is returned.
	Simulate SimulateFunc
	// Conflicts resolves "entry already exists" while copying. Without it
	// the conflict is reported as an error.
	Conflicts ConflictResolver
}

// DefaultOptions returns the options of a new connection.
func DefaultOptions() Options {
	return Options{
		UseSubtreeDelete: true,
		DeleteBatchSize:  DefaultDeleteBatchSize,
	}
}

// Coordinator runs mutations for one connection.
type Coordinator struct {
	searcher *directory.Searcher
	dir      ldapclient.Directory
	cache    *model.EntryCache
	opts     Options
}

// NewCoordinator creates a coordinator writing through the searcher's
// directory and re-reading changed entries with it.
func NewCoordinator(searcher *directory.Searcher, opts Options) *Coordinator {
	if opts.DeleteBatchSize <= 0 {
		opts.DeleteBatchSize = DefaultDeleteBatchSize
	}
	return &Coordinator{
		searcher: searcher,
		dir:      searcher.Directory(),
		cache:    searcher.Cache(),
		opts:     opts,
	}
}

// referralMode returns the referral handling for requests that target an
// entry itself.
func referralMode(referral bool) ldapclient.ReferralHandling {
	if referral {
		return ldapclient.ReferralsManage
	}
	return ldapclient.ReferralsIgnore
}

// reread reads dn with all user attributes and caches it below its parent.
// The parent's child enumeration state is left as it was.
func (c *Coordinator) reread(ctx context.Context, dn model.DN, referral, subentry bool) (*model.Entry, error) {
	attrs := []string{model.AllUserAttributes}
	if referral {
		attrs = append(attrs, model.AttrRef)
	}
	spec := model.SearchSpec{
		Name:            "reread",
		BaseDN:          dn,
		Scope:           ldapclient.ScopeBaseObject,
		Attributes:      attrs,
		Deref:           ldapclient.NeverDerefAliases,
		Referrals:       referralMode(referral),
		InitHasChildren: true,
		Subentries:      subentry,
	}

	// Attaching the entry up front keeps the search from marking the
	// parent's children as partially known.
	parentDN, _ := dn.Parent()
	parent, hasParent := c.cache.Get(parentDN)
	var placeholder *model.Entry
	if _, cached := c.cache.Get(dn); hasParent && !cached && !parentDN.IsRoot() {
		placeholder = model.NewEntry(dn, model.KindEntry)
		c.cache.Attach(parent, placeholder)
	}

	results, err := c.searcher.Fetch(ctx, model.NewSearch(spec))
	if err == nil && (len(results) == 0 || results[0].Entry == nil) {
		err = ldapclient.NewModificationError("read", dn.String(), ldapclient.ErrEntryNotReturned)
	}
	if err != nil {
		if placeholder != nil {
			c.cache.Remove(placeholder)
		}
		return nil, err
	}
	entry := results[0].Entry
	entry.AttributesInitialized = true

	if hasParent {
		c.cache.MarkHasChildren(parent)
		if !parentDN.IsRoot() {
			c.cache.Attach(parent, entry)
		}
	}
	return entry, nil
}

// forget drops dn and its cached subtree and removes them from registered
// searches.
func (c *Coordinator) forget(dn model.DN, dirtied *dirtySet) {
	if e, ok := c.cache.Get(dn); ok {
		c.cache.Remove(e)
	}
	dirtied.add(c.cache.ForgetEntry(dn)...)
}

// dirtySet collects the searches changed by an operation in the order they
// were first changed.
type dirtySet struct {
	seen  map[*model.Search]bool
	order []*model.Search
}

func (d *dirtySet) add(searches ...*model.Search) {
	if d.seen == nil {
		d.seen = map[*model.Search]bool{}
	}
	for _, s := range searches {
		if !d.seen[s] {
			d.seen[s] = true
			d.order = append(d.order, s)
		}
	}
}

func (d *dirtySet) publish(sink events.Sink) {
	for _, s := range d.order {
		sink.Publish(events.Updated(s))
	}
}

func (c *Coordinator) logDebug(ctx context.Context, msg string, fields map[string]any) {
	fields["connection"] = c.cache.ConnectionID()
	tflog.SubsystemDebug(ctx, ldapclient.SubsystemSync, msg, fields)
}
