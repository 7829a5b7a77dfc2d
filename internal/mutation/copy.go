package mutation

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

var (
	// ErrCopyStopped is returned when a conflict was resolved with Break.
	ErrCopyStopped = errors.New("copy stopped on existing entry")
	// ErrCopyIntoSubtree is returned when an entry would be copied below itself.
	ErrCopyIntoSubtree = errors.New("source and target are equal")
	// ErrRenameWithoutRDN is recorded when a conflict is resolved with
	// RenameAndContinue but no usable new RDN.
	ErrRenameWithoutRDN = errors.New("rename requires a new RDN different from the existing one")
)

// Strategy is the reaction to a copy target that already exists.
type Strategy int

const (
	// Break stops the whole copy.
	Break Strategy = iota
	// IgnoreAndContinue leaves the existing entry alone and carries on with
	// the children of the source.
	IgnoreAndContinue
	// OverwriteAndContinue replaces the attributes of the existing entry.
	OverwriteAndContinue
	// RenameAndContinue adds the entry under Decision.RDN instead.
	RenameAndContinue
)

func (s Strategy) String() string {
	switch s {
	case Break:
		return "break"
	case IgnoreAndContinue:
		return "ignore"
	case OverwriteAndContinue:
		return "overwrite"
	case RenameAndContinue:
		return "rename"
	default:
		return "unknown"
	}
}

// ParseStrategy parses the String form of a strategy that can be applied to
// a whole batch. RenameAndContinue is not one: every conflict needs its own
// RDN, so only an interactive resolver can choose it.
func ParseStrategy(s string) (Strategy, bool) {
	for _, st := range []Strategy{Break, IgnoreAndContinue, OverwriteAndContinue} {
		if strings.EqualFold(s, st.String()) {
			return st, true
		}
	}
	return Break, false
}

// Decision answers one conflict. Remember applies the strategy to every
// further conflict of the same batch; it is ignored for RenameAndContinue.
type Decision struct {
	Strategy Strategy
	RDN      model.RDN
	Remember bool
}

// ConflictResolver decides what to do when a copy target already exists.
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, existing model.DN) Decision
}

// ConflictResolverFunc adapts a function to ConflictResolver.
type ConflictResolverFunc func(ctx context.Context, existing model.DN) Decision

// ResolveConflict calls f.
func (f ConflictResolverFunc) ResolveConflict(ctx context.Context, existing model.DN) Decision {
	return f(ctx, existing)
}

// Always resolves every conflict with the same strategy.
func Always(s Strategy) ConflictResolver {
	return ConflictResolverFunc(func(context.Context, model.DN) Decision {
		return Decision{Strategy: s}
	})
}

// batch is the state of one copy call.
type batch struct {
	resolver   ConflictResolver
	remembered *Decision
	stopped    bool
	count      int
	errs       *multierror.Error
}

func newBatch(resolver ConflictResolver) *batch {
	return &batch{resolver: resolver}
}

func (b *batch) resolve(ctx context.Context, existing model.DN) (Decision, bool) {
	if b.remembered != nil {
		return *b.remembered, true
	}
	if b.resolver == nil {
		return Decision{}, false
	}
	d := b.resolver.ResolveConflict(ctx, existing)
	if d.Remember && d.Strategy != RenameAndContinue {
		b.remembered = &d
	}
	return d, true
}

// Copy copies entries below target. With ScopeBaseObject only the entries
// themselves are copied, with ScopeSingleLevel also their children and with
// ScopeWholeSubtree their subtrees. Conflicts go to resolver, or to the
// coordinator's resolver when nil. It returns the number of entries written.
func (c *Coordinator) Copy(ctx context.Context, entries []*model.Entry, target *model.Entry, scope ldapclient.SearchScope, resolver ConflictResolver, sink events.Sink) (int, error) {
	if resolver == nil {
		resolver = c.opts.Conflicts
	}
	b := newBatch(resolver)

	var copied []model.DN
	for _, entry := range entries {
		if ctx.Err() != nil || b.stopped {
			break
		}

		src := entry.DN()
		if scope != ldapclient.ScopeBaseObject && (src.Equal(target.DN()) || src.IsAncestorOf(target.DN())) {
			b.errs = multierror.Append(b.errs, ldapclient.NewModificationError("copy", src.String(), ErrCopyIntoSubtree))
			continue
		}

		parentDN := target.DN()
		if parentDN.IsRoot() {
			parentDN, _ = src.Parent()
		}
		if dn, ok := c.copyEntry(ctx, b, src, entry.IsReferral, parentDN, nil, scope); ok {
			copied = append(copied, dn)
		}
	}

	c.cache.MarkChildrenUnknown(target)
	c.cache.MarkHasChildren(target)

	for _, dn := range copied {
		if ctx.Err() != nil {
			break
		}
		e, err := c.reread(ctx, dn, false, false)
		if err != nil {
			b.errs = multierror.Append(b.errs, err)
			continue
		}
		sink.Publish(events.Added(e))
	}

	c.logDebug(ctx, "Copy completed", map[string]any{
		"entries": len(entries),
		"copied":  b.count,
		"target":  target.DN().String(),
	})

	if b.stopped {
		b.errs = multierror.Append(b.errs, ErrCopyStopped)
	}
	return b.count, b.errs.ErrorOrNil()
}

// copyEntry reads src and copies it below parentDN. It reports the DN the
// top entry was written to.
func (c *Coordinator) copyEntry(ctx context.Context, b *batch, src model.DN, referral bool, parentDN model.DN, rdn *model.RDN, scope ldapclient.SearchScope) (model.DN, bool) {
	raw, err := c.dir.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:       src.String(),
		Scope:        ldapclient.ScopeBaseObject,
		Filter:       "(objectClass=*)",
		Attributes:   []string{model.AllUserAttributes, model.AttrRef},
		SizeLimit:    1,
		DerefAliases: ldapclient.NeverDerefAliases,
		Referrals:    referralMode(referral),
	})
	if err != nil {
		b.errs = multierror.Append(b.errs, ldapclient.WrapError("copy", src.String(), err))
		return model.DN{}, false
	}

	written := c.copyRecursive(ctx, b, raw.Entries, parentDN, rdn, scope)
	if len(written) == 0 {
		return model.DN{}, false
	}
	return written[0], true
}

// copyRecursive writes sources below parentDN and, depending on scope, their
// children. It returns the DNs written at this level.
func (c *Coordinator) copyRecursive(ctx context.Context, b *batch, sources []*ldap.Entry, parentDN model.DN, forceRDN *model.RDN, scope ldapclient.SearchScope) []model.DN {
	var written []model.DN

	for _, src := range sources {
		if ctx.Err() != nil || b.stopped {
			return written
		}

		oldDN, err := model.ParseDN(src.DN)
		if err != nil {
			b.errs = multierror.Append(b.errs, err)
			continue
		}
		rdn := oldDN.RDN()
		if forceRDN != nil {
			rdn = *forceRDN
		}

		attrs := attributeMap(src)
		applyNewRDN(attrs, oldDN.RDN(), rdn)
		newDN, ok := c.write(ctx, b, parentDN, rdn, attrs)
		if !ok {
			continue
		}
		b.count++
		written = append(written, newDN)

		if scope == ldapclient.ScopeBaseObject {
			continue
		}

		raw, err := c.dir.Search(ctx, &ldapclient.SearchRequest{
			BaseDN:       oldDN.String(),
			Scope:        ldapclient.ScopeSingleLevel,
			Filter:       "(objectClass=*)",
			Attributes:   []string{model.AllUserAttributes, model.AttrRef},
			DerefAliases: ldapclient.NeverDerefAliases,
			Referrals:    ldapclient.ReferralsIgnore,
		})
		if err != nil {
			b.errs = multierror.Append(b.errs, ldapclient.WrapError("copy", oldDN.String(), err))
			continue
		}

		childScope := scope
		if scope == ldapclient.ScopeSingleLevel {
			childScope = ldapclient.ScopeBaseObject
		}
		c.copyRecursive(ctx, b, raw.Entries, newDN, nil, childScope)
	}

	return written
}

// write adds one entry, consulting the conflict policy while the target
// exists. It reports the DN written and whether copying should descend.
func (c *Coordinator) write(ctx context.Context, b *batch, parentDN model.DN, rdn model.RDN, attrs map[string][]string) (model.DN, bool) {
	dn := parentDN.Child(rdn)
	referral := containsFold(attrs[findKey(attrs, model.AttrObjectClass)], model.ObjectClassReferral)

	err := c.dir.Add(ctx, &ldapclient.AddRequest{
		DN:         dn.String(),
		Attributes: attrs,
		Referrals:  referralMode(referral),
	})
	for err != nil {
		if ctx.Err() != nil {
			b.errs = multierror.Append(b.errs, ldapclient.NewModificationError("add", dn.String(), ctx.Err()))
			return dn, false
		}
		if !ldapclient.IsAlreadyExistsError(err) {
			b.errs = multierror.Append(b.errs, ldapclient.NewModificationError("add", dn.String(), err))
			return dn, false
		}

		decision, ok := b.resolve(ctx, dn)
		if !ok {
			b.errs = multierror.Append(b.errs, ldapclient.NewModificationError("add", dn.String(), err))
			return dn, false
		}

		switch decision.Strategy {
		case IgnoreAndContinue:
			return dn, true

		case OverwriteAndContinue:
			err = c.dir.Modify(ctx, &ldapclient.ModifyRequest{
				DN:                dn.String(),
				ReplaceAttributes: attrs,
				Referrals:         referralMode(referral),
			})
			if err != nil {
				b.errs = multierror.Append(b.errs, ldapclient.NewModificationError("modify", dn.String(), err))
				return dn, false
			}
			if cached, ok := c.cache.Get(dn); ok {
				cached.AttributesInitialized = false
			}
			return dn, true

		case RenameAndContinue:
			if decision.RDN.IsZero() || decision.RDN.Normalized() == rdn.Normalized() {
				b.errs = multierror.Append(b.errs, ldapclient.NewModificationError("add", dn.String(), ErrRenameWithoutRDN))
				return dn, false
			}
			applyNewRDN(attrs, rdn, decision.RDN)
			rdn = decision.RDN
			dn = parentDN.Child(rdn)
			err = c.dir.Add(ctx, &ldapclient.AddRequest{
				DN:         dn.String(),
				Attributes: attrs,
				Referrals:  referralMode(referral),
			})

		default:
			b.stopped = true
			return dn, false
		}
	}
	return dn, true
}

func attributeMap(e *ldap.Entry) map[string][]string {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		if len(a.Values) > 0 {
			attrs[a.Name] = slices.Clone(a.Values)
		}
	}
	return attrs
}

// findKey returns the key of attrs matching name case-insensitively, or name.
func findKey(attrs map[string][]string, name string) string {
	for key := range attrs {
		if strings.EqualFold(key, name) {
			return key
		}
	}
	return name
}

// applyNewRDN removes the values of oldRDN from attrs and adds those of newRDN.
func applyNewRDN(attrs map[string][]string, oldRDN, newRDN model.RDN) {
	for _, ava := range oldRDN.Attributes {
		key := findKey(attrs, ava.Type)
		values := slices.DeleteFunc(slices.Clone(attrs[key]), func(v string) bool {
			return strings.EqualFold(v, ava.Value)
		})
		if len(values) == 0 {
			delete(attrs, key)
		} else {
			attrs[key] = values
		}
	}

	for _, ava := range newRDN.Attributes {
		key := findKey(attrs, ava.Type)
		if !containsFold(attrs[key], ava.Value) {
			attrs[key] = append(attrs[key], ava.Value)
		}
	}
}

func containsFold(values []string, want string) bool {
	return slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(v, want) })
}
