package mutation

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

// enumerationError aborts a delete batch: the children of DN could not be
// listed, so nothing below it can be trusted to be deleted.
type enumerationError struct {
	DN    model.DN
	Cause error
}

func (e *enumerationError) Error() string {
	return fmt.Sprintf("failed to list children of %q: %v", e.DN, e.Cause)
}

func (e *enumerationError) Unwrap() error {
	return e.Cause
}

// Delete removes entries and their subtrees. It returns the number of
// entries deleted, descendants included, and every failure. A rejected
// delete skips to the next entry; a failure to list children ends the batch.
// On cancellation the entries not deleted and their parents are marked as
// having unknown children.
func (c *Coordinator) Delete(ctx context.Context, entries []*model.Entry, sink events.Sink) (int, error) {
	var errs *multierror.Error
	var dirtied dirtySet
	count := 0
	done := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		dn := entry.DN()
		n, err := c.deleteRecursive(ctx, dn, entry.IsReferral, &dirtied)
		count += n
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			errs = multierror.Append(errs, err)
			done++

			var enumErr *enumerationError
			if errors.As(err, &enumErr) {
				break
			}
			continue
		}

		c.forget(dn, &dirtied)
		sink.Publish(events.Deleted(entry))
		done++
	}

	if ctx.Err() != nil {
		for _, entry := range entries[done:] {
			c.markUnknown(entry)
		}
	}

	c.logDebug(ctx, "Delete completed", map[string]any{
		"entries": len(entries),
		"deleted": count,
	})

	dirtied.publish(sink)
	return count, errs.ErrorOrNil()
}

// markUnknown flags entry and its parent for re-enumeration.
func (c *Coordinator) markUnknown(entry *model.Entry) {
	cached, ok := c.cache.Get(entry.DN())
	if !ok {
		cached = entry
	}
	c.cache.MarkChildrenUnknown(cached)
	if parent, ok := c.cache.Parent(cached); ok {
		c.cache.MarkChildrenUnknown(parent)
	}
}

// deleteRecursive deletes dn, first deleting its children when the server
// refuses to delete a non-leaf entry. Deleted descendants are forgotten as
// they go; dn itself is left to the caller.
func (c *Coordinator) deleteRecursive(ctx context.Context, dn model.DN, referral bool, dirtied *dirtySet) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	req := &ldapclient.DeleteRequest{
		DN:        dn.String(),
		Referrals: referralMode(referral),
	}
	if c.opts.UseSubtreeDelete && c.searcher.Advertises(ldapclient.ControlTypeSubtreeDelete) {
		req.Controls = append(req.Controls, ldapclient.NewControlSubtreeDelete())
	}

	err := c.dir.Delete(ctx, req)
	if err == nil {
		return 1, nil
	}
	if !ldapclient.IsNotEmptyError(err) {
		return 0, ldapclient.NewModificationError("delete", dn.String(), err)
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		raw, err := c.dir.Search(ctx, &ldapclient.SearchRequest{
			BaseDN:       dn.String(),
			Scope:        ldapclient.ScopeSingleLevel,
			Filter:       "(objectClass=*)",
			Attributes:   []string{model.AttrObjectClass},
			SizeLimit:    c.opts.DeleteBatchSize,
			DerefAliases: ldapclient.NeverDerefAliases,
			Referrals:    ldapclient.ReferralsManage,
		})
		limited := err != nil && ldapclient.IsLimitExceededError(err)
		if err != nil && !limited {
			return count, &enumerationError{DN: dn, Cause: err}
		}

		var children []*model.Entry
		if raw != nil {
			for _, le := range raw.Entries {
				childDN, perr := model.ParseDN(le.DN)
				if perr != nil {
					return count, &enumerationError{DN: dn, Cause: perr}
				}
				child := model.NewEntry(childDN, model.KindEntry)
				child.IsReferral = containsFold(le.GetEqualFoldAttributeValues(model.AttrObjectClass), model.ObjectClassReferral)
				children = append(children, child)
			}
		}
		if len(children) == 0 {
			break
		}

		for _, child := range children {
			n, err := c.deleteRecursive(ctx, child.DN(), child.IsReferral, dirtied)
			count += n
			if err != nil {
				return count, err
			}
			c.forget(child.DN(), dirtied)
		}

		if !limited && len(children) < c.opts.DeleteBatchSize {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return count, err
	}
	if err := c.dir.Delete(ctx, req); err != nil {
		return count, ldapclient.NewModificationError("delete", dn.String(), err)
	}
	return count + 1, nil
}
