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

// ErrMoveIntoSubtree is returned when an entry would become its own descendant.
var ErrMoveIntoSubtree = errors.New("cannot move an entry below itself")

// Rename gives entry a new RDN and returns the entry cached under the new DN.
func (c *Coordinator) Rename(ctx context.Context, entry *model.Entry, newRDN model.RDN, sink events.Sink) (*model.Entry, error) {
	oldDN := entry.DN()
	newDN := oldDN.WithRDN(newRDN)
	parentDN, _ := oldDN.Parent()
	var dirtied dirtySet

	err := c.dir.ModifyDN(ctx, &ldapclient.ModifyDNRequest{
		DN:           oldDN.String(),
		NewRDN:       newRDN.String(),
		DeleteOldRDN: true,
		Referrals:    referralMode(entry.IsReferral),
	})
	if err != nil {
		if !ldapclient.IsNotEmptyError(err) || !c.simulate(ctx, entry, err) {
			return nil, ldapclient.NewModificationError("rename", oldDN.String(), err)
		}
		if err := c.simulateRelocation(ctx, entry, parentDN, &newRDN, &dirtied); err != nil {
			return nil, err
		}
	}

	renamed, err := c.relocate(ctx, entry, newDN, events.Renamed, &dirtied, sink)
	if err != nil {
		return nil, err
	}
	c.logDebug(ctx, "Entry renamed", map[string]any{"old_dn": oldDN.String(), "dn": newDN.String()})
	return renamed, nil
}

// Move moves entries below newParent. It returns the number of entries
// moved and every failure; a failed entry does not stop the batch.
func (c *Coordinator) Move(ctx context.Context, entries []*model.Entry, newParent *model.Entry, sink events.Sink) (int, error) {
	var errs *multierror.Error
	moved := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := c.move(ctx, entry, newParent.DN(), sink); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		moved++
	}

	if ctx.Err() != nil {
		c.cache.MarkChildrenUnknown(newParent)
	}

	return moved, errs.ErrorOrNil()
}

func (c *Coordinator) move(ctx context.Context, entry *model.Entry, parentDN model.DN, sink events.Sink) error {
	oldDN := entry.DN()
	if oldDN.Equal(parentDN) || oldDN.IsAncestorOf(parentDN) {
		return ldapclient.NewModificationError("move", oldDN.String(), ErrMoveIntoSubtree)
	}
	newDN := oldDN.WithParent(parentDN)
	var dirtied dirtySet

	err := c.dir.ModifyDN(ctx, &ldapclient.ModifyDNRequest{
		DN:           oldDN.String(),
		NewRDN:       oldDN.RDN().String(),
		DeleteOldRDN: true,
		NewSuperior:  parentDN.String(),
		Referrals:    referralMode(entry.IsReferral),
	})
	if err != nil {
		if !ldapclient.IsNotEmptyError(err) || !c.simulate(ctx, entry, err) {
			return ldapclient.NewModificationError("move", oldDN.String(), err)
		}
		if err := c.simulateRelocation(ctx, entry, parentDN, nil, &dirtied); err != nil {
			return err
		}
	}

	if _, err := c.relocate(ctx, entry, newDN, events.Moved, &dirtied, sink); err != nil {
		return err
	}
	c.logDebug(ctx, "Entry moved", map[string]any{"old_dn": oldDN.String(), "dn": newDN.String()})
	return nil
}

func (c *Coordinator) simulate(ctx context.Context, entry *model.Entry, cause error) bool {
	return c.opts.Simulate != nil && c.opts.Simulate(ctx, entry, cause)
}

// simulateRelocation copies the subtree of entry below parentDN, renamed to
// rdn when given, then deletes the source subtree.
func (c *Coordinator) simulateRelocation(ctx context.Context, entry *model.Entry, parentDN model.DN, rdn *model.RDN, dirtied *dirtySet) error {
	b := newBatch(c.opts.Conflicts)
	c.copyEntry(ctx, b, entry.DN(), entry.IsReferral, parentDN, rdn, ldapclient.ScopeWholeSubtree)
	if err := b.errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to copy %q: %w", entry.DN(), err)
	}
	if b.stopped {
		return ldapclient.NewModificationError("copy", entry.DN().String(), ErrCopyStopped)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.logDebug(ctx, "Copied subtree, deleting source", map[string]any{
		"dn":     entry.DN().String(),
		"copied": b.count,
	})

	if _, err := c.deleteRecursive(ctx, entry.DN(), entry.IsReferral, dirtied); err != nil {
		return fmt.Errorf("failed to delete %q after copying it: %w", entry.DN(), err)
	}
	return nil
}

// relocate replaces the cached subtree at entry's DN with the entry read
// back from newDN and re-points registered searches at it.
func (c *Coordinator) relocate(ctx context.Context, entry *model.Entry, newDN model.DN, event func(model.DN, *model.Entry) events.Event, dirtied *dirtySet, sink events.Sink) (*model.Entry, error) {
	oldDN := entry.DN()
	if cached, ok := c.cache.Get(oldDN); ok {
		c.cache.Remove(cached)
	} else {
		c.cache.Remove(entry)
	}

	relocated, err := c.reread(ctx, newDN, entry.IsReferral, entry.IsSubentry)
	if err != nil {
		return nil, err
	}

	dirtied.add(c.cache.ReplaceEntry(oldDN, relocated)...)

	sink.Publish(event(oldDN, relocated))
	dirtied.publish(sink)
	return relocated, nil
}
