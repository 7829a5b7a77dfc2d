package mutation

import (
	"context"

	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

// Create adds proto to the directory and returns the cached entry as the
// server stored it. proto is not cached itself.
func (c *Coordinator) Create(ctx context.Context, proto *model.Entry, sink events.Sink) (*model.Entry, error) {
	dn := proto.DN()
	referral := proto.HasObjectClass(model.ObjectClassReferral)
	subentry := proto.HasObjectClass(model.ObjectClassSubentry)

	attrs := make(map[string][]string, len(proto.Attributes()))
	for _, a := range proto.Attributes() {
		values := make([]string, 0, a.Len())
		for _, v := range a.Values() {
			values = append(values, string(v.Bytes()))
		}
		attrs[a.Description()] = append(attrs[a.Description()], values...)
	}

	err := c.dir.Add(ctx, &ldapclient.AddRequest{
		DN:         dn.String(),
		Attributes: attrs,
		Referrals:  referralMode(referral),
	})
	if err != nil {
		return nil, ldapclient.NewModificationError("add", dn.String(), err)
	}

	created, err := c.reread(ctx, dn, referral, subentry)
	if err != nil {
		return nil, err
	}

	if parentDN, ok := dn.Parent(); ok {
		if parent, ok := c.cache.Get(parentDN); ok {
			parent.FetchAliases = parent.FetchAliases || created.IsAlias
			parent.FetchReferrals = parent.FetchReferrals || created.IsReferral
			parent.FetchSubentries = parent.FetchSubentries || created.IsSubentry
		}
	}

	c.logDebug(ctx, "Entry created", map[string]any{"dn": dn.String()})
	sink.Publish(events.Added(created))
	return created, nil
}
