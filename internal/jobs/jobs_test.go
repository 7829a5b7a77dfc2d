package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/ldap/ldaptest"
	"github.com/isometry/ldapsync/internal/model"
	"github.com/isometry/ldapsync/internal/mutation"
	"github.com/isometry/ldapsync/internal/scheduler"
)

func newServer() *ldaptest.Server {
	server := ldaptest.NewServer()
	server.SetRootDSE(map[string][]string{
		"objectClass":    {"top"},
		"namingContexts": {"dc=x"},
	})
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}, "dc": {"x"}})
	server.AddEntry("ou=a,dc=x", map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"a"}})
	server.AddEntry("cn=b,ou=a,dc=x", map[string][]string{"objectClass": {"person"}, "cn": {"b"}, "sn": {"b"}})
	server.AddEntry("ou=c,dc=x", map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"c"}})
	return server
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Kind
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func setup(t *testing.T) (*Connection, *scheduler.Scheduler, *collector, *ldaptest.Server) {
	t.Helper()
	server := newServer()
	conn := NewConnection("ldap.example.com:389", server, directory.DefaultOptions(), mutation.DefaultOptions())
	sink := &collector{}
	s := scheduler.New(2, sink)

	_, err := s.Run(context.Background(), &LoadRootDSE{Conn: conn})
	require.NoError(t, err)
	return conn, s, sink, server
}

func entry(t *testing.T, conn *Connection, dn string) *model.Entry {
	t.Helper()
	e, ok := conn.Cache.Get(model.MustParseDN(dn))
	require.True(t, ok, "%s is cached", dn)
	return e
}

func TestLoadRootDSEAndChildren(t *testing.T) {
	conn, s, sink, _ := setup(t)
	ctx := context.Background()

	_, err := s.Run(ctx, &InitChildren{Conn: conn, Entries: []*model.Entry{entry(t, conn, "dc=x")}})
	require.NoError(t, err)

	children := conn.Cache.Children(entry(t, conn, "dc=x"))
	require.Len(t, children, 2)
	assert.Equal(t, "ou=a,dc=x", children[0].DN().String())

	job := &InitAttributes{Conn: conn, Entries: children}
	task, err := s.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSucceeded, task.Status())
	assert.Equal(t, []string{"a"}, children[0].StringValues("ou"))

	worked, total := task.Monitor().Progress()
	assert.Equal(t, 2, worked)
	assert.Equal(t, 2, total)

	assert.Equal(t, []events.Kind{
		events.AttributesInitialized, events.ChildrenInitialized,
		events.ChildrenInitialized,
		events.AttributesInitialized, events.AttributesInitialized,
	}, sink.kinds())
}

func TestSearchJob(t *testing.T) {
	conn, s, sink, _ := setup(t)

	search := model.NewSearch(model.SearchSpec{
		Name:   "people",
		BaseDN: model.MustParseDN("dc=x"),
		Scope:  ldapclient.ScopeWholeSubtree,
		Filter: "(objectClass=person)",
	})
	job := &Search{Conn: conn, Search: search}
	_, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, job.Results, 1)
	assert.Equal(t, "cn=b,ou=a,dc=x", job.Results[0].Entry.DN().String())
	assert.Contains(t, sink.kinds(), events.SearchUpdated)
}

func TestDeleteJob_ReportsFailuresAndCount(t *testing.T) {
	conn, s, _, server := setup(t)
	ctx := context.Background()
	_, err := s.Run(ctx, &InitChildren{Conn: conn, Entries: []*model.Entry{entry(t, conn, "dc=x")}})
	require.NoError(t, err)

	server.FailOn("delete", "ou=c,dc=x", ldaptest.ResultError(ldap.LDAPResultInsufficientAccessRights))

	job := &Delete{Conn: conn, Entries: []*model.Entry{entry(t, conn, "ou=a,dc=x"), entry(t, conn, "ou=c,dc=x")}}
	task, err := s.Run(ctx, job)

	require.Error(t, err)
	assert.Equal(t, scheduler.StatusFailed, task.Status())
	assert.Contains(t, err.Error(), "failed to delete entries")
	assert.Contains(t, err.Error(), "ou=c,dc=x")
	assert.Equal(t, 2, job.Deleted)
	assert.False(t, server.Has("ou=a,dc=x"))
	assert.NoError(t, conn.Cache.Verify())
}

func TestRenameJob(t *testing.T) {
	conn, s, sink, server := setup(t)
	ctx := context.Background()
	_, err := s.Run(ctx, &InitChildren{Conn: conn, Entries: []*model.Entry{entry(t, conn, "dc=x")}})
	require.NoError(t, err)

	rdn, err := model.ParseRDN("ou=z")
	require.NoError(t, err)
	job := &Rename{Conn: conn, Entry: entry(t, conn, "ou=c,dc=x"), NewRDN: rdn}
	_, err = s.Run(ctx, job)
	require.NoError(t, err)

	require.NotNil(t, job.Renamed)
	assert.Equal(t, "ou=z,dc=x", job.Renamed.DN().String())
	assert.True(t, server.Has("ou=z,dc=x"))
	assert.Contains(t, sink.kinds(), events.EntryRenamed)
}

func TestCreateMoveAndCopyJobs(t *testing.T) {
	conn, s, _, server := setup(t)
	ctx := context.Background()
	_, err := s.Run(ctx, &InitChildren{Conn: conn, Entries: []*model.Entry{entry(t, conn, "dc=x")}})
	require.NoError(t, err)

	proto := model.NewEntry(model.MustParseDN("ou=new,dc=x"), model.KindEntry)
	proto.SetAttribute(model.NewStringAttribute(model.AttrObjectClass, "organizationalUnit"))
	proto.SetAttribute(model.NewStringAttribute("ou", "new"))
	create := &Create{Conn: conn, Entry: proto}
	_, err = s.Run(ctx, create)
	require.NoError(t, err)
	require.NotNil(t, create.Created)

	move := &Move{Conn: conn, Entries: []*model.Entry{entry(t, conn, "ou=c,dc=x")}, NewParent: create.Created}
	_, err = s.Run(ctx, move)
	require.NoError(t, err)
	assert.Equal(t, 1, move.Moved)
	assert.True(t, server.Has("ou=c,ou=new,dc=x"))

	copyJob := &Copy{
		Conn:    conn,
		Entries: []*model.Entry{entry(t, conn, "ou=a,dc=x")},
		Target:  create.Created,
		Scope:   ldapclient.ScopeWholeSubtree,
	}
	_, err = s.Run(ctx, copyJob)
	require.NoError(t, err)
	assert.Equal(t, 2, copyJob.Copied)
	assert.True(t, server.Has("cn=b,ou=a,ou=new,dc=x"))
	assert.NoError(t, conn.Cache.Verify())
}

func TestLockTokens(t *testing.T) {
	conn := NewConnection("ldap.example.com:389", ldaptest.NewServer(), directory.DefaultOptions(), mutation.DefaultOptions())
	people := model.NewEntry(model.MustParseDN("ou=people,dc=example"), model.KindEntry)
	bob := model.NewEntry(model.MustParseDN("cn=bob,ou=people,dc=example"), model.KindEntry)
	groups := model.NewEntry(model.MustParseDN("ou=groups,dc=example"), model.KindEntry)

	overlap := func(a, b scheduler.Operation) bool {
		for _, x := range a.LockTokens() {
			for _, y := range b.LockTokens() {
				if x.Overlaps(y) {
					return true
				}
			}
		}
		return false
	}

	rdn, err := model.ParseRDN("cn=robert")
	require.NoError(t, err)

	del := &Delete{Conn: conn, Entries: []*model.Entry{people}}
	renameBob := &Rename{Conn: conn, Entry: bob, NewRDN: rdn}
	renameGroups := &Rename{Conn: conn, Entry: groups, NewRDN: rdn}

	assert.True(t, overlap(del, renameBob))
	assert.False(t, overlap(del, renameGroups))
	assert.Equal(t, del.Class(), renameBob.Class())
	assert.NotEqual(t, del.Class(), (&InitChildren{}).Class())
}
