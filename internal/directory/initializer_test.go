package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/ldap/ldaptest"
	"github.com/isometry/ldapsync/internal/model"
)

func newInitializer(server *ldaptest.Server, opts Options) (*Initializer, *model.EntryCache) {
	cache := model.NewEntryCache("test")
	return NewInitializer(NewSearcher(server, cache), opts), cache
}

func childDNs(cache *model.EntryCache, e *model.Entry) []string {
	var out []string
	for _, child := range cache.Children(e) {
		out = append(out, child.DN().String())
	}
	return out
}

func eventKinds(r *events.Recorder) []events.Kind {
	var out []events.Kind
	for _, e := range r.Events() {
		out = append(out, e.Kind)
	}
	return out
}

func TestLoadRootDSE_EmptyNamingContextSearchesFromRoot(t *testing.T) {
	server := ldaptest.NewServer()
	server.SetRootDSE(map[string][]string{
		"objectClass":    {"top"},
		"namingContexts": {""},
	})
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}, "dc": {"x"}})
	server.AddEntry("o=y", map[string][]string{"objectClass": {"organization"}, "o": {"y"}})

	initializer, cache := newInitializer(server, DefaultOptions())
	recorder := events.NewRecorder()

	require.NoError(t, initializer.LoadRootDSE(context.Background(), recorder))

	var rootListing []ldaptest.Call
	for _, c := range server.Calls("search") {
		if c.DN == "" && c.Scope == ldapclient.ScopeSingleLevel {
			rootListing = append(rootListing, c)
		}
	}
	assert.Len(t, rootListing, 1, "one-level search from the Root DSE")

	root := cache.RootDSE()
	assert.Equal(t, []string{"dc=x", "o=y"}, childDNs(cache, root))
	for _, child := range cache.Children(root) {
		assert.Equal(t, model.KindBaseDN, child.Kind)
	}

	assert.True(t, root.AttributesInitialized)
	assert.True(t, root.OperationalAttributesInitialized)
	assert.True(t, root.ChildrenInitialized)
	assert.True(t, root.HasChildrenHint)
	assert.False(t, root.HasMoreChildren)
	assert.Equal(t, []events.Kind{events.AttributesInitialized, events.ChildrenInitialized}, eventKinds(recorder))
	assert.NoError(t, cache.Verify())
}

func TestLoadRootDSE_NamingContextsAndMetadata(t *testing.T) {
	server := ldaptest.NewServer()
	server.SetRootDSE(map[string][]string{
		"objectClass":       {"top", "OpenLDAProotDSE"},
		"namingContexts":    {"dc=x\x00"},
		"subschemaSubentry": {"cn=Subschema"},
		"configContext":     {"cn=config"},
		"supportedControl":  {"1.2.840.113556.1.4.319"},
	})
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	server.AddEntry("o=unlisted", map[string][]string{"objectClass": {"organization"}})
	server.AddEntry("cn=Subschema", map[string][]string{
		"objectClass": {"top", "subschema"},
		"attributeTypes": {
			"( 2.5.18.9 NAME 'hasSubordinates' SYNTAX 1.3.6.1.4.1.1466.115.121.1.7 USAGE directoryOperation )",
			"( 1.3.6.1.4.1.99999.1 NAME 'siteOperational' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 USAGE dSAOperation )",
			"not an attribute type",
		},
	})

	initializer, cache := newInitializer(server, DefaultOptions())
	require.NoError(t, initializer.LoadRootDSE(context.Background(), events.Discard))

	root := cache.RootDSE()
	assert.Equal(t, []string{"dc=x", "cn=Subschema"}, childDNs(cache, root))

	schemaEntry, ok := cache.Get(model.MustParseDN("cn=subschema"))
	require.True(t, ok)
	assert.Equal(t, model.KindDirectoryMetadata, schemaEntry.Kind)

	_, ok = cache.Get(model.MustParseDN("cn=config"))
	assert.False(t, ok, "metadata that does not resolve is purged")

	assert.Equal(t, model.ServerOpenLDAP23, cache.ServerType())
	assert.Equal(t, 2, cache.Schema().Len())
	assert.True(t, cache.Schema().IsOperational("siteOperational"))
	assert.NoError(t, cache.Verify())
}

func TestLoadRootDSE_ConfiguredBaseDN(t *testing.T) {
	server := ldaptest.NewServer()
	server.SetRootDSE(map[string][]string{"namingContexts": {"dc=x"}})
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	server.AddEntry("ou=people,dc=x", map[string][]string{"objectClass": {"organizationalUnit"}})

	opts := DefaultOptions()
	opts.FetchBaseDNs = false
	opts.BaseDN = model.MustParseDN("ou=people,dc=x")
	initializer, cache := newInitializer(server, opts)

	require.NoError(t, initializer.LoadRootDSE(context.Background(), events.Discard))
	assert.Equal(t, []string{"ou=people,dc=x"}, childDNs(cache, cache.RootDSE()))
}

func TestLoadRootDSE_ReloadReplacesChildren(t *testing.T) {
	server := ldaptest.NewServer()
	server.SetRootDSE(map[string][]string{"namingContexts": {"dc=x"}})
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	server.AddEntry("dc=y", map[string][]string{"objectClass": {"domain"}})

	initializer, cache := newInitializer(server, DefaultOptions())
	ctx := context.Background()
	require.NoError(t, initializer.LoadRootDSE(ctx, events.Discard))
	assert.Equal(t, []string{"dc=x"}, childDNs(cache, cache.RootDSE()))

	server.SetRootDSE(map[string][]string{"namingContexts": {"dc=y"}})
	require.NoError(t, initializer.InitializeAttributes(ctx, cache.RootDSE(), true, events.Discard))
	assert.Equal(t, []string{"dc=y"}, childDNs(cache, cache.RootDSE()))

	_, ok := cache.Get(model.MustParseDN("dc=x"))
	assert.False(t, ok)
}

func TestInitializeChildren_KeepsKnownChildren(t *testing.T) {
	server := ldaptest.NewServer()
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	for _, cn := range []string{"a", "b", "c"} {
		server.AddEntry("cn="+cn+",dc=x", map[string][]string{"objectClass": {"person"}})
	}

	initializer, cache := newInitializer(server, DefaultOptions())
	base := attachBase(cache, "dc=x")

	known := model.NewEntry(model.MustParseDN("cn=a,dc=x"), model.KindEntry)
	known.SetAttribute(model.NewStringAttribute("description", "cached"))
	cache.Attach(base, known)
	gone := model.NewEntry(model.MustParseDN("cn=gone,dc=x"), model.KindEntry)
	cache.Attach(base, gone)

	recorder := events.NewRecorder()
	require.NoError(t, initializer.InitializeChildren(context.Background(), base, recorder))

	assert.Equal(t, []string{"cn=a,dc=x", "cn=b,dc=x", "cn=c,dc=x"}, childDNs(cache, base))
	a, ok := cache.Get(known.DN())
	require.True(t, ok)
	assert.Same(t, known, a)
	assert.Equal(t, []string{"cached"}, a.StringValues("description"))

	_, ok = cache.Get(gone.DN())
	assert.False(t, ok)

	assert.True(t, base.ChildrenInitialized)
	assert.False(t, base.HasMoreChildren)
	assert.True(t, base.HasChildrenHint)
	assert.Equal(t, []events.Kind{events.ChildrenInitialized}, eventKinds(recorder))
	assert.NoError(t, cache.Verify())
}

func TestInitializeChildren_CountLimit(t *testing.T) {
	server := ldaptest.NewServer()
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	for _, cn := range []string{"a", "b", "c"} {
		server.AddEntry("cn="+cn+",dc=x", map[string][]string{"objectClass": {"person"}})
	}

	opts := DefaultOptions()
	opts.CountLimit = 2
	initializer, cache := newInitializer(server, opts)
	base := attachBase(cache, "dc=x")

	require.NoError(t, initializer.InitializeChildren(context.Background(), base, events.Discard))
	assert.Len(t, cache.Children(base), 2)
	assert.True(t, base.HasMoreChildren)
	assert.True(t, base.ChildrenInitialized)
}

func TestInitializeChildren_Paged(t *testing.T) {
	server := ldaptest.NewServer()
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	for _, cn := range []string{"a", "b", "c", "d", "e"} {
		server.AddEntry("cn="+cn+",dc=x", map[string][]string{"objectClass": {"person"}})
	}

	opts := DefaultOptions()
	opts.PageSize = 2
	initializer, cache := newInitializer(server, opts)
	base := attachBase(cache, "dc=x")

	require.NoError(t, initializer.InitializeChildren(context.Background(), base, events.Discard))
	assert.Len(t, cache.Children(base), 5)
	assert.False(t, base.HasMoreChildren)
	assert.Len(t, server.Calls("search"), 3)
}

func TestInitializeChildren_NoChildrenClearsHint(t *testing.T) {
	server := ldaptest.NewServer()
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})

	initializer, cache := newInitializer(server, DefaultOptions())
	base := attachBase(cache, "dc=x")

	require.NoError(t, initializer.InitializeChildren(context.Background(), base, events.Discard))
	assert.False(t, base.HasChildrenHint)
	assert.True(t, base.ChildrenInitialized)
	assert.Empty(t, cache.Children(base))
}

func TestInitializeChildren_FetchesSubentries(t *testing.T) {
	server := ldaptest.NewServer()
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	server.AddEntry("cn=a,dc=x", map[string][]string{"objectClass": {"person"}})
	server.AddEntry("cn=policy,dc=x", map[string][]string{"objectClass": {"subentry"}})

	initializer, cache := newInitializer(server, DefaultOptions())
	base := attachBase(cache, "dc=x")
	ctx := context.Background()

	require.NoError(t, initializer.InitializeChildren(ctx, base, events.Discard))
	assert.Equal(t, []string{"cn=a,dc=x"}, childDNs(cache, base))

	base.FetchSubentries = true
	require.NoError(t, initializer.InitializeChildren(ctx, base, events.Discard))
	assert.Equal(t, []string{"cn=a,dc=x", "cn=policy,dc=x"}, childDNs(cache, base))

	policy, ok := cache.Get(model.MustParseDN("cn=policy,dc=x"))
	require.True(t, ok)
	assert.True(t, policy.IsSubentry)
	assert.False(t, policy.HasChildrenHint)
}

func TestInitializeChildren_Cancelled(t *testing.T) {
	server := ldaptest.NewServer()
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	server.AddEntry("cn=a,dc=x", map[string][]string{"objectClass": {"person"}})

	initializer, cache := newInitializer(server, DefaultOptions())
	base := attachBase(cache, "dc=x")
	base.ChildrenInitialized = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recorder := events.NewRecorder()
	err := initializer.InitializeChildren(ctx, base, recorder)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, base.ChildrenInitialized)
	assert.Empty(t, recorder.Events())
}

func TestInitializeAttributes_Referral(t *testing.T) {
	server := ldaptest.NewServer()
	server.SetRootDSE(map[string][]string{
		"supportedFeatures": {ldapclient.FeatureAllOperationalAttributes},
	})
	server.AddEntry("dc=x", map[string][]string{"objectClass": {"domain"}})
	server.AddEntry("ou=remote,dc=x", map[string][]string{
		"objectClass": {"referral", "extensibleObject"},
		"ref":         {"ldap://other/ou=remote,dc=x"},
	})

	initializer, cache := newInitializer(server, DefaultOptions())
	cache.RootDSE().SetAttribute(model.NewStringAttribute(model.AttrSupportedFeatures, ldapclient.FeatureAllOperationalAttributes))
	base := attachBase(cache, "dc=x")
	remote := model.NewEntry(model.MustParseDN("ou=remote,dc=x"), model.KindEntry)
	remote.IsReferral = true
	cache.Attach(base, remote)

	recorder := events.NewRecorder()
	require.NoError(t, initializer.InitializeAttributes(context.Background(), remote, true, recorder))

	assert.Equal(t, []string{"ldap://other/ou=remote,dc=x"}, remote.StringValues(model.AttrRef))
	assert.Equal(t, []string{"FALSE"}, remote.StringValues(model.AttrHasSubordinates))
	assert.True(t, remote.AttributesInitialized)
	assert.True(t, remote.OperationalAttributesInitialized)
	assert.Equal(t, []events.Kind{events.AttributesInitialized}, eventKinds(recorder))
}
