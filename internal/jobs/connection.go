// Package jobs wraps engine operations as scheduler.Operation values.
//
// Read jobs (search, Root DSE, attributes, children) each form their own
// class. Every mutating job shares the "modify" class, so a delete of a
// subtree excludes a rename or copy inside it.
package jobs

import (
	"github.com/isometry/ldapsync/internal/directory"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
	"github.com/isometry/ldapsync/internal/mutation"
	"github.com/isometry/ldapsync/internal/scheduler"
)

// Operation classes.
const (
	ClassSearch     = "search"
	ClassRootDSE    = "rootdse"
	ClassAttributes = "attributes"
	ClassChildren   = "children"
	ClassModify     = "modify"
)

// Connection bundles the engine components sharing one entry cache.
type Connection struct {
	ID          string
	Cache       *model.EntryCache
	Searcher    *directory.Searcher
	Initializer *directory.Initializer
	Mutations   *mutation.Coordinator
}

// NewConnection wires the engine for dir. id scopes lock tokens and log
// fields, typically host:port.
func NewConnection(id string, dir ldapclient.Directory, dirOpts directory.Options, mutOpts mutation.Options) *Connection {
	cache := model.NewEntryCache(id)
	searcher := directory.NewSearcher(dir, cache)
	return &Connection{
		ID:          id,
		Cache:       cache,
		Searcher:    searcher,
		Initializer: directory.NewInitializer(searcher, dirOpts),
		Mutations:   mutation.NewCoordinator(searcher, mutOpts),
	}
}

func (c *Connection) entryTokens(entries ...*model.Entry) []scheduler.LockToken {
	tokens := make([]scheduler.LockToken, 0, len(entries))
	for _, e := range entries {
		tokens = append(tokens, scheduler.EntryToken(c.ID, e.DN()))
	}
	return tokens
}

var (
	_ scheduler.Operation = (*Search)(nil)
	_ scheduler.Operation = (*LoadRootDSE)(nil)
	_ scheduler.Operation = (*InitAttributes)(nil)
	_ scheduler.Operation = (*InitChildren)(nil)
	_ scheduler.Operation = (*Create)(nil)
	_ scheduler.Operation = (*Delete)(nil)
	_ scheduler.Operation = (*Rename)(nil)
	_ scheduler.Operation = (*Move)(nil)
	_ scheduler.Operation = (*Copy)(nil)
)
