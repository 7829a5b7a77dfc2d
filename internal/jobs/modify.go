package jobs

import (
	"context"

	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
	"github.com/isometry/ldapsync/internal/mutation"
	"github.com/isometry/ldapsync/internal/scheduler"
)

// Create adds a new entry.
type Create struct {
	Conn  *Connection
	Entry *model.Entry

	Created *model.Entry
}

func (j *Create) Class() string { return ClassModify }

func (j *Create) LockTokens() []scheduler.LockToken {
	return j.Conn.entryTokens(j.Entry)
}

func (j *Create) ErrorMessage() string { return "failed to create entry" }

func (j *Create) Execute(ctx context.Context, m *scheduler.Monitor) {
	created, err := j.Conn.Mutations.Create(ctx, j.Entry, m.Sink())
	if err != nil {
		m.ReportError(err)
		return
	}
	j.Created = created
}

// Delete removes entries with their subtrees.
type Delete struct {
	Conn    *Connection
	Entries []*model.Entry

	Deleted int
}

func (j *Delete) Class() string { return ClassModify }

func (j *Delete) LockTokens() []scheduler.LockToken {
	return j.Conn.entryTokens(j.Entries...)
}

func (j *Delete) ErrorMessage() string { return "failed to delete entries" }

func (j *Delete) Execute(ctx context.Context, m *scheduler.Monitor) {
	m.Begin(len(j.Entries))
	deleted, err := j.Conn.Mutations.Delete(ctx, j.Entries, m.Sink())
	j.Deleted = deleted
	m.Worked(len(j.Entries))
	m.ReportError(err)
}

// Rename gives an entry a new RDN.
type Rename struct {
	Conn   *Connection
	Entry  *model.Entry
	NewRDN model.RDN

	Renamed *model.Entry
}

func (j *Rename) Class() string { return ClassModify }

// LockTokens covers the entry under both its old and its new name.
func (j *Rename) LockTokens() []scheduler.LockToken {
	return []scheduler.LockToken{
		scheduler.EntryToken(j.Conn.ID, j.Entry.DN()),
		scheduler.EntryToken(j.Conn.ID, j.Entry.DN().WithRDN(j.NewRDN)),
	}
}

func (j *Rename) ErrorMessage() string { return "failed to rename entry" }

func (j *Rename) Execute(ctx context.Context, m *scheduler.Monitor) {
	renamed, err := j.Conn.Mutations.Rename(ctx, j.Entry, j.NewRDN, m.Sink())
	if err != nil {
		m.ReportError(err)
		return
	}
	j.Renamed = renamed
}

// Move moves entries below a new parent.
type Move struct {
	Conn      *Connection
	Entries   []*model.Entry
	NewParent *model.Entry

	Moved int
}

func (j *Move) Class() string { return ClassModify }

func (j *Move) LockTokens() []scheduler.LockToken {
	return j.Conn.entryTokens(append([]*model.Entry{j.NewParent}, j.Entries...)...)
}

func (j *Move) ErrorMessage() string { return "failed to move entries" }

func (j *Move) Execute(ctx context.Context, m *scheduler.Monitor) {
	m.Begin(len(j.Entries))
	moved, err := j.Conn.Mutations.Move(ctx, j.Entries, j.NewParent, m.Sink())
	j.Moved = moved
	m.Worked(moved)
	m.ReportError(err)
}

// Copy copies entries below a target entry.
type Copy struct {
	Conn     *Connection
	Entries  []*model.Entry
	Target   *model.Entry
	Scope    ldapclient.SearchScope
	Resolver mutation.ConflictResolver

	Copied int
}

func (j *Copy) Class() string { return ClassModify }

func (j *Copy) LockTokens() []scheduler.LockToken {
	return j.Conn.entryTokens(append([]*model.Entry{j.Target}, j.Entries...)...)
}

func (j *Copy) ErrorMessage() string { return "failed to copy entries" }

func (j *Copy) Execute(ctx context.Context, m *scheduler.Monitor) {
	copied, err := j.Conn.Mutations.Copy(ctx, j.Entries, j.Target, j.Scope, j.Resolver, m.Sink())
	j.Copied = copied
	m.ReportError(err)
}
