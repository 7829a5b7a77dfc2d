package jobs

import (
	"context"
	"fmt"

	"github.com/isometry/ldapsync/internal/model"
	"github.com/isometry/ldapsync/internal/scheduler"
)

// Search executes a search, or moves a scrolled search by one page.
type Search struct {
	Conn   *Connection
	Search *model.Search
	// Direction is used for scrolled searches that already ran.
	Direction model.ScrollDirection

	Results []model.SearchResult
}

func (j *Search) Class() string { return ClassSearch }

func (j *Search) LockTokens() []scheduler.LockToken {
	return []scheduler.LockToken{scheduler.SearchToken(j.Conn.ID, j.Search.Spec.BaseDN, j.Search.Spec.Name)}
}

func (j *Search) ErrorMessage() string {
	return fmt.Sprintf("search %q failed", j.Search.Spec.Name)
}

func (j *Search) Execute(ctx context.Context, m *scheduler.Monitor) {
	var err error
	if j.Search.Spec.Scroll && j.Search.Continuation() != nil {
		j.Results, err = j.Conn.Searcher.Scroll(ctx, j.Search, j.Direction, m.Sink())
	} else {
		j.Results, err = j.Conn.Searcher.Execute(ctx, j.Search, m.Sink())
	}
	m.ReportError(err)
}

// LoadRootDSE bootstraps the Root DSE, the base entries and the schema.
type LoadRootDSE struct {
	Conn *Connection
}

func (j *LoadRootDSE) Class() string { return ClassRootDSE }

func (j *LoadRootDSE) LockTokens() []scheduler.LockToken {
	return []scheduler.LockToken{scheduler.ConnectionToken(j.Conn.ID)}
}

func (j *LoadRootDSE) ErrorMessage() string { return "failed to load the Root DSE" }

func (j *LoadRootDSE) Execute(ctx context.Context, m *scheduler.Monitor) {
	m.ReportError(j.Conn.Initializer.LoadRootDSE(ctx, m.Sink()))
}

// InitAttributes reads the attributes of entries.
type InitAttributes struct {
	Conn               *Connection
	Entries            []*model.Entry
	IncludeOperational bool
}

func (j *InitAttributes) Class() string { return ClassAttributes }

func (j *InitAttributes) LockTokens() []scheduler.LockToken {
	return j.Conn.entryTokens(j.Entries...)
}

func (j *InitAttributes) ErrorMessage() string { return "failed to read attributes" }

func (j *InitAttributes) Execute(ctx context.Context, m *scheduler.Monitor) {
	m.Begin(len(j.Entries))
	for _, e := range j.Entries {
		if m.Canceled() {
			return
		}
		m.ReportError(j.Conn.Initializer.InitializeAttributes(ctx, e, j.IncludeOperational, m.Sink()))
		m.Worked(1)
	}
}

// InitChildren enumerates the children of entries.
type InitChildren struct {
	Conn    *Connection
	Entries []*model.Entry
}

func (j *InitChildren) Class() string { return ClassChildren }

func (j *InitChildren) LockTokens() []scheduler.LockToken {
	return j.Conn.entryTokens(j.Entries...)
}

func (j *InitChildren) ErrorMessage() string { return "failed to read children" }

func (j *InitChildren) Execute(ctx context.Context, m *scheduler.Monitor) {
	m.Begin(len(j.Entries))
	for _, e := range j.Entries {
		if m.Canceled() {
			return
		}
		m.ReportError(j.Conn.Initializer.InitializeChildren(ctx, e, m.Sink()))
		m.Worked(1)
	}
}
