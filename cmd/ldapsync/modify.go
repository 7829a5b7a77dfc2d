package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/isometry/ldapsync/internal/jobs"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
	"github.com/isometry/ldapsync/internal/mutation"
)

type deleteCommand struct {
	*meta
}

func (c *deleteCommand) Synopsis() string { return "Delete entries with their subtrees" }

func (c *deleteCommand) Help() string {
	return `
Usage: ldapsync delete [options] dn ...

  Deletes each entry and everything below it. The subtree delete control is
  used when the server advertises it; otherwise the subtree is removed
  bottom up.

Options:
` + commonFlags
}

func (c *deleteCommand) Run(args []string) int {
	fs := c.flagSet("delete")
	if err := fs.Parse(args); err != nil {
		return c.usage(err, c.Help())
	}
	if fs.NArg() == 0 {
		return c.usage(fmt.Errorf("expected at least one DN"), c.Help())
	}

	s, err := c.open(nil)
	if err != nil {
		return c.fail(err)
	}
	defer s.close()

	entries, err := s.lookupAll(c.ctx, fs.Args())
	if err != nil {
		return c.fail(err)
	}
	job := &jobs.Delete{Conn: s.conn, Entries: entries}
	_, err = s.scheduler.Run(c.ctx, job)
	c.ui.Output(fmt.Sprintf("%d entries deleted", job.Deleted))
	if err != nil {
		return c.fail(err)
	}
	return 0
}

type renameCommand struct {
	*meta
}

func (c *renameCommand) Synopsis() string { return "Give an entry a new RDN" }

func (c *renameCommand) Help() string {
	return `
Usage: ldapsync rename [options] dn new-rdn

  Renames an entry. When the server refuses to rename an entry that has
  children, the rename can be carried out as copy and delete.

Options:

  -simulate       Ask before simulating a refused rename.
` + commonFlags
}

func (c *renameCommand) Run(args []string) int {
	fs := c.flagSet("rename")
	simulate := fs.Bool("simulate", false, "ask before simulating a refused rename")
	if err := fs.Parse(args); err != nil {
		return c.usage(err, c.Help())
	}
	if fs.NArg() != 2 {
		return c.usage(fmt.Errorf("expected a DN and a new RDN"), c.Help())
	}
	rdn, err := model.ParseRDN(fs.Arg(1))
	if err != nil {
		return c.fail(err)
	}

	var ask mutation.SimulateFunc
	if *simulate {
		ask = c.askSimulate
	}
	s, err := c.open(ask)
	if err != nil {
		return c.fail(err)
	}
	defer s.close()

	entry, err := s.lookup(c.ctx, fs.Arg(0))
	if err != nil {
		return c.fail(err)
	}
	job := &jobs.Rename{Conn: s.conn, Entry: entry, NewRDN: rdn}
	if _, err := s.scheduler.Run(c.ctx, job); err != nil {
		return c.fail(err)
	}
	c.ui.Output("renamed to " + job.Renamed.DN().String())
	return 0
}

func (m *meta) askSimulate(_ context.Context, entry *model.Entry, cause error) bool {
	if !ldapclient.IsNotEmptyError(cause) {
		return false
	}
	answer, err := m.ui.Ask(fmt.Sprintf("The server refused to rename %s, which has children. Copy and delete instead? [y/N]", entry.DN()))
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), "y")
}

type moveCommand struct {
	*meta
}

func (c *moveCommand) Synopsis() string { return "Move entries below a new parent" }

func (c *moveCommand) Help() string {
	return `
Usage: ldapsync move [options] -to=parent dn ...

  Moves each entry, with its subtree, below the new parent.

Options:

  -to=dn          New parent entry. Required.
  -simulate       Ask before simulating a refused move.
` + commonFlags
}

func (c *moveCommand) Run(args []string) int {
	fs := c.flagSet("move")
	to := fs.String("to", "", "new parent")
	simulate := fs.Bool("simulate", false, "ask before simulating a refused move")
	if err := fs.Parse(args); err != nil {
		return c.usage(err, c.Help())
	}
	if *to == "" || fs.NArg() == 0 {
		return c.usage(fmt.Errorf("expected -to and at least one DN"), c.Help())
	}

	var ask mutation.SimulateFunc
	if *simulate {
		ask = c.askSimulate
	}
	s, err := c.open(ask)
	if err != nil {
		return c.fail(err)
	}
	defer s.close()

	parent, err := s.lookup(c.ctx, *to)
	if err != nil {
		return c.fail(err)
	}
	entries, err := s.lookupAll(c.ctx, fs.Args())
	if err != nil {
		return c.fail(err)
	}
	job := &jobs.Move{Conn: s.conn, Entries: entries, NewParent: parent}
	_, err = s.scheduler.Run(c.ctx, job)
	c.ui.Output(fmt.Sprintf("%d entries moved", job.Moved))
	if err != nil {
		return c.fail(err)
	}
	return 0
}

type copyCommand struct {
	*meta
}

func (c *copyCommand) Synopsis() string { return "Copy entries below a target entry" }

func (c *copyCommand) Help() string {
	return `
Usage: ldapsync copy [options] -to=target dn ...

  Copies each entry below the target. With a root target the entries are
  copied next to themselves.

Options:

  -to=dn          Target parent entry. Required.
  -scope=s        base, one or sub. Defaults to sub.
  -conflicts=s    What to do when a copy already exists: ask, break, ignore
                  or overwrite. Defaults to the configured strategy. Only ask
                  can rename, since every conflict needs its own RDN.
` + commonFlags
}

func (c *copyCommand) Run(args []string) int {
	fs := c.flagSet("copy")
	to := fs.String("to", "", "target parent")
	scopeName := fs.String("scope", "sub", "copy scope")
	conflicts := fs.String("conflicts", "", "conflict strategy")
	if err := fs.Parse(args); err != nil {
		return c.usage(err, c.Help())
	}
	if *to == "" || fs.NArg() == 0 {
		return c.usage(fmt.Errorf("expected -to and at least one DN"), c.Help())
	}
	scope, ok := ldapclient.ParseSearchScope(*scopeName)
	if !ok {
		return c.usage(fmt.Errorf("unknown scope %q", *scopeName), c.Help())
	}

	var resolver mutation.ConflictResolver
	switch *conflicts {
	case "":
	case "ask":
		resolver = mutation.ConflictResolverFunc(c.askConflict)
	default:
		strategy, ok := mutation.ParseStrategy(*conflicts)
		if !ok {
			return c.usage(fmt.Errorf("unknown conflict strategy %q", *conflicts), c.Help())
		}
		resolver = mutation.Always(strategy)
	}

	s, err := c.open(nil)
	if err != nil {
		return c.fail(err)
	}
	defer s.close()

	target, err := c.target(s, *to)
	if err != nil {
		return c.fail(err)
	}
	entries, err := s.lookupAll(c.ctx, fs.Args())
	if err != nil {
		return c.fail(err)
	}
	job := &jobs.Copy{Conn: s.conn, Entries: entries, Target: target, Scope: scope, Resolver: resolver}
	_, err = s.scheduler.Run(c.ctx, job)
	c.ui.Output(fmt.Sprintf("%d entries copied", job.Copied))
	if err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *copyCommand) target(s *session, dn string) (*model.Entry, error) {
	if dn == "" || dn == `""` {
		return s.conn.Cache.RootDSE(), nil
	}
	return s.lookup(c.ctx, dn)
}

func (c *copyCommand) askConflict(_ context.Context, existing model.DN) mutation.Decision {
	answer, err := c.ui.Ask(fmt.Sprintf("%s already exists. [b]reak, [i]gnore, [o]verwrite or [r]ename? Append ! to apply to the rest.", existing))
	if err != nil {
		return mutation.Decision{Strategy: mutation.Break}
	}
	answer = strings.TrimSpace(answer)
	remember := strings.HasSuffix(answer, "!")
	answer = strings.ToLower(strings.TrimSuffix(answer, "!"))

	switch answer {
	case "i", "ignore":
		return mutation.Decision{Strategy: mutation.IgnoreAndContinue, Remember: remember}
	case "o", "overwrite":
		return mutation.Decision{Strategy: mutation.OverwriteAndContinue, Remember: remember}
	case "r", "rename":
		value, err := c.ui.Ask("New RDN:")
		if err != nil {
			return mutation.Decision{Strategy: mutation.Break}
		}
		rdn, err := model.ParseRDN(strings.TrimSpace(value))
		if err != nil {
			c.ui.Error(err.Error())
			return mutation.Decision{Strategy: mutation.Break}
		}
		return mutation.Decision{Strategy: mutation.RenameAndContinue, RDN: rdn}
	default:
		return mutation.Decision{Strategy: mutation.Break, Remember: remember}
	}
}
