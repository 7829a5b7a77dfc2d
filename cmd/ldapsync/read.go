package main

import (
	"fmt"
	"strings"

	"github.com/isometry/ldapsync/internal/jobs"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
)

type rootDSECommand struct {
	*meta
}

func (c *rootDSECommand) Synopsis() string { return "Show the Root DSE and the server type" }

func (c *rootDSECommand) Help() string {
	return `
Usage: ldapsync rootdse [options]

  Reads the Root DSE and prints its attributes, the detected server type and
  the base entries.

Options:
` + commonFlags
}

func (c *rootDSECommand) Run(args []string) int {
	fs := c.flagSet("rootdse")
	if err := fs.Parse(args); err != nil {
		return c.usage(err, c.Help())
	}

	s, err := c.open(nil)
	if err != nil {
		return c.fail(err)
	}
	defer s.close()

	root := s.conn.Cache.RootDSE()
	printEntry(c.ui, root)
	c.ui.Output("server type: " + string(s.conn.Cache.ServerType()))
	for _, base := range s.conn.Cache.Children(root) {
		c.ui.Output("base: " + base.DN().String())
	}
	return 0
}

type treeCommand struct {
	*meta
}

func (c *treeCommand) Synopsis() string { return "Print the entry tree below the base entries" }

func (c *treeCommand) Help() string {
	return `
Usage: ldapsync tree [options] [dn]

  Enumerates children level by level and prints the tree. Without a DN the
  base entries of the Root DSE are used.

Options:

  -depth=n        Number of levels to enumerate. Defaults to 2.
` + commonFlags
}

func (c *treeCommand) Run(args []string) int {
	fs := c.flagSet("tree")
	depth := fs.Int("depth", 2, "levels to enumerate")
	if err := fs.Parse(args); err != nil {
		return c.usage(err, c.Help())
	}
	if fs.NArg() > 1 {
		return c.usage(fmt.Errorf("expected at most one DN"), c.Help())
	}

	s, err := c.open(nil)
	if err != nil {
		return c.fail(err)
	}
	defer s.close()

	var roots []*model.Entry
	if fs.NArg() == 1 {
		e, err := s.lookup(c.ctx, fs.Arg(0))
		if err != nil {
			return c.fail(err)
		}
		roots = []*model.Entry{e}
	} else {
		roots = s.conn.Cache.Children(s.conn.Cache.RootDSE())
	}

	// One job per level keeps the scheduler's admission order breadth first.
	level := roots
	for i := 0; i < *depth && len(level) > 0; i++ {
		if _, err := s.scheduler.Run(c.ctx, &jobs.InitChildren{Conn: s.conn, Entries: level}); err != nil {
			return c.fail(err)
		}
		var next []*model.Entry
		for _, e := range level {
			next = append(next, s.conn.Cache.Children(e)...)
		}
		level = next
	}

	for _, root := range roots {
		c.printTree(s, root, 0)
	}
	return 0
}

func (c *treeCommand) printTree(s *session, e *model.Entry, indent int) {
	line := strings.Repeat("  ", indent) + e.DN().RDN().String()
	if indent == 0 {
		line = e.DN().String()
	}
	switch {
	case e.ChildrenInitialized && e.HasMoreChildren:
		line += " (more)"
	case !e.ChildrenInitialized && e.HasChildrenHint:
		line += " +"
	}
	c.ui.Output(line)
	for _, child := range s.conn.Cache.Children(e) {
		c.printTree(s, child, indent+1)
	}
}

type searchCommand struct {
	*meta
}

func (c *searchCommand) Synopsis() string { return "Search the directory" }

func (c *searchCommand) Help() string {
	return `
Usage: ldapsync search [options] [attribute ...]

  Runs a search and prints the matching entries. Attributes default to all
  user attributes.

Options:

  -base=dn        Search base. Defaults to the first base entry.
  -scope=s        base, one or sub. Defaults to sub.
  -filter=f       Search filter. Defaults to (objectClass=*).
  -limit=n        Count limit. Defaults to the configured browser limit.
  -page-size=n    Request pages of n entries when the server supports it.
` + commonFlags
}

func (c *searchCommand) Run(args []string) int {
	fs := c.flagSet("search")
	base := fs.String("base", "", "search base")
	scopeName := fs.String("scope", "sub", "search scope")
	filter := fs.String("filter", "(objectClass=*)", "search filter")
	limit := fs.Int("limit", -1, "count limit")
	pageSize := fs.Int("page-size", -1, "page size")
	if err := fs.Parse(args); err != nil {
		return c.usage(err, c.Help())
	}
	scope, ok := ldapclient.ParseSearchScope(*scopeName)
	if !ok {
		return c.usage(fmt.Errorf("unknown scope %q", *scopeName), c.Help())
	}

	s, err := c.open(nil)
	if err != nil {
		return c.fail(err)
	}
	defer s.close()

	var baseDN model.DN
	if *base != "" {
		if baseDN, err = model.ParseDN(*base); err != nil {
			return c.fail(err)
		}
	} else if bases := s.conn.Cache.Children(s.conn.Cache.RootDSE()); len(bases) > 0 {
		baseDN = bases[0].DN()
	}

	opts := s.cfg.DirectoryOptions()
	spec := model.SearchSpec{
		Name:       "search",
		BaseDN:     baseDN,
		Filter:     *filter,
		Scope:      scope,
		Attributes: fs.Args(),
		CountLimit: opts.CountLimit,
		TimeLimit:  opts.TimeLimit,
		Deref:      opts.Deref,
		Referrals:  opts.Referrals,
		PageSize:   opts.PageSize,
	}
	if *limit >= 0 {
		spec.CountLimit = *limit
	}
	if *pageSize >= 0 {
		spec.PageSize = *pageSize
	}

	job := &jobs.Search{Conn: s.conn, Search: model.NewSearch(spec)}
	if _, err := s.scheduler.Run(c.ctx, job); err != nil {
		return c.fail(err)
	}

	matched := 0
	for _, r := range job.Results {
		if !r.Matched {
			c.ui.Output("# referral: " + r.Entry.DN().String())
			continue
		}
		matched++
		printEntry(c.ui, r.Entry)
	}
	summary := fmt.Sprintf("# %d entries", matched)
	if job.Search.CountLimitExceeded() {
		summary += " (count limit exceeded)"
	}
	c.ui.Output(summary)
	return 0
}
