package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/config"
	"github.com/isometry/ldapsync/internal/events"
	"github.com/isometry/ldapsync/internal/jobs"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
	"github.com/isometry/ldapsync/internal/mutation"
	"github.com/isometry/ldapsync/internal/scheduler"
)

// ConfigEnv names the configuration file used when -config is absent.
const ConfigEnv = "LDAPSYNC_CONFIG"

// meta holds state shared by every command.
type meta struct {
	ctx context.Context
	ui  cli.Ui

	configPath string
	verbose    bool
}

// session is an open connection with its scheduler.
type session struct {
	cfg       *config.Config
	client    ldapclient.Client
	conn      *jobs.Connection
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	unsub     func()
}

func (m *meta) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&m.configPath, "config", "", "path to the configuration file")
	fs.BoolVar(&m.verbose, "v", false, "print change events")
	return fs
}

// open loads the configuration, connects and bootstraps the Root DSE.
// simulate is consulted for renames the server refuses; it may be nil.
func (m *meta) open(simulate mutation.SimulateFunc) (*session, error) {
	path := m.configPath
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	client, err := ldapclient.NewClient(m.ctx, cfg.ConnectionConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if err := client.Connect(m.ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	bus := events.NewBus()
	s := &session{
		cfg:       cfg,
		client:    client,
		conn:      jobs.NewConnection(client.ID(), client, cfg.DirectoryOptions(), cfg.MutationOptions(simulate)),
		scheduler: scheduler.New(cfg.Workers(), bus),
		bus:       bus,
		unsub:     func() {},
	}
	if m.verbose {
		s.unsub = bus.Subscribe(m.printEvent)
	}

	tflog.Debug(m.ctx, "Connected to directory", map[string]any{"connection_id": client.ID()})

	if _, err := s.scheduler.Run(m.ctx, &jobs.LoadRootDSE{Conn: s.conn}); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	s.scheduler.Wait()
	s.unsub()
	_ = s.client.Close()
}

// lookup reads dn with its attributes, returning the cached entry.
func (s *session) lookup(ctx context.Context, dn string) (*model.Entry, error) {
	parsed, err := model.ParseDN(dn)
	if err != nil {
		return nil, err
	}
	if e, ok := s.conn.Cache.Get(parsed); ok && e.AttributesInitialized {
		return e, nil
	}

	job := &jobs.Search{Conn: s.conn, Search: model.NewSearch(model.SearchSpec{
		Name:   "lookup",
		BaseDN: parsed,
		Scope:  ldapclient.ScopeBaseObject,
		Filter: "(objectClass=*)",
	})}
	if _, err := s.scheduler.Run(ctx, job); err != nil {
		return nil, err
	}
	for _, r := range job.Results {
		if r.Matched {
			return r.Entry, nil
		}
	}
	return nil, fmt.Errorf("%s: no such entry", dn)
}

func (s *session) lookupAll(ctx context.Context, dns []string) ([]*model.Entry, error) {
	entries := make([]*model.Entry, 0, len(dns))
	for _, dn := range dns {
		e, err := s.lookup(ctx, dn)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *meta) printEvent(e events.Event) {
	switch e.Kind {
	case events.EntryRenamed, events.EntryMoved:
		m.ui.Info(fmt.Sprintf("%s: %s -> %s", e.Kind, e.OldDN, e.DN))
	case events.SearchUpdated:
		m.ui.Info(fmt.Sprintf("%s: %s", e.Kind, e.Search.Spec.Name))
	default:
		m.ui.Info(fmt.Sprintf("%s: %s", e.Kind, e.DN))
	}
}

// fail prints err and returns the exit status for it.
func (m *meta) fail(err error) int {
	m.ui.Error(err.Error())
	return 1
}

// usage prints a flag parsing error followed by the command help.
func (m *meta) usage(err error, help string) int {
	if err != flag.ErrHelp {
		m.ui.Error(err.Error())
	}
	m.ui.Output(strings.TrimSpace(help))
	return cli.RunResultHelp
}

func printEntry(ui cli.Ui, e *model.Entry) {
	ui.Output("dn: " + e.DN().String())
	for _, a := range e.Attributes() {
		for _, v := range a.DisplayValues() {
			ui.Output(a.Description() + ": " + v)
		}
	}
	ui.Output("")
}

const commonFlags = `
  -config=path    Configuration file. Defaults to $LDAPSYNC_CONFIG.
  -v              Print change events as they are published.
`
