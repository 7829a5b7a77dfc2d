// Command ldapsync browses and restructures an LDAP directory through the
// sync engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"

	ldapclient "github.com/isometry/ldapsync/internal/ldap"
)

var version = "dev"

// LogLevelEnv sets the level of the root logger.
const LogLevelEnv = "LDAPSYNC_LOG"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = newLogger(ctx)

	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("ldapsync", version)
	c.Args = args
	c.Commands = commands(ctx, ui)

	status, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return status
}

// newLogger installs the root logger and the engine's subsystems.
func newLogger(ctx context.Context) context.Context {
	level := hclog.LevelFromString(os.Getenv(LogLevelEnv))
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ldapsync"),
		tfsdklog.WithLevel(level),
		tfsdklog.WithOutput(os.Stderr),
	)
	return ldapclient.InitializeLogging(ctx)
}

func commands(ctx context.Context, ui cli.Ui) map[string]cli.CommandFactory {
	m := &meta{ctx: ctx, ui: ui}
	return map[string]cli.CommandFactory{
		"rootdse": func() (cli.Command, error) { return &rootDSECommand{meta: m}, nil },
		"tree":    func() (cli.Command, error) { return &treeCommand{meta: m}, nil },
		"search":  func() (cli.Command, error) { return &searchCommand{meta: m}, nil },
		"delete":  func() (cli.Command, error) { return &deleteCommand{meta: m}, nil },
		"rename":  func() (cli.Command, error) { return &renameCommand{meta: m}, nil },
		"move":    func() (cli.Command, error) { return &moveCommand{meta: m}, nil },
		"copy":    func() (cli.Command, error) { return &copyCommand{meta: m}, nil },
	}
}
