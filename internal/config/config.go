// Package config loads the ldapsync configuration file.
package config

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ldapsync/internal/directory"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/model"
	"github.com/isometry/ldapsync/internal/mutation"
	"github.com/isometry/ldapsync/internal/scheduler"
)

// PasswordEnv overrides connection.password.
const PasswordEnv = "LDAPSYNC_PASSWORD"

// Config is the root of the configuration file.
type Config struct {
	Connection Connection `yaml:"connection"`
	Browser    Browser    `yaml:"browser"`
	Mutations  Mutations  `yaml:"mutations"`
	Scheduler  Scheduler  `yaml:"scheduler"`
}

// Connection configures how the directory is reached.
type Connection struct {
	Domain   string        `yaml:"domain"`
	URLs     []string      `yaml:"urls"`
	Timeout  time.Duration `yaml:"timeout" default:"30s"`
	BindDN   string        `yaml:"bind_dn"`
	Password string        `yaml:"password"`

	UseTLS        bool `yaml:"use_tls" default:"true"`
	SkipTLS       bool `yaml:"skip_tls"`
	SkipTLSVerify bool `yaml:"skip_tls_verify"`

	Kerberos Kerberos `yaml:"kerberos"`

	MaxConnections int           `yaml:"max_connections" default:"10"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" default:"5m"`
	HealthCheck    time.Duration `yaml:"health_check" default:"30s"`
	MaxRetries     int           `yaml:"max_retries" default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`
}

// Kerberos configures GSSAPI binds.
type Kerberos struct {
	Realm  string `yaml:"realm"`
	Keytab string `yaml:"keytab"`
	CCache string `yaml:"ccache"`
	Config string `yaml:"config"`
	SPN    string `yaml:"spn"`
}

// Browser configures how entries are read.
type Browser struct {
	BaseDN           string        `yaml:"base_dn"`
	FetchBaseDNs     bool          `yaml:"fetch_base_dns" default:"true"`
	Deref            string        `yaml:"deref" default:"always"`
	Referrals        string        `yaml:"referrals" default:"follow"`
	CountLimit       int           `yaml:"count_limit" default:"1000"`
	TimeLimit        time.Duration `yaml:"time_limit"`
	PageSize         int           `yaml:"page_size"`
	ChildrenFilter   string        `yaml:"children_filter"`
	CheckForChildren bool          `yaml:"check_for_children" default:"true"`
	FetchSubentries  bool          `yaml:"fetch_subentries"`
}

// Mutations configures the write protocols.
type Mutations struct {
	UseSubtreeDelete bool `yaml:"use_subtree_delete" default:"true"`
	DeleteBatchSize  int  `yaml:"delete_batch_size" default:"1000"`
	// SimulateRename carries out renames and moves of non-leaf entries as
	// copy and delete when the server refuses them.
	SimulateRename bool `yaml:"simulate_rename"`
	// Conflicts is the strategy for copy targets that already exist. Rename
	// is not accepted: it needs a new RDN for every conflict.
	Conflicts string `yaml:"conflicts" default:"break"`
}

// Scheduler configures the worker pool.
type Scheduler struct {
	Workers int `yaml:"workers" default:"4"`
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("invalid configuration defaults: %v", err))
	}
	return cfg
}

// Load reads path, applies defaults and environment overrides and validates
// the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	// defaults.Set fills zero values only, so it must run before the file
	// is decoded.
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if password, ok := os.LookupEnv(PasswordEnv); ok {
		cfg.Connection.Password = password
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks values the engine cannot work with.
func (c *Config) Validate() error {
	var errs []error

	if c.Connection.Domain == "" && len(c.Connection.URLs) == 0 {
		errs = append(errs, errors.New("connection.domain or connection.urls must be set"))
	}
	if _, ok := ldapclient.ParseDerefAliases(c.Browser.Deref); !ok {
		errs = append(errs, fmt.Errorf("browser.deref: unknown mode %q", c.Browser.Deref))
	}
	if _, ok := ldapclient.ParseReferralHandling(c.Browser.Referrals); !ok {
		errs = append(errs, fmt.Errorf("browser.referrals: unknown mode %q", c.Browser.Referrals))
	}
	if c.Browser.BaseDN != "" {
		if _, err := model.ParseDN(c.Browser.BaseDN); err != nil {
			errs = append(errs, fmt.Errorf("browser.base_dn: %w", err))
		}
	}
	if !c.Browser.FetchBaseDNs && c.Browser.BaseDN == "" {
		errs = append(errs, errors.New("browser.base_dn is required when fetch_base_dns is false"))
	}
	if c.Browser.CountLimit < 0 || c.Browser.PageSize < 0 {
		errs = append(errs, errors.New("browser.count_limit and browser.page_size cannot be negative"))
	}
	if _, ok := mutation.ParseStrategy(c.Mutations.Conflicts); !ok {
		errs = append(errs, fmt.Errorf("mutations.conflicts: %q is not one of break, ignore or overwrite", c.Mutations.Conflicts))
	}
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, errors.New("scheduler.workers must be positive"))
	}

	return errors.Join(errs...)
}

// ConnectionConfig converts the connection section for the directory client.
func (c *Config) ConnectionConfig() *ldapclient.ConnectionConfig {
	conn := c.Connection
	cfg := ldapclient.DefaultConfig()

	cfg.Domain = conn.Domain
	cfg.LDAPURLs = conn.URLs
	cfg.Timeout = conn.Timeout
	cfg.BindDN = conn.BindDN
	cfg.Password = conn.Password
	cfg.UseTLS = conn.UseTLS
	cfg.SkipTLS = conn.SkipTLS
	cfg.KerberosRealm = conn.Kerberos.Realm
	cfg.KerberosKeytab = conn.Kerberos.Keytab
	cfg.KerberosCCache = conn.Kerberos.CCache
	cfg.KerberosConfig = conn.Kerberos.Config
	cfg.KerberosSPN = conn.Kerberos.SPN
	cfg.MaxConnections = conn.MaxConnections
	cfg.MaxIdleTime = conn.MaxIdleTime
	cfg.HealthCheck = conn.HealthCheck
	cfg.MaxRetries = conn.MaxRetries
	cfg.InitialBackoff = conn.InitialBackoff
	cfg.MaxBackoff = conn.MaxBackoff
	cfg.BackoffFactor = conn.BackoffFactor

	if conn.SkipTLSVerify {
		cfg.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // explicitly requested
		}
	}
	return cfg
}

// DirectoryOptions converts the browser section. The configuration must be
// valid.
func (c *Config) DirectoryOptions() directory.Options {
	b := c.Browser
	opts := directory.DefaultOptions()

	opts.FetchBaseDNs = b.FetchBaseDNs
	if b.BaseDN != "" {
		opts.BaseDN = model.MustParseDN(b.BaseDN)
	}
	opts.Deref, _ = ldapclient.ParseDerefAliases(b.Deref)
	opts.Referrals, _ = ldapclient.ParseReferralHandling(b.Referrals)
	opts.CountLimit = b.CountLimit
	opts.TimeLimit = b.TimeLimit
	opts.PageSize = b.PageSize
	opts.ChildrenFilter = b.ChildrenFilter
	opts.CheckForChildren = b.CheckForChildren
	opts.FetchSubentries = b.FetchSubentries
	return opts
}

// MutationOptions converts the mutations section. simulate is consulted
// when SimulateRename is off; it may be nil.
func (c *Config) MutationOptions(simulate mutation.SimulateFunc) mutation.Options {
	m := c.Mutations
	opts := mutation.DefaultOptions()

	opts.UseSubtreeDelete = m.UseSubtreeDelete
	opts.DeleteBatchSize = m.DeleteBatchSize
	opts.Simulate = simulate
	if m.SimulateRename {
		opts.Simulate = func(_ context.Context, _ *model.Entry, cause error) bool {
			return ldapclient.IsNotEmptyError(cause)
		}
	}
	if strategy, ok := mutation.ParseStrategy(m.Conflicts); ok {
		opts.Conflicts = mutation.Always(strategy)
	}
	return opts
}

// Workers returns the scheduler pool size.
func (c *Config) Workers() int {
	if c.Scheduler.Workers <= 0 {
		return scheduler.DefaultWorkers
	}
	return c.Scheduler.Workers
}
