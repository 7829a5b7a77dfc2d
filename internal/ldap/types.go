package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for a directory connection.
type ConnectionConfig struct {
	// Connection settings
	Domain   string        // Domain for SRV discovery
	LDAPURLs []string      // Direct LDAP URLs (overrides domain)
	Timeout  time.Duration // Connection timeout

	// Authentication settings
	BindDN         string // DN or principal used to bind
	Password       string // Password for simple bind authentication
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosCCache string // Path to Kerberos credential cache
	KerberosConfig string // Path to Kerberos config file (krb5.conf)
	KerberosSPN    string // Explicit service principal, overrides ldap/<host>

	// TLS settings
	TLSConfig *tls.Config // Custom TLS configuration
	UseTLS    bool        // Upgrade plain connections with StartTLS
	SkipTLS   bool        // Skip TLS entirely (not recommended)

	// Pool settings
	MaxConnections int           // Maximum connections in pool
	MaxIdleTime    time.Duration // Maximum idle time before connection cleanup
	HealthCheck    time.Duration // Health check interval

	// Retry settings
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		UseTLS:         true,
		MaxConnections: 10,
		MaxIdleTime:    5 * time.Minute,
		HealthCheck:    30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// PooledConnection represents a connection in the pool.
type PooledConnection struct {
	conn          *ldap.Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	serverInfo    *ServerInfo
	returnToPool  func(*PooledConnection)
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// ConnectionPool manages a pool of LDAP connections.
type ConnectionPool interface {
	Get(ctx context.Context) (*PooledConnection, error)
	Close() error
	Stats() PoolStats
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle    int           // Idle connections
	Active  int64         // Active (in-use) connections
	Created int64         // Total connections created
	Errors  int64         // Total connection errors
	Uptime  time.Duration // Pool uptime
}

// Directory is the transport the synchronization engine runs against.
// Every request carries its own referral policy and controls.
//
// Search returns whatever entries were received together with the error
// when the server stops early (size, time or administrative limit).
type Directory interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	Add(ctx context.Context, req *AddRequest) error
	Modify(ctx context.Context, req *ModifyRequest) error
	Delete(ctx context.Context, req *DeleteRequest) error
	ModifyDN(ctx context.Context, req *ModifyDNRequest) error
}

// Client is a pooled Directory bound to one server (or discovered set of servers).
type Client interface {
	Directory

	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	Stats() PoolStats

	// ID identifies the connection for lock scoping, e.g. "ldap.example.com:636".
	ID() string
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN       string
	Scope        SearchScope
	Filter       string
	Attributes   []string
	SizeLimit    int
	TimeLimit    time.Duration
	DerefAliases DerefAliases
	Referrals    ReferralHandling
	Controls     []ldap.Control
}

// SearchResult contains the entries, continuation references and response
// controls of a single search round trip.
type SearchResult struct {
	Entries   []*ldap.Entry
	Referrals []string
	Controls  []ldap.Control
}

// AddRequest encapsulates LDAP add parameters.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
	Referrals  ReferralHandling
	Controls   []ldap.Control
}

// ModifyRequest encapsulates LDAP modify parameters.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	DeleteAttributes  []string
	Referrals         ReferralHandling
	Controls          []ldap.Control
}

// DeleteRequest encapsulates LDAP delete parameters.
type DeleteRequest struct {
	DN        string
	Referrals ReferralHandling
	Controls  []ldap.Control
}

// ModifyDNRequest encapsulates LDAP modify DN (rename / move) parameters.
type ModifyDNRequest struct {
	DN           string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
	Referrals    ReferralHandling
	Controls     []ldap.Control
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// ParseSearchScope parses "base", "one" or "sub" (and their long forms).
func ParseSearchScope(s string) (SearchScope, bool) {
	switch s {
	case "base", "object", "baseObject":
		return ScopeBaseObject, true
	case "one", "onelevel", "singleLevel":
		return ScopeSingleLevel, true
	case "sub", "subtree", "wholeSubtree":
		return ScopeWholeSubtree, true
	default:
		return ScopeBaseObject, false
	}
}

// DerefAliases defines alias dereferencing behavior.
type DerefAliases int

const (
	NeverDerefAliases DerefAliases = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

func (d DerefAliases) String() string {
	switch d {
	case NeverDerefAliases:
		return "never"
	case DerefInSearching:
		return "searching"
	case DerefFindingBaseObj:
		return "finding"
	case DerefAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ParseDerefAliases parses the String form of a DerefAliases value.
func ParseDerefAliases(s string) (DerefAliases, bool) {
	for _, d := range []DerefAliases{NeverDerefAliases, DerefInSearching, DerefFindingBaseObj, DerefAlways} {
		if d.String() == s {
			return d, true
		}
	}
	return NeverDerefAliases, false
}

// ReferralHandling defines how referral entries and continuation references are treated.
type ReferralHandling int

const (
	// ReferralsIgnore drops continuation references from search results.
	ReferralsIgnore ReferralHandling = iota
	// ReferralsFollow hands continuation references back to the caller.
	ReferralsFollow
	// ReferralsManage sends ManageDsaIT so referral objects are treated as
	// ordinary entries.
	ReferralsManage
)

func (r ReferralHandling) String() string {
	switch r {
	case ReferralsIgnore:
		return "ignore"
	case ReferralsFollow:
		return "follow"
	case ReferralsManage:
		return "manage"
	default:
		return "unknown"
	}
}

// ParseReferralHandling parses the String form of a ReferralHandling value.
func ParseReferralHandling(s string) (ReferralHandling, bool) {
	for _, r := range []ReferralHandling{ReferralsIgnore, ReferralsFollow, ReferralsManage} {
		if r.String() == s {
			return r, true
		}
	}
	return ReferralsIgnore, false
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodAnonymous AuthMethod = iota
	AuthMethodSimpleBind
	AuthMethodKerberos
	AuthMethodExternal
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.KerberosRealm != "" && c.BindDN != "" {
		return AuthMethodKerberos
	}

	if c.BindDN != "" {
		return AuthMethodSimpleBind
	}

	if c.TLSConfig != nil && len(c.TLSConfig.Certificates) > 0 {
		return AuthMethodExternal
	}

	return AuthMethodAnonymous
}

// HasAuthentication reports whether connections must bind before use.
func (c *ConnectionConfig) HasAuthentication() bool {
	return c.GetAuthMethod() != AuthMethodAnonymous
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents transport-level failures.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
