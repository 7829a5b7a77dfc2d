package ldap

import (
	"context"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// client implements the Client interface on top of a connection pool.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
	id     string

	// Servers bind paging cookies to the connection that issued them, so
	// paged searches share one pinned connection.
	pagingMu sync.Mutex
	paging   *PooledConnection
}

// NewClient creates a new pooled directory client. ctx carries the logging
// subsystems and is retained by the pool for background health checks.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Creating directory client", SanitizeFields(map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	}))

	start := time.Now()
	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemLDAP, "Failed to create connection pool", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return newClientWithPool(pool, config), nil
}

func newClientWithPool(pool ConnectionPool, config *ConnectionConfig) *client {
	return &client{
		pool:   pool,
		config: config,
		id:     connectionID(config),
	}
}

// connectionID derives the lock scope of a connection from its configuration.
func connectionID(config *ConnectionConfig) string {
	if len(config.LDAPURLs) > 0 {
		if server, err := ParseLDAPURL(config.LDAPURLs[0]); err == nil {
			return net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
		}
		return config.LDAPURLs[0]
	}
	return config.Domain
}

// ID identifies the connection.
func (c *client) ID() string {
	return c.id
}

// Connect verifies that a connection can be established and used.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(ctx, SubsystemLDAP, "connection_test", map[string]any{
		"connection": c.id,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		return c.ping(conn)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	c.pagingMu.Lock()
	if c.paging != nil {
		c.paging.Close()
		c.paging = nil
	}
	c.pagingMu.Unlock()

	return c.pool.Close()
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.ping(conn)
}

// ping reads the Root DSE object class, which every server exposes anonymously.
func (c *client) ping(conn *PooledConnection) error {
	searchReq := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"objectClass"},
		nil,
	)

	_, err := conn.Conn().Search(searchReq)
	return err
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// Search performs a single LDAP search round trip. Partial results are
// returned together with the error when the server stops early.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	fields := map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"size_limit": req.SizeLimit,
		"deref":      req.DerefAliases.String(),
		"referrals":  req.Referrals.String(),
	}
	start := time.Now()

	conn, release, err := c.searchConn(ctx, req)
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "search", err, fields)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer release()

	filter := req.Filter
	if filter == "" {
		filter = "(objectClass=*)"
	}

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		filter,
		req.Attributes,
		requestControls(req.Referrals, req.Controls),
	)

	var raw *ldap.SearchResult
	err = c.withRetry(ctx, func() error {
		var searchErr error
		raw, searchErr = conn.Conn().Search(ldapReq)
		return searchErr
	})

	result := &SearchResult{}
	if raw != nil {
		result.Entries = raw.Entries
		result.Controls = raw.Controls
		if req.Referrals == ReferralsFollow {
			result.Referrals = raw.Referrals
		}
	}

	fields["duration_ms"] = time.Since(start).Milliseconds()
	fields["entries_found"] = len(result.Entries)

	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "search", err, fields)
		return result, WrapError("search", req.BaseDN, err)
	}

	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Search completed", fields)
	return result, nil
}

// searchConn returns the connection for a search and the function that
// releases it. Paged searches hold the pinned paging connection.
func (c *client) searchConn(ctx context.Context, req *SearchRequest) (*PooledConnection, func(), error) {
	if !HasControl(req.Controls, ldap.ControlTypePaging) {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Close, nil
	}

	c.pagingMu.Lock()
	if c.paging == nil || c.paging.Conn() == nil || c.paging.Conn().IsClosing() {
		if c.paging != nil {
			c.paging.Close()
		}
		conn, err := c.pool.Get(ctx)
		if err != nil {
			c.paging = nil
			c.pagingMu.Unlock()
			return nil, nil, err
		}
		c.paging = conn
	}
	return c.paging, c.pagingMu.Unlock, nil
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}

	ldapReq := ldap.NewAddRequest(req.DN, requestControls(req.Referrals, req.Controls))
	for _, name := range slices.Sorted(maps.Keys(req.Attributes)) {
		ldapReq.Attribute(name, req.Attributes[name])
	}

	return c.execute(ctx, "add", req.DN, func(conn *ldap.Conn) error {
		return conn.Add(ldapReq)
	})
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}

	ldapReq := ldap.NewModifyRequest(req.DN, requestControls(req.Referrals, req.Controls))
	for _, name := range slices.Sorted(maps.Keys(req.AddAttributes)) {
		ldapReq.Add(name, req.AddAttributes[name])
	}
	for _, name := range slices.Sorted(maps.Keys(req.ReplaceAttributes)) {
		ldapReq.Replace(name, req.ReplaceAttributes[name])
	}
	for _, name := range req.DeleteAttributes {
		ldapReq.Delete(name, []string{})
	}

	return c.execute(ctx, "modify", req.DN, func(conn *ldap.Conn) error {
		return conn.Modify(ldapReq)
	})
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, req *DeleteRequest) error {
	if req == nil || req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	ldapReq := ldap.NewDelRequest(req.DN, requestControls(req.Referrals, req.Controls))

	return c.execute(ctx, "delete", req.DN, func(conn *ldap.Conn) error {
		return conn.Del(ldapReq)
	})
}

// ModifyDN renames or moves an LDAP entry.
func (c *client) ModifyDN(ctx context.Context, req *ModifyDNRequest) error {
	if req == nil || req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if req.NewRDN == "" {
		return fmt.Errorf("new RDN cannot be empty")
	}

	ldapReq := ldap.NewModifyDNRequest(req.DN, req.NewRDN, req.DeleteOldRDN, req.NewSuperior)
	ldapReq.Controls = requestControls(req.Referrals, req.Controls)

	return c.execute(ctx, "modify_dn", req.DN, func(conn *ldap.Conn) error {
		return conn.ModifyDN(ldapReq)
	})
}

// execute runs a single-shot update on a pooled connection with retry and logging.
func (c *client) execute(ctx context.Context, operation, dn string, fn func(*ldap.Conn) error) error {
	fields := map[string]any{"dn": dn}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(ctx, SubsystemLDAP, operation, err, fields)
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return LogOperation(ctx, SubsystemLDAP, operation, fields, func() error {
		return WrapError(operation, dn, c.withRetry(ctx, func() error {
			return fn(conn.Conn())
		}))
	})
}

// withRetry executes an operation with exponential backoff on transient errors.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	tflog.SubsystemError(ctx, SubsystemLDAP, "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}
