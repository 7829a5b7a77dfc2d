package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// MaxConnectionPoolLimit caps the pool size to stay well below typical
// server-side connection limits.
const MaxConnectionPoolLimit = 100

// maxAuthAge is how long a bind is trusted before the pool binds again.
const maxAuthAge = 5 * time.Minute

// connectionPool implements ConnectionPool.
type connectionPool struct {
	ctx         context.Context
	config      *ConnectionConfig
	servers     []*ServerInfo
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool
	discovery   *SRVDiscovery

	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time

	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup

	dial func(server *ServerInfo) (*ldap.Conn, error)
}

// NewConnectionPool creates a new connection pool and resolves its servers.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool := &connectionPool{
		ctx:         ctx,
		config:      config,
		connections: make(chan *PooledConnection, config.MaxConnections),
		discovery:   NewSRVDiscovery(ctx),
		startTime:   time.Now(),
		healthStop:  make(chan struct{}),
	}
	pool.dial = pool.dialServer

	if err := pool.discoverServers(); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"server_count":    len(pool.servers),
		"max_connections": config.MaxConnections,
	})
	return pool, nil
}

// discoverServers resolves configured URLs, or SRV records for the domain.
func (p *connectionPool) discoverServers() error {
	var servers []*ServerInfo

	switch {
	case len(p.config.LDAPURLs) > 0:
		for _, url := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}
	case p.config.Domain != "":
		ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return err
		}
		servers = discovered
	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()
	return nil
}

// Get retrieves a connection from the pool, dialing a new one when none is idle.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New("connection pool is closed")
	}

	select {
	case conn := <-p.connections:
		if p.isConnectionHealthy(conn) {
			if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
				if err := p.authenticateConnection(conn); err != nil {
					p.closeConnection(conn)
					return p.createConnection(ctx)
				}
			}
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}
		p.closeConnection(conn)
	default:
	}

	return p.createConnection(ctx)
}

// createConnection tries every server in order, backing off between rounds.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	p.mu.RLock()
	servers := p.servers
	p.mu.RUnlock()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range servers {
			conn, err := p.createSingleConnection(server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				LogPoolEvent(p.ctx, "connection_failed", map[string]any{
					"server": ServerInfoToURL(server),
					"error":  err.Error(),
				})
				continue
			}

			atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	LogPoolEvent(p.ctx, "all_servers_failed", map[string]any{"error": fmt.Sprint(lastErr)})
	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

// dialServer opens LDAPS directly or upgrades a plain connection with StartTLS.
func (p *connectionPool) dialServer(server *ServerInfo) (*ldap.Conn, error) {
	url := ServerInfoToURL(server)

	if server.UseTLS {
		return ldap.DialURL(url, ldap.DialWithTLSConfig(p.config.TLSConfig))
	}

	conn, err := ldap.DialURL(url)
	if err != nil {
		return nil, err
	}
	if p.config.UseTLS && !p.config.SkipTLS {
		if err := conn.StartTLS(p.config.TLSConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS failed: %w", err)
		}
	}
	return conn, nil
}

func (p *connectionPool) createSingleConnection(server *ServerInfo) (*PooledConnection, error) {
	conn, err := p.dial(server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ServerInfoToURL(server), err)
	}

	conn.SetTimeout(p.config.Timeout)

	pooledConn := &PooledConnection{
		conn:         conn,
		lastUsed:     time.Now(),
		healthy:      true,
		serverInfo:   server,
		returnToPool: p.returnConnection,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticateConnection(pooledConn); err != nil {
			conn.Close()
			LogConnectionEvent(p.ctx, "authentication_failed", map[string]any{
				"server":      ServerInfoToURL(server),
				"auth_method": p.config.GetAuthMethod().String(),
				"error":       err.Error(),
			})
			return nil, fmt.Errorf("failed to authenticate connection to %s: %w", ServerInfoToURL(server), err)
		}
	}

	LogConnectionEvent(p.ctx, "connection_established", map[string]any{
		"server": ServerInfoToURL(server),
	})
	return pooledConn, nil
}

// authenticateConnection binds a pooled connection using the configured method.
func (p *connectionPool) authenticateConnection(pooledConn *PooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	var err error
	switch method := p.config.GetAuthMethod(); method {
	case AuthMethodSimpleBind:
		err = pooledConn.conn.Bind(p.config.BindDN, p.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(p.ctx, pooledConn.conn, p.config, pooledConn.serverInfo)
	case AuthMethodExternal:
		err = pooledConn.conn.ExternalBind()
	case AuthMethodAnonymous:
		return nil
	default:
		return fmt.Errorf("unsupported authentication method: %s", method.String())
	}

	if err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		return err
	}

	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()
	return nil
}

func (p *connectionPool) needsReAuthentication(conn *PooledConnection) bool {
	if conn == nil || !conn.authenticated {
		return true
	}
	return time.Since(conn.authTime) > maxAuthAge
}

// returnConnection puts a connection back unless the pool is closed or full.
func (p *connectionPool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.isConnectionHealthy(conn) {
		p.closeConnection(conn)
		return
	}

	select {
	case p.connections <- conn:
	default:
		p.closeConnection(conn)
	}
}

func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy || conn.conn.IsClosing() {
		return false
	}

	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}

	return !p.config.HasAuthentication() || conn.authenticated
}

func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
	}
}

// Close closes all connections and shuts down the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// The health checker returns connections under the read lock.
	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.connections)
	for conn := range p.connections {
		p.closeConnection(conn)
	}

	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	return PoolStats{
		Idle:    len(p.connections),
		Active:  atomic.LoadInt64(&p.activeConns),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	})
}

// performHealthCheck probes up to three idle connections.
func (p *connectionPool) performHealthCheck() {
	var toCheck []*PooledConnection

collect:
	for range 3 {
		select {
		case conn := <-p.connections:
			toCheck = append(toCheck, conn)
		default:
			break collect
		}
	}

	for _, conn := range toCheck {
		if p.testConnection(conn) {
			// returnConnection decrements the active counter.
			atomic.AddInt64(&p.activeConns, 1)
			p.returnConnection(conn)
			continue
		}
		LogPoolEvent(p.ctx, "health_check_failed", map[string]any{
			"server": ServerInfoToURL(conn.serverInfo),
		})
		p.closeConnection(conn)
	}
}

// testConnection rebinds if needed and reads the Root DSE's objectClass.
func (p *connectionPool) testConnection(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}
	if p.config.HasAuthentication() && p.needsReAuthentication(conn) && p.authenticateConnection(conn) != nil {
		return false
	}

	probe := ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 0, false, "(objectClass=*)", []string{"objectClass"}, nil)
	if _, err := conn.conn.Search(probe); err != nil {
		conn.authenticated = false
		return false
	}

	conn.lastUsed = time.Now()
	return true
}

// validateConfig reports every unusable pool setting at once.
func validateConfig(config *ConnectionConfig) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(config.MaxConnections > 0 && config.MaxConnections <= MaxConnectionPoolLimit,
		"max connections must be between 1 and %d, got %d", MaxConnectionPoolLimit, config.MaxConnections)
	check(config.MaxIdleTime > 0, "max idle time must be positive")
	check(config.Timeout > 0, "timeout must be positive")
	check(config.MaxRetries >= 0, "max retries cannot be negative")
	check(config.BackoffFactor > 1.0, "backoff factor must be greater than 1.0, got %g", config.BackoffFactor)

	return errors.Join(errs...)
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}
