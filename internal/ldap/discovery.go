package ldap

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SRVDiscovery locates directory servers through DNS SRV records.
type SRVDiscovery struct {
	ctx      context.Context
	resolver *net.Resolver
}

// NewSRVDiscovery creates a new SRV discovery instance.
func NewSRVDiscovery(ctx context.Context) *SRVDiscovery {
	return &SRVDiscovery{
		ctx:      ctx,
		resolver: net.DefaultResolver,
	}
}

// DiscoverServers looks up _ldaps._tcp.<domain> first and _ldap._tcp.<domain>
// second. When neither resolves, the domain itself is tried on 636 and 389.
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string) ([]*ServerInfo, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	records := []struct {
		service string
		useTLS  bool
	}{
		{"_ldaps._tcp." + domain, true},
		{"_ldap._tcp." + domain, false},
	}

	var servers []*ServerInfo
	for _, record := range records {
		found, err := d.lookupSRV(ctx, record.service, record.useTLS)
		if err != nil {
			continue
		}
		servers = append(servers, found...)
		if record.useTLS && len(found) > 0 {
			break
		}
	}

	if len(servers) == 0 {
		tflog.SubsystemDebug(d.ctx, SubsystemLDAP, "No SRV records found, using fallback servers", map[string]any{
			"domain": domain,
		})
		return fallbackServers(domain), nil
	}

	sortServersByPriority(servers)

	tflog.SubsystemDebug(d.ctx, SubsystemLDAP, "Server discovery completed", map[string]any{
		"domain":       domain,
		"server_count": len(servers),
	})
	return servers, nil
}

func (d *SRVDiscovery) lookupSRV(ctx context.Context, service string, useTLS bool) ([]*ServerInfo, error) {
	_, records, err := d.resolver.LookupSRV(ctx, "", "", service)
	if err != nil {
		tflog.SubsystemDebug(d.ctx, SubsystemLDAP, "SRV lookup failed", map[string]any{
			"service": service,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	servers := make([]*ServerInfo, 0, len(records))
	for _, srv := range records {
		servers = append(servers, &ServerInfo{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			UseTLS:   useTLS,
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		})
	}
	return servers, nil
}

func fallbackServers(domain string) []*ServerInfo {
	return []*ServerInfo{
		{Host: domain, Port: 636, UseTLS: true, Priority: 0, Weight: 100, Source: "fallback"},
		{Host: domain, Port: 389, UseTLS: false, Priority: 1, Weight: 100, Source: "fallback"},
	}
}

// sortServersByPriority orders by ascending priority, then descending weight (RFC 2782).
func sortServersByPriority(servers []*ServerInfo) {
	slices.SortStableFunc(servers, func(a, b *ServerInfo) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
}

// ValidateServerInfo validates server information.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}

	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", server.Port)
	}

	if server.Priority < 0 || server.Weight < 0 {
		return fmt.Errorf("priority and weight cannot be negative")
	}

	return nil
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseLDAPURL parses an ldap:// or ldaps:// URL into ServerInfo. The port
// defaults to 389 or 636.
func ParseLDAPURL(rawURL string) (*ServerInfo, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL: %w", err)
	}

	server := &ServerInfo{
		Host:   parsed.Hostname(),
		Weight: 100,
		Source: "config",
	}

	switch parsed.Scheme {
	case "ldaps":
		server.UseTLS = true
		server.Port = 636
	case "ldap":
		server.Port = 389
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap:// or ldaps://", parsed.Scheme)
	}

	if portStr := parsed.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Port = port
	}

	return server, ValidateServerInfo(server)
}
