package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// runtimeKrb5Conf renders a minimal krb5.conf that locates KDCs through DNS
// SRV records. It is used when no configuration file is available.
func runtimeKrb5Conf(realm, domain string) string {
	realm = strings.ToUpper(realm)
	if domain == "" {
		domain = realm
	}
	domain = strings.ToLower(domain)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true

[realms]
    %[1]s = {
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain)
}

// resolveKrb5Conf returns the krb5.conf path to use. An explicitly configured
// path must exist. Otherwise the system default is used, and failing that a
// runtime configuration is written to a temporary file which the caller removes.
func resolveKrb5Conf(ctx context.Context, cfg *ConnectionConfig, realm string) (path string, cleanup func(), err error) {
	cleanup = func() {}

	if cfg.KerberosConfig != "" {
		if !fileExists(cfg.KerberosConfig) {
			return "", cleanup, fmt.Errorf("kerberos configuration file not found at %s", cfg.KerberosConfig)
		}
		return cfg.KerberosConfig, cleanup, nil
	}

	if fileExists(defaultKrb5Conf) {
		return defaultKrb5Conf, cleanup, nil
	}

	f, err := os.CreateTemp("", "ldapsync-krb5-*.conf")
	if err != nil {
		return "", cleanup, fmt.Errorf("failed to create runtime krb5.conf: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(runtimeKrb5Conf(realm, cfg.Domain)); err != nil {
		_ = os.Remove(f.Name())
		return "", cleanup, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}

	tflog.SubsystemDebug(ctx, SubsystemKerberos, "Generated runtime krb5.conf", map[string]any{
		"realm": realm,
		"path":  f.Name(),
	})

	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}
