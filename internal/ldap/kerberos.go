package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// kerberosPrincipal splits "user@REALM" and falls back to the configured realm.
func kerberosPrincipal(cfg *ConnectionConfig) (user, realm string, err error) {
	user, realm = cfg.BindDN, cfg.KerberosRealm
	if name, at, ok := strings.Cut(cfg.BindDN, "@"); ok {
		user = name
		if realm == "" {
			realm = at
		}
	}

	if user == "" {
		return "", "", fmt.Errorf("principal is required for Kerberos authentication")
	}
	if realm == "" {
		return "", "", fmt.Errorf("kerberos realm is required (set kerberos_realm or bind as user@REALM)")
	}
	return user, strings.ToUpper(realm), nil
}

// performKerberosAuth performs a GSSAPI bind on an LDAP connection.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	gssapiClient, err := createGSSAPIClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	tflog.SubsystemDebug(ctx, SubsystemKerberos, "GSSAPI bind successful", map[string]any{
		"spn": spn,
	})
	return nil
}

// createGSSAPIClient picks credentials in order: explicit credential cache,
// default credential cache, explicit keytab, default keytab, password.
func createGSSAPIClient(ctx context.Context, cfg *ConnectionConfig) (ldap.GSSAPIClient, error) {
	user, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return nil, err
	}

	// The gssapi constructors parse krb5.conf eagerly, so a runtime file can
	// be removed as soon as the client exists.
	krb5conf, cleanup, err := resolveKrb5Conf(ctx, cfg, realm)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	noFAST := krb5client.DisablePAFXFAST(true)

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, noFAST)
	}

	if ccache := defaultCCachePath(); fileExists(ccache) {
		tflog.SubsystemDebug(ctx, SubsystemKerberos, "Using default credential cache", map[string]any{
			"ccache": ccache,
		})
		return gssapi.NewClientFromCCache(ccache, krb5conf, noFAST)
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(user, realm, cfg.KerberosKeytab, krb5conf, noFAST)
	}

	if keytab := defaultKeytabPath(); fileExists(keytab) {
		return gssapi.NewClientWithKeytab(user, realm, keytab, krb5conf, noFAST)
	}

	if cfg.Password != "" {
		return gssapi.NewClientWithPassword(user, realm, cfg.Password, krb5conf, noFAST)
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal returns cfg.KerberosSPN or ldap/<host>.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + serverInfo.Host, nil
}

func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func defaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
