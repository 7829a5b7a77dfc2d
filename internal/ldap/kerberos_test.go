package ldap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKerberosPrincipal(t *testing.T) {
	tests := []struct {
		name      string
		config    *ConnectionConfig
		wantUser  string
		wantRealm string
		wantErr   bool
	}{
		{
			name:      "explicit realm",
			config:    &ConnectionConfig{BindDN: "svc-sync", KerberosRealm: "example.com"},
			wantUser:  "svc-sync",
			wantRealm: "EXAMPLE.COM",
		},
		{
			name:      "realm from principal",
			config:    &ConnectionConfig{BindDN: "svc-sync@corp.example.com"},
			wantUser:  "svc-sync",
			wantRealm: "CORP.EXAMPLE.COM",
		},
		{
			name:    "missing principal",
			config:  &ConnectionConfig{KerberosRealm: "EXAMPLE.COM"},
			wantErr: true,
		},
		{
			name:    "missing realm",
			config:  &ConnectionConfig{BindDN: "svc-sync"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, realm, err := kerberosPrincipal(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantRealm, realm)
		})
	}
}

func TestBuildServicePrincipal(t *testing.T) {
	spn, err := buildServicePrincipal(&ConnectionConfig{}, &ServerInfo{Host: "dc1.example.com", Port: 636})
	require.NoError(t, err)
	assert.Equal(t, "ldap/dc1.example.com", spn)

	spn, err = buildServicePrincipal(&ConnectionConfig{KerberosSPN: "ldap/alias.example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ldap/alias.example.com", spn)

	_, err = buildServicePrincipal(&ConnectionConfig{}, &ServerInfo{})
	assert.Error(t, err)

	_, err = buildServicePrincipal(nil, &ServerInfo{Host: "x"})
	assert.Error(t, err)
}

func TestDefaultCredentialPaths(t *testing.T) {
	t.Setenv("KRB5CCNAME", "FILE:/tmp/custom_cc")
	assert.Equal(t, "/tmp/custom_cc", defaultCCachePath())

	t.Setenv("KRB5_KTNAME", "/etc/custom.keytab")
	assert.Equal(t, "/etc/custom.keytab", defaultKeytabPath())

	t.Setenv("KRB5_KTNAME", "")
	assert.Equal(t, "/etc/krb5.keytab", defaultKeytabPath())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "krb5.conf")
	require.NoError(t, os.WriteFile(file, []byte("[libdefaults]\n"), 0o600))

	assert.True(t, fileExists(file))
	assert.False(t, fileExists(dir))
	assert.False(t, fileExists(filepath.Join(dir, "missing")))
	assert.False(t, fileExists(""))
}

func TestRuntimeKrb5Conf(t *testing.T) {
	conf := runtimeKrb5Conf("corp.example.com", "")
	assert.Contains(t, conf, "default_realm = CORP.EXAMPLE.COM")
	assert.Contains(t, conf, "dns_lookup_kdc = true")
	assert.Contains(t, conf, ".corp.example.com = CORP.EXAMPLE.COM")

	conf = runtimeKrb5Conf("CORP.EXAMPLE.COM", "Example.COM")
	assert.Contains(t, conf, ".example.com = CORP.EXAMPLE.COM")
}

func TestResolveKrb5Conf(t *testing.T) {
	t.Run("explicit path must exist", func(t *testing.T) {
		cfg := &ConnectionConfig{KerberosConfig: "/nonexistent/krb5.conf"}
		_, _, err := resolveKrb5Conf(t.Context(), cfg, "EXAMPLE.COM")
		assert.EqualError(t, err, "kerberos configuration file not found at /nonexistent/krb5.conf")
	})

	t.Run("explicit path is used as is", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "krb5.conf")
		require.NoError(t, os.WriteFile(file, []byte("[libdefaults]\n"), 0o600))

		path, cleanup, err := resolveKrb5Conf(t.Context(), &ConnectionConfig{KerberosConfig: file}, "EXAMPLE.COM")
		require.NoError(t, err)
		cleanup()
		assert.Equal(t, file, path)
		assert.True(t, fileExists(file))
	})

	t.Run("runtime file is removed by cleanup", func(t *testing.T) {
		if fileExists(defaultKrb5Conf) {
			t.Skip("system krb5.conf present")
		}
		t.Setenv("TMPDIR", t.TempDir())

		path, cleanup, err := resolveKrb5Conf(t.Context(), &ConnectionConfig{Domain: "example.com"}, "EXAMPLE.COM")
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "default_realm = EXAMPLE.COM")

		cleanup()
		assert.False(t, fileExists(path))
	})
}
