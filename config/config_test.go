package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/profile"
)

const sampleConfig = `
log:
  level: debug
storage:
  driver: sqlite
  dsn: /var/lib/ironca/ledger.db
authorities:
  - id: root
    certificate: /etc/ironca/root.pem
    key:
      path: /etc/ironca/root.key
      password_env: ROOT_KEY_PASSWORD
      spec:
        algorithm: ECDSA
        curve: P-384
    serial_mode: sequential
    crl_validity: 72h
    crl_distribution_points:
      - http://crl.example.com/root.crl
    publish:
      schedule: "@every 6h"
      output: /var/lib/ironca/root.crl
      retention: 720h
  - id: issuing
    certificate: /etc/ironca/issuing.pem
    key:
      backend: kms
      path: /etc/ironca/issuing.ref
      kms:
        region: eu-west-1
    ocsp_validity: 12h
profiles:
  app-client:
    extends: base-client
    ext_key_usage: [clientAuth, emailProtection]
  base-client:
    extends: client
    default_validity: 720h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironca.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, config.DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.Server.Listen, "default applies")
	require.Len(t, cfg.Authorities, 2)

	root, err := cfg.Authority("root")
	require.NoError(t, err)
	assert.Equal(t, config.BackendFile, root.Key.Backend, "backend defaults to file")
	assert.Equal(t, pki.KeySpec{Algorithm: "ECDSA", Curve: "P-384"}, root.Key.Spec)
	assert.Equal(t, pki.SerialSequential, root.SerialMode)
	assert.Equal(t, 72*time.Hour, root.CRLValidity)
	assert.Equal(t, []string{"http://crl.example.com/root.crl"}, root.CRLDistributionPoints)
	assert.Equal(t, "@every 6h", root.Publish.Schedule)
	assert.Equal(t, "der", root.Publish.Format)
	assert.Equal(t, 720*time.Hour, root.Publish.Retention)

	issuing, err := cfg.Authority("issuing")
	require.NoError(t, err)
	assert.Equal(t, config.BackendKMS, issuing.Key.Backend)
	assert.Equal(t, "eu-west-1", issuing.Key.KMS.Region)
	assert.Equal(t, 12*time.Hour, issuing.OCSPValidity)

	_, err = cfg.Authority("missing")
	require.Error(t, err)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("IRONCA_STORAGE_DRIVER", "postgres")
	t.Setenv("IRONCA_STORAGE_DSN", "postgres://ironca@localhost/ironca")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://ironca@localhost/ironca", cfg.Storage.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown driver",
			yaml:    "storage:\n  driver: etcd\n",
			wantErr: "storage.driver",
		},
		{
			name:    "postgres without dsn",
			yaml:    "storage:\n  driver: postgres\n",
			wantErr: "storage.dsn",
		},
		{
			name: "duplicate authority",
			yaml: `authorities:
  - {id: a, certificate: a.pem, key: {path: a.key}}
  - {id: a, certificate: b.pem, key: {path: b.key}}
`,
			wantErr: "duplicate id",
		},
		{
			name:    "unknown backend",
			yaml:    "authorities:\n  - {id: a, certificate: a.pem, key: {path: a.key, backend: tpm}}\n",
			wantErr: "unknown key backend",
		},
		{
			name:    "bad serial mode",
			yaml:    "authorities:\n  - {id: a, certificate: a.pem, key: {path: a.key}, serial_mode: counter}\n",
			wantErr: "serial_mode",
		},
		{
			name:    "schedule without output",
			yaml:    "authorities:\n  - {id: a, certificate: a.pem, key: {path: a.key}, publish: {schedule: '@hourly'}}\n",
			wantErr: "publish.output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)

	p, err := reg.Resolve("app-client")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, p.DefaultValidity(), "inherited through base-client")
	assert.Len(t, p.ExtKeyUsage(), 2)
	assert.True(t, p.CNInSAN(), "inherited from the built-in client profile")

	_, err = reg.Resolve("webserver")
	require.NoError(t, err, "built-in profiles remain")

	require.Error(t, reg.Register("late", p.Definition()), "registry is sealed")
}

func TestRegistryRejectsBadProfiles(t *testing.T) {
	cfg := &config.Config{}
	cfg.Profiles = map[string]profile.Definition{
		"broken": {KeyUsage: []string{"notAKeyUsage"}},
	}
	_, err := cfg.Registry()
	require.ErrorIs(t, err, caerr.ErrInvalidProfileDefinition)

	cfg.Profiles = map[string]profile.Definition{
		"a": {Extends: "b"},
		"b": {Extends: "a"},
	}
	_, err = cfg.Registry()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
