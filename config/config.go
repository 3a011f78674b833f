// Package config loads the ironca configuration file. Values come from a
// YAML file and may be overridden by IRONCA_ prefixed environment variables,
// e.g. IRONCA_STORAGE_DRIVER=postgres.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/profile"
)

// EnvPrefix prefixes environment variable overrides.
const EnvPrefix = "IRONCA"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bbolt"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Key backends.
const (
	BackendFile   = "file"
	BackendPKCS11 = "pkcs11"
	BackendKMS    = "kms"
	BackendVault  = "vault"
)

// Config is the whole configuration file.
type Config struct {
	Log         LogConfig                     `mapstructure:"log"`
	Storage     StorageConfig                 `mapstructure:"storage"`
	Server      ServerConfig                  `mapstructure:"server"`
	Authorities []AuthorityConfig             `mapstructure:"authorities"`
	Profiles    map[string]profile.Definition `mapstructure:"profiles"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the bbolt file.
	Path string `mapstructure:"path"`
	// DSN is the postgres connection string or the sqlite file.
	DSN string `mapstructure:"dsn"`
	// WatermarkPath is a bbolt file holding counter high-water marks,
	// kept apart from the ledger so a restored backup is detected.
	WatermarkPath string `mapstructure:"watermark_path"`
}

// ServerConfig configures `ironca serve`.
type ServerConfig struct {
	Listen  string `mapstructure:"listen"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
	Metrics bool   `mapstructure:"metrics"`
}

// AuthorityConfig declares one CA. Certificate and Key.Path name files that
// `ironca init` creates and every other command reads.
type AuthorityConfig struct {
	ID          string `mapstructure:"id"`
	Certificate string `mapstructure:"certificate"`
	// Chain optionally names a PEM bundle of issuer certificates, used when
	// exporting.
	Chain string    `mapstructure:"chain"`
	Key   KeyConfig `mapstructure:"key"`

	pki.AuthorityConfig `mapstructure:",squash"`

	Publish PublishConfig `mapstructure:"publish"`
}

// KeyConfig selects where the authority key lives.
type KeyConfig struct {
	Backend string `mapstructure:"backend"`
	// Path holds the PEM key (file backend) or the backend's key reference.
	Path string `mapstructure:"path"`
	// PasswordEnv names the environment variable holding the PEM password.
	PasswordEnv string      `mapstructure:"password_env"`
	Spec        pki.KeySpec `mapstructure:"spec"`

	PKCS11 pki.PKCS11Config `mapstructure:"pkcs11"`
	KMS    KMSConfig        `mapstructure:"kms"`
	Vault  VaultConfig      `mapstructure:"vault"`
}

// KMSConfig configures the AWS KMS backend.
type KMSConfig struct {
	Region string `mapstructure:"region"`
}

// VaultConfig configures the Vault transit backend. The token defaults to
// VAULT_TOKEN.
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

// PublishConfig schedules CRL publication for `ironca crl publish`.
type PublishConfig struct {
	// Schedule is a cron spec with seconds, or a descriptor like "@every 6h".
	Schedule string `mapstructure:"schedule"`
	Output   string `mapstructure:"output"`
	// Format is "der" (default) or "pem".
	Format    string        `mapstructure:"format"`
	Retention time.Duration `mapstructure:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", DriverBolt)
	v.SetDefault("storage.path", "./data/ironca.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.watermark_path", "")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.metrics", true)
}

// Load reads the configuration at path. An empty path searches for
// ironca.yaml in the working directory and /etc/ironca, and falls back to
// defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ironca")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ironca")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors that can be detected
// without touching storage or key material.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for bbolt"))
		}
	case DriverPostgres, DriverSQLite:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, bbolt, postgres, sqlite", c.Storage.Driver))
	}

	seen := make(map[string]bool, len(c.Authorities))
	for i := range c.Authorities {
		a := &c.Authorities[i]
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("authorities[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("authorities[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if a.Certificate == "" {
			errs = append(errs, fmt.Errorf("authority %s: certificate is required", a.ID))
		}
		if a.Key.Backend == "" {
			a.Key.Backend = BackendFile
		}
		switch a.Key.Backend {
		case BackendFile, BackendPKCS11, BackendKMS, BackendVault:
		default:
			errs = append(errs, fmt.Errorf("authority %s: unknown key backend %q", a.ID, a.Key.Backend))
		}
		if a.Key.Path == "" {
			errs = append(errs, fmt.Errorf("authority %s: key.path is required", a.ID))
		}
		switch a.SerialMode {
		case "", pki.SerialRandom, pki.SerialSequential:
		default:
			errs = append(errs, fmt.Errorf("authority %s: unknown serial_mode %q", a.ID, a.SerialMode))
		}
		switch a.Publish.Format {
		case "":
			a.Publish.Format = "der"
		case "der", "pem":
		default:
			errs = append(errs, fmt.Errorf("authority %s: publish.format %q is not der or pem", a.ID, a.Publish.Format))
		}
		if a.Publish.Schedule != "" && a.Publish.Output == "" {
			errs = append(errs, fmt.Errorf("authority %s: publish.output is required with a schedule", a.ID))
		}
	}
	return errors.Join(errs...)
}

// Authority returns the authority declared under id.
func (c *Config) Authority(id string) (*AuthorityConfig, error) {
	for i := range c.Authorities {
		if c.Authorities[i].ID == id {
			return &c.Authorities[i], nil
		}
	}
	return nil, fmt.Errorf("authority %q is not configured", id)
}

// Registry returns the built-in profiles with the configured profiles
// added or replacing them, sealed. A profile may extend another configured
// profile regardless of the order they appear in.
func (c *Config) Registry() (*profile.Registry, error) {
	reg := profile.NewDefaultRegistry()

	pending := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		pending = append(pending, name)
	}
	sort.Strings(pending)

	done := make(map[string]bool, len(pending))
	for len(pending) > 0 {
		var deferred []string
		for _, name := range pending {
			def := c.Profiles[name]
			if _, configured := c.Profiles[def.Extends]; configured && def.Extends != name && !done[def.Extends] {
				deferred = append(deferred, name)
				continue
			}
			if err := reg.Replace(name, def); err != nil {
				return nil, fmt.Errorf("profile %s: %w", name, err)
			}
			done[name] = true
		}
		if len(deferred) == len(pending) {
			return nil, fmt.Errorf("profiles %s extend each other in a cycle", strings.Join(deferred, ", "))
		}
		pending = deferred
	}
	reg.Seal()
	return reg, nil
}
