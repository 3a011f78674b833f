package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/storage/postgres"
	"github.com/jmcleod/ironca/storage/sqlite"
)

// app is the state every command shares: configuration, logger, storage,
// key stores and an engine with the configured authorities registered.
type app struct {
	cfg      *config.Config
	log      logr.Logger
	zap      *zap.Logger
	registry *prometheus.Registry
	store    *pki.Store
	engine   *pki.Engine

	keyStores map[string]pki.KeyStore
	keyIDs    map[string]string
	closers   []func() error
}

// openApp loads the configuration and registers every authority whose
// certificate exists on disk. Authorities not yet initialised are skipped
// so `ironca init` can run against the same configuration.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:       cfg,
		registry:  prometheus.NewRegistry(),
		keyStores: make(map[string]pki.KeyStore),
		keyIDs:    make(map[string]string),
	}
	if err := a.openLogger(); err != nil {
		return nil, err
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	repo, marks, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = pki.NewStore(repo, pki.WithWatermarks(marks))

	profiles, err := cfg.Registry()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine, err = pki.New(profiles, a.store, pki.WithLogger(a.log), pki.WithRegisterer(a.registry))
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.loadAuthorities(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// withApp runs fn with an open app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (a *app) openLogger() error {
	zcfg := zap.NewProductionConfig()
	if a.cfg.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level := a.cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	z, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	a.zap = z
	a.log = zapr.NewLogger(z).WithName("ironca")
	return nil
}

func (a *app) openStorage(ctx context.Context) (storage.Repository, storage.Watermarks, error) {
	sc := a.cfg.Storage
	var (
		repo  storage.Repository
		marks storage.Watermarks
	)
	switch sc.Driver {
	case config.DriverMemory:
		repo = memory.NewRepository()
	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening ledger storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		repo = s
	case config.DriverSQLite:
		s, err := sqlite.Open(sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening ledger storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		repo = s
	case config.DriverPostgres:
		s, err := postgres.NewRepositoryFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening ledger storage: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		repo = s
		if sc.WatermarkPath == "" {
			w, err := postgres.NewWatermarks(ctx, s.Pool())
			if err != nil {
				return nil, nil, err
			}
			marks = w
		}
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}

	if sc.WatermarkPath != "" {
		w, err := bboltstorage.NewWatermarksFromFile(sc.WatermarkPath, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening watermarks: %w", err)
		}
		a.closers = append(a.closers, w.Close)
		marks = w
	}
	if marks == nil {
		if sc.Driver != config.DriverMemory {
			a.log.Info("no durable watermark store configured; rollback of restored backups is only detected within one process",
				"driver", sc.Driver)
		}
		marks = storage.NewMemoryWatermarks()
	}
	return repo, marks, nil
}

// keyStore returns the key store for ac, opening it on first use.
func (a *app) keyStore(ctx context.Context, ac *config.AuthorityConfig) (pki.KeyStore, error) {
	if ks, ok := a.keyStores[ac.ID]; ok {
		return ks, nil
	}
	var ks pki.KeyStore
	switch ac.Key.Backend {
	case config.BackendFile, "":
		var opts []pki.SoftwareOption
		if ac.Key.PasswordEnv != "" {
			pw, ok := os.LookupEnv(ac.Key.PasswordEnv)
			if !ok {
				return nil, fmt.Errorf("authority %s: %s is not set", ac.ID, ac.Key.PasswordEnv)
			}
			opts = append(opts, pki.WithKeyPassword([]byte(pw)))
		}
		ks = pki.NewSoftwareKeyStore(opts...)
	case config.BackendPKCS11:
		p, err := pki.NewPKCS11KeyStore(ac.Key.PKCS11)
		if err != nil {
			return nil, fmt.Errorf("authority %s: %w", ac.ID, err)
		}
		a.closers = append(a.closers, p.Close)
		ks = p
	case config.BackendKMS:
		k, err := pki.NewKMSKeyStoreFromConfig(ctx, ac.Key.KMS.Region)
		if err != nil {
			return nil, fmt.Errorf("authority %s: %w", ac.ID, err)
		}
		ks = k
	case config.BackendVault:
		v, err := pki.NewVaultTransitKeyStoreFromClient(ac.Key.Vault.Address, ac.Key.Vault.Token, ac.Key.Vault.Mount)
		if err != nil {
			return nil, fmt.Errorf("authority %s: %w", ac.ID, err)
		}
		ks = v
	default:
		return nil, fmt.Errorf("authority %s: unknown key backend %q", ac.ID, ac.Key.Backend)
	}
	a.keyStores[ac.ID] = ks
	return ks, nil
}

// loadAuthorities registers configured authorities in order, so an
// intermediate may follow its parent.
func (a *app) loadAuthorities(ctx context.Context) error {
	for i := range a.cfg.Authorities {
		ac := &a.cfg.Authorities[i]
		certPEM, err := os.ReadFile(ac.Certificate)
		if errors.Is(err, os.ErrNotExist) {
			a.log.V(1).Info("authority not initialised", "ca", ac.ID, "certificate", ac.Certificate)
			continue
		}
		if err != nil {
			return fmt.Errorf("authority %s: %w", ac.ID, err)
		}
		cert, err := pki.ParseCertificatePEM(certPEM)
		if err != nil {
			return fmt.Errorf("authority %s: %s: %w", ac.ID, ac.Certificate, err)
		}
		keyRef, err := os.ReadFile(ac.Key.Path)
		if err != nil {
			return fmt.Errorf("authority %s: reading key: %w", ac.ID, err)
		}
		ks, err := a.keyStore(ctx, ac)
		if err != nil {
			return err
		}
		keyID, err := ks.ImportPEM(string(keyRef))
		if err != nil {
			return fmt.Errorf("authority %s: loading key: %w", ac.ID, err)
		}
		signer, err := ks.Signer(keyID)
		if err != nil {
			return fmt.Errorf("authority %s: %w", ac.ID, err)
		}
		if err := a.engine.AddAuthority(ctx, ac.ID, cert, signer, ac.AuthorityConfig); err != nil {
			return err
		}
		a.keyIDs[ac.ID] = keyID
	}
	return nil
}

// authority returns the configuration of a registered authority.
func (a *app) authority(id string) (*config.AuthorityConfig, error) {
	ac, err := a.cfg.Authority(id)
	if err != nil {
		return nil, err
	}
	if _, ok := a.keyIDs[id]; !ok {
		return nil, fmt.Errorf("authority %s is not initialised; run `ironca init`", id)
	}
	return ac, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.zap != nil {
		_ = a.zap.Sync()
	}
	return errors.Join(errs...)
}

// writeNewFile writes data to path, refusing to replace an existing file.
func writeNewFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeOutput writes data to path, or to w when path is empty or "-".
func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := w.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// readInput reads path, or r when path is "-".
func readInput(r io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(r)
	}
	return os.ReadFile(path)
}
