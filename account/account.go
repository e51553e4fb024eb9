// Package account ties together the on-disk account state: the account
// settings, the keyring holding the own key, and the peer state store.
package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/migadu/autocrypt/config"
	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/db"
	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/keyring"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/peerstate"
	"github.com/migadu/autocrypt/recommendation"
)

const (
	settingsFile = "account.toml"
	keyringFile  = "keyring.db"
)

// Settings is the persisted account configuration.
type Settings struct {
	UUID          string               `toml:"uuid"`
	OwnKeyHandle  string               `toml:"own_keyhandle"`
	PreferEncrypt header.PreferEncrypt `toml:"prefer_encrypt"`
}

// Options selects the backends an account uses.
type Options struct {
	Store          config.StoreConfig
	Recommendation config.RecommendationConfig
}

// OptionsFromConfig extracts account options from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Store: cfg.Store, Recommendation: cfg.Recommendation}
}

// Account is one Autocrypt account rooted at a directory. Resources are
// opened lazily on first use and released by Close.
type Account struct {
	dir  string
	opts Options

	mu       sync.Mutex
	settings *Settings
	keys     *keyring.Keyring
	peers    *peerstate.Manager
	database *db.Database
	engine   recommendation.Engine
}

// New returns a handle for the account in dir. No I/O happens until the
// account is used.
func New(dir string, opts Options) *Account {
	if opts.Store.Backend == "" {
		opts.Store.Backend = config.BackendSQLite
	}
	return &Account{
		dir:    dir,
		opts:   opts,
		engine: recommendation.Engine{MultiRecipient: opts.Recommendation.MultiRecipient},
	}
}

// Dir returns the account directory.
func (a *Account) Dir() string {
	return a.dir
}

// Exists reports whether the account has been initialized.
func (a *Account) Exists() bool {
	_, err := os.Stat(filepath.Join(a.dir, settingsFile))
	return err == nil
}

// Init creates the account: a fresh key pair, a new UUID and empty peer
// state. An existing account is replaced only when replace is set.
func (a *Account) Init(ctx context.Context, replace bool) (*Settings, error) {
	if a.Exists() {
		if !replace {
			return nil, fmt.Errorf("%w at %s", consts.ErrAccountExists, a.dir)
		}
		logger.Info("Deleting account directory", "dir", a.dir)
		if err := a.Remove(); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create account directory: %w", err)
	}
	keys, err := keyring.Open(filepath.Join(a.dir, keyringFile))
	if err != nil {
		return nil, err
	}
	handle, err := keys.GenerateSecretKey(ctx)
	if err != nil {
		keys.Close()
		return nil, err
	}

	settings := &Settings{
		UUID:          uuid.NewString(),
		OwnKeyHandle:  handle,
		PreferEncrypt: header.PreferNotSet,
	}
	if err := a.writeSettings(settings); err != nil {
		keys.Close()
		return nil, err
	}
	a.settings = settings
	a.keys = keys

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	logger.Info("Account created", "dir", a.dir, "uuid", settings.UUID, "keyhandle", handle)
	return a.settingsCopy(), nil
}

// Remove closes the account and deletes its directory. Peers kept in a
// shared PostgreSQL store are left in place.
func (a *Account) Remove() error {
	if err := a.Close(); err != nil {
		logger.Warn("Error closing account before removal", "dir", a.dir, "error", err)
	}
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("failed to remove account directory: %w", err)
	}
	return nil
}

// Close releases the keyring and the peer store.
func (a *Account) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.peers != nil {
		errs = append(errs, a.peers.Close())
		a.peers = nil
	}
	if a.database != nil {
		a.database.Close()
		a.database = nil
	}
	if a.keys != nil {
		errs = append(errs, a.keys.Close())
		a.keys = nil
	}
	a.settings = nil
	return errors.Join(errs...)
}

// ensureOpen loads the account, returning consts.ErrAccountNotInitialized
// when it does not exist. Must be called with a.mu held.
func (a *Account) ensureOpen(ctx context.Context) error {
	if a.settings != nil && a.keys != nil && a.peers != nil {
		return nil
	}
	if !a.Exists() {
		return fmt.Errorf("%w: account directory %s not initialized", consts.ErrAccountNotInitialized, a.dir)
	}

	if a.settings == nil {
		settings, err := a.readSettings()
		if err != nil {
			return err
		}
		a.settings = settings
	}
	if a.keys == nil {
		keys, err := keyring.Open(filepath.Join(a.dir, keyringFile))
		if err != nil {
			return err
		}
		a.keys = keys
	}
	if a.peers == nil {
		return a.openStore(ctx)
	}
	return nil
}

// openStore opens the configured peer store backend. Must be called with
// a.mu held and the keyring open.
func (a *Account) openStore(ctx context.Context) error {
	lockTimeout, err := a.opts.Store.GetLockTimeout()
	if err != nil {
		return fmt.Errorf("invalid store lock_timeout: %w", err)
	}

	var store peerstate.Store
	switch a.opts.Store.Backend {
	case config.BackendMemory:
		store = peerstate.NewMemoryStore()
	case config.BackendSQLite:
		path := a.opts.Store.SQLitePath
		if path == "" {
			path = "peers.db"
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.dir, path)
		}
		s, err := peerstate.NewSQLiteStore(path)
		if err != nil {
			return err
		}
		store = s
	case config.BackendPostgres:
		database, err := db.NewDatabaseFromConfig(ctx, &a.opts.Store.Postgres)
		if err != nil {
			return err
		}
		a.database = database
		store = db.NewPeerStore(database, lockTimeout)
	default:
		return fmt.Errorf("%w: %q", consts.ErrUnknownStoreDriver, a.opts.Store.Backend)
	}

	a.peers = peerstate.NewManager(store, peerstate.Options{
		Importer:    a.keys,
		LockTimeout: lockTimeout,
	})
	logger.Debug("Peer store opened", "backend", a.opts.Store.Backend, "dir", a.dir)
	return nil
}

// StartBackgroundTasks starts periodic work tied to ctx, such as publishing
// database pool metrics.
func (a *Account) StartBackgroundTasks(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return err
	}
	if a.database != nil {
		a.database.StartPoolMetrics(ctx)
	}
	return nil
}

// Settings returns a copy of the persisted account settings.
func (a *Account) Settings(ctx context.Context) (*Settings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return a.settingsCopy(), nil
}

func (a *Account) settingsCopy() *Settings {
	s := *a.settings
	return &s
}

// PreferEncrypt returns the account's own prefer-encrypt setting.
func (a *Account) PreferEncrypt(ctx context.Context) (header.PreferEncrypt, error) {
	s, err := a.Settings(ctx)
	if err != nil {
		return header.PreferNotSet, err
	}
	return s.PreferEncrypt, nil
}

// SetPreferEncrypt parses and persists value ("notset", "yes" or "no").
func (a *Account) SetPreferEncrypt(ctx context.Context, value string) error {
	pref, err := header.ParsePreferEncrypt(value)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return err
	}
	updated := a.settingsCopy()
	updated.PreferEncrypt = pref
	if err := a.writeSettings(updated); err != nil {
		return err
	}
	a.settings = updated
	logger.Info("Set prefer-encrypt", "value", pref.String())
	return nil
}

func (a *Account) readSettings() (*Settings, error) {
	path := filepath.Join(a.dir, settingsFile)
	var s Settings
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("failed to read account settings %s: %w", path, err)
	}
	if s.OwnKeyHandle == "" {
		return nil, fmt.Errorf("account settings %s have no own_keyhandle", path)
	}
	return &s, nil
}

// writeSettings replaces account.toml atomically.
func (a *Account) writeSettings(s *Settings) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode account settings: %w", err)
	}

	path := filepath.Join(a.dir, settingsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write account settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write account settings: %w", err)
	}
	return nil
}
