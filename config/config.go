package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/autocrypt/helpers"
)

// Store backends
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// BaseDirEnv overrides account.base_dir when set.
const BaseDirEnv = "AUTOCRYPT_BASEDIR"

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// AccountConfig locates the on-disk account state.
type AccountConfig struct {
	BaseDir string `toml:"base_dir"`
}

// PostgresConfig holds the connection settings for the shared peer store.
type PostgresConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	LogQueries      bool   `toml:"log_queries"`
	ConnectRetries  int    `toml:"connect_retries"` // Extra connection attempts on open; 0 disables retrying
}

// ConnString builds a postgres:// URL from the endpoint settings.
func (p *PostgresConfig) ConnString() string {
	sslMode := "disable"
	if p.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Name, sslMode)
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (p *PostgresConfig) GetMaxConnLifetime() (time.Duration, error) {
	if p.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(p.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (p *PostgresConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if p.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(p.MaxConnIdleTime)
}

// StoreConfig selects and configures the peer state backend.
type StoreConfig struct {
	Backend     string         `toml:"backend"`      // "sqlite", "postgres" or "memory"
	SQLitePath  string         `toml:"sqlite_path"`  // Relative paths are resolved against the account directory
	LockTimeout string         `toml:"lock_timeout"` // Maximum wait for the update lock (default: "5s")
	Postgres    PostgresConfig `toml:"postgres"`
}

// GetLockTimeout parses the update lock timeout
func (s *StoreConfig) GetLockTimeout() (time.Duration, error) {
	if s.LockTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(s.LockTimeout)
}

// RecommendationConfig gates behavior changes of the recommendation engine.
type RecommendationConfig struct {
	// MultiRecipient aggregates over all recipients instead of using the
	// first one only.
	MultiRecipient bool `toml:"multi_recipient"`
}

// HTTPAPIConfig holds the HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	// AllowedHosts lists client IPs or CIDRs. The client IP is taken from
	// X-Forwarded-For or X-Real-IP when present, so the list is only
	// meaningful behind a trusted reverse proxy that sets those headers.
	AllowedHosts []string `toml:"allowed_hosts"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging        LoggingConfig        `toml:"logging"`
	Account        AccountConfig        `toml:"account"`
	Store          StoreConfig          `toml:"store"`
	Recommendation RecommendationConfig `toml:"recommendation"`
	HTTPAPI        HTTPAPIConfig        `toml:"http_api"`
	Metrics        MetricsConfig        `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Account: AccountConfig{
			BaseDir: defaultBaseDir(),
		},
		Store: StoreConfig{
			Backend:     BackendSQLite,
			SQLitePath:  "peers.db",
			LockTimeout: "5s",
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            "5432",
				User:            "postgres",
				Name:            "autocrypt",
				MaxConns:        10,
				MinConns:        1,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
				ConnectRetries:  3,
			},
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8025",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9025",
			Path:    "/metrics",
		},
	}
}

func defaultBaseDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "autocrypt"
	}
	return ".autocrypt"
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("store.backend must be one of %q, %q or %q, got %q",
			BackendSQLite, BackendPostgres, BackendMemory, c.Store.Backend)
	}
	if _, err := c.Store.GetLockTimeout(); err != nil {
		return fmt.Errorf("invalid store.lock_timeout: %w", err)
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when http_api.start is true")
	}
	if c.Account.BaseDir == "" {
		return fmt.Errorf("account.base_dir cannot be empty")
	}
	return nil
}

// ApplyEnvironment applies environment overrides on top of file settings.
func (c *Config) ApplyEnvironment() {
	if dir := strings.TrimSpace(os.Getenv(BaseDirEnv)); dir != "" {
		c.Account.BaseDir = dir
	}
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are reported as warnings and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
