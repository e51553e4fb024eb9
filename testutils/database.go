package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/autocrypt/config"
	"github.com/migadu/autocrypt/db"
	"github.com/stretchr/testify/require"
)

// PostgresDSNEnv names the environment variable holding a connection string
// for a disposable database. It takes precedence over config-test.toml.
const PostgresDSNEnv = "AUTOCRYPT_TEST_POSTGRES_DSN"

// TestConfig represents minimal test configuration
type TestConfig struct {
	Store struct {
		Postgres config.PostgresConfig `toml:"postgres"`
	} `toml:"store"`
}

// TestDatabase wraps database functionality for testing
type TestDatabase struct {
	*db.Database
	DSN string
	// Config points at the same database, for code that connects through
	// config.PostgresConfig.
	Config config.PostgresConfig
}

// SetupTestDatabase connects to PostgreSQL using $AUTOCRYPT_TEST_POSTGRES_DSN
// or the [store.postgres] section of config-test.toml. The test is skipped
// when neither is available.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	var pgCfg config.PostgresConfig
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn != "" {
		parsed, err := pgx.ParseConfig(dsn)
		require.NoError(t, err, "Invalid %s", PostgresDSNEnv)
		pgCfg = config.PostgresConfig{
			Host:     parsed.Host,
			Port:     strconv.Itoa(int(parsed.Port)),
			User:     parsed.User,
			Password: parsed.Password,
			Name:     parsed.Database,
			TLSMode:  strings.Contains(dsn, "sslmode=require") || strings.Contains(dsn, "sslmode=verify"),
		}
	} else {
		configPath, err := findTestConfig()
		if err != nil {
			t.Skipf("no test database configured: set %s or provide config-test.toml", PostgresDSNEnv)
		}
		var cfg TestConfig
		_, err = toml.DecodeFile(configPath, &cfg)
		require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
		if cfg.Store.Postgres.Port == "" {
			cfg.Store.Postgres.Port = "5432"
		}
		pgCfg = cfg.Store.Postgres
		dsn = pgCfg.ConnString()
	}

	database, err := db.NewDatabase(context.Background(), dsn, nil)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running")

	td := &TestDatabase{Database: database, DSN: dsn, Config: pgCfg}
	td.TruncateAllTables(t)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// Cleanup closes database connections
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Database != nil {
		td.Database.Close()
	}
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	_, err := td.Pool.Exec(context.Background(), "TRUNCATE TABLE peers")
	require.NoError(t, err)
}
