// Package db implements the shared PostgreSQL peer store.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/autocrypt/config"
	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/pkg/metrics"
	"github.com/migadu/autocrypt/pkg/retry"
)

// MigrationsFS holds the schema migrations applied by Migrate and the
// migrate CLI subcommand.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

type Database struct {
	Pool       *pgxpool.Pool
	connString string
}

// NewDatabaseFromConfig connects to PostgreSQL, applies pending migrations
// and returns a ready pool.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.PostgresConfig) (*Database, error) {
	connString := cfg.ConnString()
	logger.Info("Connecting to peer database", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "user", cfg.User, "tls", cfg.TLSMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &CustomTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if poolConfig.MaxConnLifetime, err = cfg.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if poolConfig.MaxConnIdleTime, err = cfg.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}

	backoff := retry.DefaultBackoffConfig()
	if cfg.ConnectRetries >= 0 {
		backoff.MaxRetries = cfg.ConnectRetries
	}
	return newDatabase(ctx, connString, poolConfig, backoff)
}

// NewDatabase opens a pool from an already parsed config. A nil poolConfig
// means defaults for connString.
func NewDatabase(ctx context.Context, connString string, poolConfig *pgxpool.Config) (*Database, error) {
	if poolConfig == nil {
		var err error
		if poolConfig, err = pgxpool.ParseConfig(connString); err != nil {
			return nil, fmt.Errorf("unable to parse connection string: %w", err)
		}
	}
	return newDatabase(ctx, connString, poolConfig, retry.DefaultBackoffConfig())
}

func newDatabase(ctx context.Context, connString string, poolConfig *pgxpool.Config, backoff retry.BackoffConfig) (*Database, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	err = retry.WithRetry(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}, backoff)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool, connString: connString}
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate applies every pending up migration while holding the migration
// advisory lock.
func (db *Database) Migrate(ctx context.Context) error {
	m, sqlDB, err := NewMigrator(ctx, db.connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	defer m.Close()

	release, err := AcquireMigrationLock(ctx, sqlDB)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NewMigrator returns a migrate instance over the embedded migrations and
// the sql.DB it owns. The caller closes the sql.DB.
func NewMigrator(ctx context.Context, connString string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// AcquireMigrationLock takes the migration advisory lock without waiting.
// Advisory locks are session scoped, so the lock pins one connection until
// the returned release function runs.
func AcquireMigrationLock(ctx context.Context, sqlDB *sql.DB) (func(), error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := sqlDB.Conn(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("could not acquire migration lock; another migration is running")
	}

	return func() {
		defer conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var unlocked bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
			logger.Warn("Failed to release migration lock", "error", err)
		} else if !unlocked {
			logger.Warn("Migration lock was not held at time of release")
		}
	}, nil
}

// StartPoolMetrics periodically publishes pool statistics until ctx is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	stats := db.Pool.Stat()
	metrics.DBPoolConns.WithLabelValues("total").Set(float64(stats.TotalConns()))
	metrics.DBPoolConns.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	metrics.DBPoolConns.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
