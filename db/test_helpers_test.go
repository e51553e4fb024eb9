package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDSNEnv names the environment variable holding the connection string of
// a disposable PostgreSQL database. Tests that need PostgreSQL skip without it.
const TestDSNEnv = "AUTOCRYPT_TEST_POSTGRES_DSN"

// setupTestDatabase connects to the test database, migrates it and empties
// the peers table.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}
	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set; skipping PostgreSQL test", TestDSNEnv)
	}

	ctx := context.Background()
	database, err := NewDatabase(ctx, dsn, nil)
	require.NoError(t, err, "Failed to connect to test database")

	_, err = database.Pool.Exec(ctx, "TRUNCATE peers")
	require.NoError(t, err)

	t.Cleanup(database.Close)
	return database
}
