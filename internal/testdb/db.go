package testdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/phrazzld/genq/internal/platform/postgres"
	"github.com/stretchr/testify/require"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 10 * time.Second

// URLEnvVars are checked in order for the test database URL.
var URLEnvVars = []string{"GENQ_TEST_DATABASE_URL", "DATABASE_URL"}

// DatabaseURL returns the first non-empty database URL from URLEnvVars.
func DatabaseURL() string {
	for _, name := range URLEnvVars {
		if url := os.Getenv(name); url != "" {
			return url
		}
	}
	return ""
}

// Open connects to the test database and applies the migrations. It skips
// the test when no database URL is configured. The connection is closed
// when the test ends.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	url := DatabaseURL()
	if url == "" {
		t.Skip("Skipping integration test - GENQ_TEST_DATABASE_URL or DATABASE_URL required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, url)
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, postgres.Migrate(ctx, db, "up", logger.DiscardLogger()),
		"failed to migrate test database")
	return db
}

// Reset removes every status record so each test starts empty.
func Reset(t *testing.T, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	_, err := db.ExecContext(ctx, `TRUNCATE request_status`)
	require.NoError(t, err, "failed to truncate request_status")
}
