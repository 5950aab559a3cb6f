// Package dbtest opens throwaway SQLite databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/abdusco/qrlinked/internal/db"
)

// Open creates a migrated database in the test's temp dir and closes it on cleanup.
func Open(t testing.TB) *db.Conn {
	t.Helper()

	conn, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}
