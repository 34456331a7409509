package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Napageneral/fincontext/internal/db"
)

// OpenTestDB opens a fresh sqlite database with the schema applied.
// The file lives in t.TempDir and is removed with it.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.ApplySchema(conn); err != nil {
		conn.Close()
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}
