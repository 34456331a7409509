// Package state is a small key/value table for bookkeeping that belongs next to
// the index, such as the outcome of the last reindex run.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Scopes and keys used by the CLI.
const (
	// ScopeReindex/KeyLastRun holds the last reindex report.
	ScopeReindex = "reindex"
	KeyLastRun   = "last_run"

	// ScopeUsage/KeyTotals holds embedding provider usage summed over every run.
	ScopeUsage = "usage"
	KeyTotals  = "totals"
)

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS index_state (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure index_state table: %w", err)
	}
	return nil
}

func Get(ctx context.Context, db *sql.DB, scope string, key string) (string, bool, error) {
	if err := ensureTable(ctx, db); err != nil {
		return "", false, err
	}
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM index_state WHERE scope = ? AND key = ?`, scope, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state: %w", err)
	}
	return v, true, nil
}

func Set(ctx context.Context, db *sql.DB, scope string, key string, value string) error {
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := db.ExecContext(ctx, `
		INSERT INTO index_state (scope, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, scope, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

// GetJSON decodes the stored value into out. It reports false when the key is absent.
func GetJSON(ctx context.Context, db *sql.DB, scope, key string, out any) (bool, error) {
	raw, ok, err := Get(ctx, db, scope, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode state %s/%s: %w", scope, key, err)
	}
	return true, nil
}

// SetJSON stores v encoded as JSON.
func SetJSON(ctx context.Context, db *sql.DB, scope, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode state %s/%s: %w", scope, key, err)
	}
	return Set(ctx, db, scope, key, string(b))
}
