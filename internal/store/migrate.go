package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Each migration is applied exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "directory cache",
		SQL: `
		CREATE TABLE IF NOT EXISTS kv_cache (
			key         TEXT PRIMARY KEY,
			value       BLOB NOT NULL,
			expires_at  INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_kv_cache_expiry ON kv_cache(expires_at);
		`,
	},
	{
		Version:     2,
		Description: "delivery audit log",
		SQL: `
		CREATE TABLE IF NOT EXISTS deliveries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT NOT NULL,
			tier        TEXT NOT NULL,
			runes       INTEGER DEFAULT 0,
			segments    INTEGER DEFAULT 0,
			artifact    TEXT DEFAULT '',
			error       TEXT DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_user ON deliveries(user_id, created_at);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
