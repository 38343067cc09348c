// Package store persists the directory cache and the delivery audit log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wecombot/internal/delivery"

	_ "modernc.org/sqlite"
)

// SQLite is a single-file store implementing wecom.Cache and
// delivery.Recorder.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLite{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is usable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns a cached value. Expired entries are reported as misses.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_cache WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if expiresAt.Valid && s.now().Unix() >= expiresAt.Int64 {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key. A zero ttl never expires.
func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(ttl).Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_cache (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE key = ?`, key)
	return err
}

// PurgeExpired removes expired cache entries and returns how many were removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordDelivery appends one delivery outcome to the audit log.
func (s *SQLite) RecordDelivery(ctx context.Context, rec delivery.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (user_id, tier, runes, segments, artifact, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.User, string(rec.Tier), rec.Runes, rec.Segments, rec.Artifact, rec.Err, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// RecentDeliveries returns the newest audit entries, newest first.
func (s *SQLite) RecentDeliveries(ctx context.Context, limit int) ([]delivery.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, tier, runes, segments, artifact, error, created_at
		 FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Record
	for rows.Next() {
		var (
			rec  delivery.Record
			tier string
		)
		if err := rows.Scan(&rec.User, &tier, &rec.Runes, &rec.Segments, &rec.Artifact, &rec.Err, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Tier = delivery.Tier(tier)
		out = append(out, rec)
	}
	return out, rows.Err()
}
