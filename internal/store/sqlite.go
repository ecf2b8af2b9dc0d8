// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode, creates the schema and stores connection records

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			tenant_id  TEXT NOT NULL,
			platform   TEXT NOT NULL,
			fields     TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, platform)
		);

		CREATE INDEX IF NOT EXISTS idx_connections_platform ON connections(platform);

		CREATE TABLE IF NOT EXISTS threads (
			tenant_id    TEXT NOT NULL,
			id           TEXT NOT NULL,
			platform     TEXT NOT NULL,
			external_id  TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			avatar       TEXT NOT NULL DEFAULT '',
			unread       INTEGER NOT NULL DEFAULT 0,
			tags         TEXT NOT NULL DEFAULT '[]',
			last_message TEXT NOT NULL DEFAULT '',
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_recent ON threads(tenant_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id        TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			text      TEXT NOT NULL,
			sender    TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			status    TEXT NOT NULL,
			ts        INTEGER NOT NULL,

			PRIMARY KEY (tenant_id, thread_id, id),
			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_ts ON messages(tenant_id, thread_id, ts);

		CREATE TABLE IF NOT EXISTS ownership (
			external_id TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ownership_tenant ON ownership(tenant_id);

		CREATE TABLE IF NOT EXISTS link_codes (
			code       TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auto_replies (
			tenant_id  TEXT PRIMARY KEY,
			enabled    INTEGER NOT NULL,
			template   TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetConnection retrieves a tenant's connection record for a platform.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetConnection(ctx context.Context, tenantID, platform string) (*Connection, error) {
	var raw string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, updated_at FROM connections WHERE tenant_id = ? AND platform = ?`,
		tenantID, platform,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}

	fields, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	return &Connection{
		TenantID:  tenantID,
		Platform:  platform,
		Fields:    fields,
		UpdatedAt: fromUnixNano(updatedAt),
	}, nil
}

// SetConnection writes a connection record. With merge, the given fields are
// layered over the existing ones; otherwise the record is replaced.
func (s *SQLiteStore) SetConnection(ctx context.Context, tenantID, platform string, fields map[string]string, merge bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	merged := make(map[string]string, len(fields))
	if merge {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT fields FROM connections WHERE tenant_id = ? AND platform = ?`,
			tenantID, platform,
		).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("querying connection: %w", err)
		default:
			existing, err := decodeFields(raw)
			if err != nil {
				return err
			}
			for k, v := range existing {
				merged[k] = v
			}
		}
	}
	for k, v := range fields {
		merged[k] = v
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding connection fields: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO connections (tenant_id, platform, fields, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, platform) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at
	`, tenantID, platform, string(encoded), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}

	return tx.Commit()
}

// DeleteConnection removes a connection record. Deleting a missing record is not an error.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, tenantID, platform string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE tenant_id = ? AND platform = ?`,
		tenantID, platform,
	)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

// ListConnections returns every connection record for a platform.
func (s *SQLiteStore) ListConnections(ctx context.Context, platform string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, fields, updated_at FROM connections WHERE platform = ? ORDER BY tenant_id`,
		platform,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		var tenantID, raw string
		var updatedAt int64
		if err := rows.Scan(&tenantID, &raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		conns = append(conns, &Connection{
			TenantID:  tenantID,
			Platform:  platform,
			Fields:    fields,
			UpdatedAt: fromUnixNano(updatedAt),
		})
	}
	return conns, rows.Err()
}

func decodeFields(raw string) (map[string]string, error) {
	fields := make(map[string]string)
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decoding connection fields: %w", err)
	}
	return fields, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
