// ABOUTME: SQLite persistence for per-tenant auto-reply settings
// ABOUTME: A tenant without a stored row has auto-reply disabled

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetAutoReply returns a tenant's auto-reply settings, or ErrNotFound.
func (s *SQLiteStore) GetAutoReply(ctx context.Context, tenantID string) (*AutoReply, error) {
	ar := &AutoReply{TenantID: tenantID}
	var enabled int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, template, updated_at FROM auto_replies WHERE tenant_id = ?`, tenantID,
	).Scan(&enabled, &ar.Template, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying auto-reply: %w", err)
	}
	ar.Enabled = enabled != 0
	ar.UpdatedAt = fromUnixNano(updatedAt)
	return ar, nil
}

// SetAutoReply creates or replaces a tenant's auto-reply settings.
func (s *SQLiteStore) SetAutoReply(ctx context.Context, ar *AutoReply) error {
	ar.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_replies (tenant_id, enabled, template, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			enabled = excluded.enabled,
			template = excluded.template,
			updated_at = excluded.updated_at
	`, ar.TenantID, boolToInt(ar.Enabled), ar.Template, ar.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving auto-reply: %w", err)
	}
	return nil
}
