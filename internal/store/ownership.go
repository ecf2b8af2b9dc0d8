// ABOUTME: SQLite persistence for shared bot conversation ownership and link codes
// ABOUTME: Each external conversation id maps to at most one tenant

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetOwner maps an external conversation to a tenant, replacing any previous owner.
func (s *SQLiteStore) SetOwner(ctx context.Context, externalID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ownership (external_id, tenant_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			created_at = excluded.created_at
	`, externalID, tenantID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("setting owner: %w", err)
	}
	return nil
}

// GetOwner returns the tenant owning an external conversation.
// Returns ErrNotFound if the conversation is unclaimed.
func (s *SQLiteStore) GetOwner(ctx context.Context, externalID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM ownership WHERE external_id = ?`, externalID,
	).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying owner: %w", err)
	}
	return tenantID, nil
}

// DeleteOwner removes an ownership mapping. Missing mappings are not an error.
func (s *SQLiteStore) DeleteOwner(ctx context.Context, externalID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ownership WHERE external_id = ?`, externalID); err != nil {
		return fmt.Errorf("deleting owner: %w", err)
	}
	return nil
}

// ListOwned returns every external conversation id owned by a tenant.
func (s *SQLiteStore) ListOwned(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id FROM ownership WHERE tenant_id = ? ORDER BY created_at`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying owned conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning owned conversation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateLinkCode stores a new link code.
func (s *SQLiteStore) CreateLinkCode(ctx context.Context, code *LinkCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_codes (code, tenant_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, code.Code, code.TenantID, code.CreatedAt.UnixNano(), code.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("creating link code: %w", err)
	}
	return nil
}

// ConsumeLinkCode returns a link code and deletes it so it can only be used once.
func (s *SQLiteStore) ConsumeLinkCode(ctx context.Context, code string) (*LinkCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lc := &LinkCode{Code: code}
	var createdAt, expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, created_at, expires_at FROM link_codes WHERE code = ?`, code,
	).Scan(&lc.TenantID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying link code: %w", err)
	}
	lc.CreatedAt = fromUnixNano(createdAt)
	lc.ExpiresAt = fromUnixNano(expiresAt)

	if _, err := tx.ExecContext(ctx, `DELETE FROM link_codes WHERE code = ?`, code); err != nil {
		return nil, fmt.Errorf("deleting link code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing link code: %w", err)
	}

	if time.Now().After(lc.ExpiresAt) {
		return nil, ErrLinkCodeExpired
	}
	return lc, nil
}
