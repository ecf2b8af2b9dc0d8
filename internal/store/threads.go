// ABOUTME: SQLite persistence for threads and their append-only messages
// ABOUTME: Maintains thread previews and recency, and assembles the bounded inbox view

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SaveThread creates or updates a thread. With merge, only non-empty fields of
// thread overwrite the stored values; otherwise the stored row is replaced.
func (s *SQLiteStore) SaveThread(ctx context.Context, tenantID string, thread *Thread, merge bool) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = time.Now().UTC()
	}
	tags := thread.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	var query string
	if merge {
		query = `
			INSERT INTO threads (tenant_id, id, platform, external_id, name, avatar, unread, tags, last_message, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, id) DO UPDATE SET
				platform = CASE WHEN excluded.platform != '' THEN excluded.platform ELSE threads.platform END,
				external_id = CASE WHEN excluded.external_id != '' THEN excluded.external_id ELSE threads.external_id END,
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE threads.name END,
				avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE threads.avatar END,
				tags = CASE WHEN excluded.tags != '[]' THEN excluded.tags ELSE threads.tags END
		`
	} else {
		query = `
			INSERT INTO threads (tenant_id, id, platform, external_id, name, avatar, unread, tags, last_message, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, id) DO UPDATE SET
				platform = excluded.platform,
				external_id = excluded.external_id,
				name = excluded.name,
				avatar = excluded.avatar,
				unread = excluded.unread,
				tags = excluded.tags,
				last_message = excluded.last_message,
				updated_at = excluded.updated_at
		`
	}

	_, err = s.db.ExecContext(ctx, query,
		tenantID,
		thread.ID,
		thread.Platform,
		thread.ExternalID,
		thread.Name,
		thread.Avatar,
		boolToInt(thread.Unread),
		string(encodedTags),
		thread.LastMessage,
		thread.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread without its messages.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, tenantID, threadID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform, external_id, name, avatar, unread, tags, last_message, updated_at
		FROM threads
		WHERE tenant_id = ? AND id = ?
	`, tenantID, threadID)

	thread, err := scanThread(row, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return thread, nil
}

// SaveMessage appends a message and refreshes the owning thread's preview.
// A message whose ID is already stored in the thread is ignored so redelivered
// events don't duplicate history. IDs are only unique within a thread. Inbound messages mark the thread unread; outbound clear it.
func (s *SQLiteStore) SaveMessage(ctx context.Context, tenantID, threadID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Direction == "" {
		msg.Direction = DirectionInbound
	}
	if msg.Status == "" {
		if msg.Direction == DirectionOutbound {
			msg.Status = DeliverySent
		} else {
			msg.Status = DeliveryReceived
		}
	}
	msg.ThreadID = threadID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, tenant_id, thread_id, text, sender, direction, status, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, tenantID, threadID, msg.Text, msg.Sender, string(msg.Direction), string(msg.Status), msg.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking message insert: %w", err)
	}
	if inserted == 0 {
		return tx.Commit()
	}

	unread := msg.Direction == DirectionInbound
	platform, externalID := SplitThreadID(threadID)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (tenant_id, id, platform, external_id, unread, last_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			unread = excluded.unread,
			last_message = excluded.last_message,
			updated_at = MAX(threads.updated_at, excluded.updated_at)
	`, tenantID, threadID, platform, externalID, boolToInt(unread), msg.Text, msg.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("updating thread preview: %w", err)
	}

	return tx.Commit()
}

// GetInbox returns up to InboxPageSize threads ordered by recency, each with up
// to InboxMessageWindow of its latest messages in chronological order.
// An empty platform returns threads from every platform.
func (s *SQLiteStore) GetInbox(ctx context.Context, tenantID, platform string) ([]*Thread, error) {
	query := `
		SELECT id, platform, external_id, name, avatar, unread, tags, last_message, updated_at
		FROM threads
		WHERE tenant_id = ?`
	args := []any{tenantID}
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, platform)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, InboxPageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}

	var threads []*Thread
	for rows.Next() {
		thread, err := scanThread(rows, tenantID)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating inbox: %w", err)
	}
	rows.Close()

	// The pool holds one connection, so message queries run after the thread cursor closes.
	for _, thread := range threads {
		msgs, err := s.recentMessages(ctx, tenantID, thread.ID, InboxMessageWindow)
		if err != nil {
			return nil, err
		}
		thread.Messages = msgs
	}

	return threads, nil
}

func (s *SQLiteStore) recentMessages(ctx context.Context, tenantID, threadID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, sender, direction, status, ts
		FROM messages
		WHERE tenant_id = ? AND thread_id = ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, tenantID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var direction, status string
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.Text, &msg.Sender, &direction, &status, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.ThreadID = threadID
		msg.Direction = Direction(direction)
		msg.Status = DeliveryStatus(status)
		msg.Timestamp = fromUnixNano(ts)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Newest-first from the query; callers render oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner, tenantID string) (*Thread, error) {
	var thread Thread
	var unread int
	var tags string
	var updatedAt int64
	err := row.Scan(
		&thread.ID,
		&thread.Platform,
		&thread.ExternalID,
		&thread.Name,
		&thread.Avatar,
		&unread,
		&tags,
		&thread.LastMessage,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	thread.TenantID = tenantID
	thread.Unread = unread != 0
	thread.UpdatedAt = fromUnixNano(updatedAt)
	if err := json.Unmarshal([]byte(tags), &thread.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return &thread, nil
}

// SplitThreadID splits a ThreadID key back into platform and external id.
func SplitThreadID(threadID string) (platform, externalID string) {
	platform, externalID, ok := strings.Cut(threadID, ":")
	if !ok {
		return "", threadID
	}
	return platform, externalID
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
