// Package store provides persistent storage for switchboard using SQLite.
//
// # Architecture
//
// The package is interface-driven. Store composes four narrower interfaces so
// each collaborator can depend on just the surface it needs:
//
//   - ConnectionStore: per-tenant, per-platform connection records
//   - ThreadStore: normalized threads and their append-only messages
//   - OwnershipStore: shared bot conversation ownership and link codes
//   - AutoReplyStore: per-tenant template auto-reply settings
//
// SQLiteStore implements all of them in a single struct.
//
// # Data Models
//
//   - Connection: a tenant's session record on one platform. Family-specific
//     values (state, sealed bot token, polling cursor, bot identity, external
//     chat id) live in a flat string map that SetConnection can merge.
//   - Thread: a conversation keyed by ThreadID(platform, externalID), carrying
//     the display name, avatar, unread flag, tags and last-message preview.
//   - Message: inbound or outbound text with a delivery status. Saving a
//     message updates the thread preview and recency in the same transaction.
//   - LinkCode: a short-lived code a tenant hands to an external user so the
//     shared bot can claim that user's conversation for the tenant.
//
// # Inbox
//
// GetInbox returns at most InboxPageSize threads, most recent first, each with
// its latest InboxMessageWindow messages in chronological order.
//
// # SQLite Configuration
//
// The store runs in WAL mode with a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as Unix nanoseconds.
//
// # Testing
//
// Use NewMockStore() for unit tests. It counts writes so tests can assert that
// a rejected operation touched nothing. Use NewSQLiteStore with a path under
// t.TempDir() for integration tests against real SQLite.
package store
