// ABOUTME: Store interfaces and data types for switchboard persistence
// ABOUTME: Defines connection records, threads, messages, ownership and link codes

package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrLinkCodeExpired is returned when a link code exists but is past its expiry
var ErrLinkCodeExpired = errors.New("link code expired")

// Platform tags carried by connection records and threads
const (
	PlatformWhatsApp       = "whatsapp"
	PlatformTelegram       = "telegram"
	PlatformTelegramShared = "telegram_shared"
)

// Inbox bounds
const (
	InboxPageSize      = 50
	InboxMessageWindow = 20
)

// Direction of a message relative to the tenant
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus of a persisted message
type DeliveryStatus string

const (
	DeliveryReceived DeliveryStatus = "received"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
)

// Connection is the persisted record of a tenant's session on one platform.
// Fields holds family-specific values (state, sealed credential, cursor, identity).
type Connection struct {
	TenantID  string
	Platform  string
	Fields    map[string]string
	UpdatedAt time.Time
}

// Get returns a field value or "" when absent.
func (c *Connection) Get(key string) string {
	if c == nil || c.Fields == nil {
		return ""
	}
	return c.Fields[key]
}

// Thread is a normalized conversation keyed by a stable external conversation id
type Thread struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"-"`
	Platform    string    `json:"platform"`
	ExternalID  string    `json:"external_id"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar,omitempty"`
	Unread      bool      `json:"unread"`
	Tags        []string  `json:"tags,omitempty"`
	LastMessage string    `json:"last_message"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Messages is only populated by GetInbox (bounded recent window, oldest first)
	Messages []*Message `json:"messages,omitempty"`
}

// Message is a single append-only utterance within a thread
type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Text      string         `json:"text"`
	Sender    string         `json:"sender,omitempty"`
	Direction Direction      `json:"direction"`
	Status    DeliveryStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// LinkCode lets an external user claim a shared-bot conversation for a tenant
type LinkCode struct {
	Code      string
	TenantID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AutoReply holds a tenant's template auto-reply settings
type AutoReply struct {
	TenantID  string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	Template  string    `json:"template"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Initials derives a two-letter avatar from a display name.
func Initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		r := []rune(word)[0]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		out = append(out, r)
		if len(out) == 2 {
			break
		}
	}
	return strings.ToUpper(string(out))
}

// ThreadID builds the store key for a conversation on a platform.
func ThreadID(platform, externalID string) string {
	return platform + ":" + externalID
}

// ConnectionStore persists per-tenant connection records
type ConnectionStore interface {
	GetConnection(ctx context.Context, tenantID, platform string) (*Connection, error)
	SetConnection(ctx context.Context, tenantID, platform string, fields map[string]string, merge bool) error
	DeleteConnection(ctx context.Context, tenantID, platform string) error
	ListConnections(ctx context.Context, platform string) ([]*Connection, error)
}

// ThreadStore persists threads and their messages
type ThreadStore interface {
	SaveThread(ctx context.Context, tenantID string, thread *Thread, merge bool) error
	GetThread(ctx context.Context, tenantID, threadID string) (*Thread, error)
	// SaveMessage appends a message, filling ID and Timestamp when empty, and
	// updates the thread preview, unread flag and recency.
	SaveMessage(ctx context.Context, tenantID, threadID string, msg *Message) error
	// GetInbox returns the most recent threads first, optionally filtered by platform.
	GetInbox(ctx context.Context, tenantID, platform string) ([]*Thread, error)
}

// OwnershipStore persists the shared bot's conversation ownership and link codes
type OwnershipStore interface {
	SetOwner(ctx context.Context, externalID, tenantID string) error
	GetOwner(ctx context.Context, externalID string) (string, error)
	DeleteOwner(ctx context.Context, externalID string) error
	ListOwned(ctx context.Context, tenantID string) ([]string, error)

	CreateLinkCode(ctx context.Context, code *LinkCode) error
	// ConsumeLinkCode returns and deletes a code. Expired codes are deleted and
	// reported as ErrLinkCodeExpired.
	ConsumeLinkCode(ctx context.Context, code string) (*LinkCode, error)
}

// AutoReplyStore persists auto-reply settings
type AutoReplyStore interface {
	GetAutoReply(ctx context.Context, tenantID string) (*AutoReply, error)
	SetAutoReply(ctx context.Context, ar *AutoReply) error
}

// Store is the full persistence surface used by the hub
type Store interface {
	ConnectionStore
	ThreadStore
	OwnershipStore
	AutoReplyStore

	// Close releases any resources held by the store
	Close() error
}
