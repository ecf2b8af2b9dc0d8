// ABOUTME: Contract between the browser connector and the browser automation layer
// ABOUTME: Clients report page events through Handlers registered at construction

package browser

import (
	"context"
	"time"
)

// Chat is a conversation as listed by the web client.
type Chat struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsGroup     bool      `json:"is_group"`
	UnreadCount int       `json:"unread_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// Contact is a resolved sender.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PushName string `json:"push_name"`
}

// DisplayName returns the best available name for the contact.
func (c Contact) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.PushName != "":
		return c.PushName
	default:
		return c.ID
	}
}

// WireMessage is a message as reported by the web client.
type WireMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	FromMe    bool      `json:"from_me"`
	Timestamp time.Time `json:"timestamp"`
}

// Handlers receive client events. Any field may be nil.
type Handlers struct {
	OnChallenge     func(payload string)
	OnAuthenticated func()
	OnReady         func()
	OnAuthFailure   func(reason string)
	OnDisconnected  func(reason string)
	OnMessage       func(msg WireMessage)
}

// Client drives one authenticated web session.
type Client interface {
	// Initialize launches the session. It returns once the page is loaded;
	// authentication progress arrives later through Handlers.
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text string) (string, error)
	ListChats(ctx context.Context, limit int) ([]Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]WireMessage, error)
	ResolveContact(ctx context.Context, id string) (Contact, error)
}

// ClientFactory builds a client bound to a tenant's profile directory.
type ClientFactory func(tenantID, profileDir string, h Handlers) (Client, error)
