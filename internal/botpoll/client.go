// ABOUTME: Contract between bot connectors and a long-polling bot API
// ABOUTME: Updates are normalized so connectors never see the wire model

package botpoll

import (
	"context"
	"time"
)

// Identity describes the bot behind a credential.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Update is one normalized inbound update. Text is empty for updates that
// carry no text message; they still advance the cursor.
type Update struct {
	ID        int64
	ChatID    string
	ChatTitle string
	MessageID int64
	Sender    string
	Text      string
	Timestamp time.Time
}

// DisplayName returns the best name for the update's conversation.
func (u Update) DisplayName() string {
	switch {
	case u.ChatTitle != "":
		return u.ChatTitle
	case u.Sender != "":
		return u.Sender
	default:
		return u.ChatID
	}
}

// PollHandlers receive what a Poll call produces.
type PollHandlers struct {
	// OnUpdate is called once per update, in order, never concurrently.
	OnUpdate func(Update)
	// OnError reports a failed fetch. Polling continues afterwards.
	OnError func(error)
}

// Client talks to the bot API with one credential.
type Client interface {
	GetMe(ctx context.Context) (Identity, error)
	SendMessage(ctx context.Context, chatID, text string) (string, error)
	// Poll delivers updates with ids greater than offset until ctx is done.
	// Each fetch is awaited before the next is issued.
	Poll(ctx context.Context, offset int64, h PollHandlers) error
}

// ClientFactory builds a client for a credential.
type ClientFactory func(token string) (Client, error)
