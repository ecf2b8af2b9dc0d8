// ABOUTME: Bulk conversation fetch for a ready browser session
// ABOUTME: Fetches chats concurrently, reports progress per chat and skips failures

package browser

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// Conversation is one fetched chat with its recent history.
type Conversation struct {
	Thread   *store.Thread    `json:"thread"`
	Messages []*store.Message `json:"messages"`
}

// SyncProgress is the payload of a "sync_progress" event.
type SyncProgress struct {
	Platform string `json:"platform"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
}

// FetchConversations lists up to limit chats and persists each one's recent
// history. A chat that fails is logged and skipped; progress is published
// after every chat either way. Results keep the client's chat order.
func (c *Connector) FetchConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if err := c.machine.RequireReady(); err != nil {
		return nil, err
	}
	client := c.currentClient()
	if client == nil {
		return nil, session.ErrNotReady
	}

	chats, err := client.ListChats(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}

	results := make([]*Conversation, len(chats))
	var (
		progressMu sync.Mutex
		done       int
	)
	report := func() {
		progressMu.Lock()
		defer progressMu.Unlock()
		done++
		c.machine.Publish(session.EventSyncProgress, SyncProgress{
			Platform: store.PlatformWhatsApp,
			Current:  done,
			Total:    len(chats),
		})
	}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.FetchConcurrency)
	for i, chat := range chats {
		g.Go(func() error {
			defer report()
			conv, err := c.fetchConversation(ctx, client, chat)
			if err != nil {
				c.logger.Warn("skipping conversation", "chat_id", chat.ID, "error", err)
				c.opts.Metrics.FetchFailure()
				return nil
			}
			results[i] = conv
			return nil
		})
	}
	_ = g.Wait()

	convs := make([]*Conversation, 0, len(results))
	for _, conv := range results {
		if conv != nil {
			convs = append(convs, conv)
		}
	}
	return convs, nil
}

func (c *Connector) fetchConversation(ctx context.Context, client Client, chat Chat) (*Conversation, error) {
	wire, err := client.FetchMessages(ctx, chat.ID, store.InboxMessageWindow)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	name := chat.Name
	if name == "" {
		name = chat.ID
	}
	thread, err := c.saveThread(ctx, chat.ID, name)
	if err != nil {
		return nil, fmt.Errorf("saving thread: %w", err)
	}

	names := make(map[string]string)
	msgs := make([]*store.Message, 0, len(wire))
	for _, w := range wire {
		msg := c.toMessage(ctx, client, w, names)
		if err := c.opts.Store.SaveMessage(ctx, c.opts.TenantID, thread.ID, msg); err != nil {
			return nil, fmt.Errorf("saving message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return &Conversation{Thread: thread, Messages: msgs}, nil
}
