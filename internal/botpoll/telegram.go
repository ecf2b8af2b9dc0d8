// ABOUTME: Production Client on the go-telegram/bot library
// ABOUTME: Maps models.Update to Update and surfaces polling errors to the caller

package botpoll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// DefaultPollTimeout is how long each getUpdates request is held open.
const DefaultPollTimeout = 30 * time.Second

// TelegramOptions configures the go-telegram/bot client.
type TelegramOptions struct {
	// ServerURL overrides the Bot API endpoint, mainly for tests.
	ServerURL   string
	PollTimeout time.Duration
	HTTPClient  *http.Client
}

// NewTelegramFactory returns a ClientFactory producing Telegram clients.
func NewTelegramFactory(opts TelegramOptions) ClientFactory {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.HTTPClient == nil {
		// The long poll holds the request open for PollTimeout.
		opts.HTTPClient = &http.Client{Timeout: opts.PollTimeout + 10*time.Second}
	}
	return func(token string) (Client, error) {
		if strings.TrimSpace(token) == "" {
			return nil, errors.New("empty bot token")
		}
		return &telegramClient{token: token, opts: opts}, nil
	}
}

type telegramClient struct {
	token string
	opts  TelegramOptions
}

func (c *telegramClient) newBot(extra ...bot.Option) (*bot.Bot, error) {
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(c.opts.PollTimeout, c.opts.HTTPClient),
	}
	if c.opts.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(c.opts.ServerURL))
	}
	b, err := bot.New(c.token, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("creating bot client: %w", err)
	}
	return b, nil
}

func (c *telegramClient) GetMe(ctx context.Context) (Identity, error) {
	b, err := c.newBot()
	if err != nil {
		return Identity{}, err
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("getMe: %w", err)
	}
	return Identity{
		ID:       me.ID,
		Username: me.Username,
		Name:     strings.TrimSpace(me.FirstName + " " + me.LastName),
	}, nil
}

func (c *telegramClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	b, err := c.newBot()
	if err != nil {
		return "", err
	}
	msg, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return "", fmt.Errorf("sendMessage: %w", err)
	}
	return MessageID(chatID, int64(msg.ID)), nil
}

// Poll delivers updates on a single worker without spawning a goroutine per
// handler, so OnUpdate sees a batch in update id order.
func (c *telegramClient) Poll(ctx context.Context, offset int64, h PollHandlers) error {
	b, err := c.newBot(
		bot.WithInitialOffset(offset),
		bot.WithWorkers(1),
		bot.WithNotAsyncHandlers(),
		bot.WithDefaultHandler(func(ctx context.Context, _ *bot.Bot, update *models.Update) {
			if h.OnUpdate != nil {
				h.OnUpdate(normalize(update))
			}
		}),
		bot.WithErrorsHandler(func(err error) {
			if h.OnError != nil {
				h.OnError(err)
			}
		}),
	)
	if err != nil {
		return err
	}
	b.Start(ctx)
	return nil
}

// normalize flattens a models.Update into an Update.
func normalize(u *models.Update) Update {
	out := Update{ID: u.ID}
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return out
	}

	out.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	out.ChatTitle = msg.Chat.Title
	out.MessageID = int64(msg.ID)
	out.Text = msg.Text
	out.Timestamp = time.Unix(int64(msg.Date), 0).UTC()
	if msg.From != nil {
		out.Sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if out.Sender == "" {
			out.Sender = msg.From.Username
		}
	}
	return out
}

// MessageID builds a tenant-unique message id from a chat-scoped one.
func MessageID(chatID string, id int64) string {
	return chatID + ":" + strconv.FormatInt(id, 10)
}
