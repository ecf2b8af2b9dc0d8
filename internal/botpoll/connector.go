// ABOUTME: Per-tenant long-polling bot connector with a sealed credential and monotonic cursor
// ABOUTME: Persists inbound text updates as threads and messages and publishes them live

package botpoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/secrets"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// DefaultPollInterval is the pause before re-entering a poll that returned.
const DefaultPollInterval = 2 * time.Second

// Connection record fields owned by this package.
const (
	FieldState       = "state"
	FieldToken       = "bot_token"
	FieldCursor      = "cursor"
	FieldBotID       = "bot_id"
	FieldBotUsername = "bot_username"
	FieldBotName     = "bot_name"
)

// IdentityEvent is the payload of a "bot_identity" event.
type IdentityEvent struct {
	Platform string `json:"platform"`
	Identity
}

// Options configures a Connector.
type Options struct {
	TenantID string
	// Platform tags threads and connection records. Defaults to telegram.
	Platform     string
	Factory      ClientFactory
	Store        store.Store
	Sink         session.Sink
	Sealer       *secrets.Sealer
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	PollInterval time.Duration
}

// Connector owns one tenant's bot session.
type Connector struct {
	machine *session.Machine
	opts    Options
	logger  *slog.Logger

	// startMu serializes Start, Stop and Reset.
	startMu sync.Mutex

	mu       sync.Mutex
	token    string
	identity *Identity
	client   Client
	cursor   int64
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConnector creates an idle connector.
func NewConnector(opts Options) *Connector {
	if opts.Platform == "" {
		opts.Platform = store.PlatformTelegram
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger.With("component", "botpoll", "tenant_id", opts.TenantID, "platform", opts.Platform)
	return &Connector{
		machine: session.NewMachine(opts.TenantID, opts.Platform, opts.Sink, logger),
		opts:    opts,
		logger:  logger,
	}
}

// State returns the session state.
func (c *Connector) State() session.State {
	return c.machine.State()
}

// Identity returns the bot identity, or nil before a successful Start.
func (c *Connector) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

// Cursor returns the highest update id processed.
func (c *Connector) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Start validates token and begins polling. Starting again with the same
// token while ready only re-publishes the identity.
func (c *Connector) Start(ctx context.Context, token string) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	return c.startLocked(ctx, token)
}

func (c *Connector) startLocked(ctx context.Context, token string) error {
	c.mu.Lock()
	if token == c.token && c.client != nil && c.machine.IsReady() {
		id := *c.identity
		c.mu.Unlock()
		c.machine.Announce()
		c.machine.Publish(session.EventBotIdentity, IdentityEvent{Platform: c.opts.Platform, Identity: id})
		return nil
	}
	if c.token != "" && token != c.token {
		// A different bot has its own update sequence.
		c.cursor = 0
	}
	c.mu.Unlock()

	c.stopLoop()
	if err := c.machine.Transition(session.StateConnecting, ""); err != nil {
		return err
	}

	client, id, err := c.validate(ctx, token)
	if err != nil {
		c.mu.Lock()
		c.client = nil
		c.identity = nil
		c.mu.Unlock()
		c.logger.Warn("bot credential rejected", "error", err)
		c.markRecordFailed(ctx)
		_ = c.machine.Transition(session.StateError, err.Error())
		c.machine.Publish(session.EventError, session.NoticeEvent{Platform: c.opts.Platform, Reason: err.Error()})
		return err
	}

	sealed, err := c.opts.Sealer.Seal(token)
	if err != nil {
		_ = c.machine.Transition(session.StateError, "sealing credential failed")
		return fmt.Errorf("sealing bot token: %w", err)
	}

	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	fields := map[string]string{
		FieldState:       string(session.StateReady),
		FieldToken:       sealed,
		FieldCursor:      strconv.FormatInt(cursor, 10),
		FieldBotID:       strconv.FormatInt(id.ID, 10),
		FieldBotUsername: id.Username,
		FieldBotName:     id.Name,
	}
	if err := c.opts.Store.SetConnection(ctx, c.opts.TenantID, c.opts.Platform, fields, false); err != nil {
		_ = c.machine.Transition(session.StateError, "persisting connection failed")
		return fmt.Errorf("saving bot connection: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.token = token
	c.identity = &id
	c.client = client
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.pollLoop(loopCtx, client, done)

	if err := c.machine.Transition(session.StateReady, ""); err != nil {
		return err
	}
	c.machine.Publish(session.EventBotIdentity, IdentityEvent{Platform: c.opts.Platform, Identity: id})
	c.logger.Info("bot connected", "bot_username", id.Username)
	return nil
}

func (c *Connector) validate(ctx context.Context, token string) (Client, Identity, error) {
	client, err := c.opts.Factory(token)
	if err != nil {
		return nil, Identity{}, fmt.Errorf("%w: %v", session.ErrCredentialInvalid, err)
	}
	id, err := client.GetMe(ctx)
	if err != nil {
		return nil, Identity{}, fmt.Errorf("%w: %v", session.ErrCredentialInvalid, err)
	}
	return client, id, nil
}

// markRecordFailed flags an existing record so RestoreAll leaves it alone
// until the tenant starts again with a working credential.
func (c *Connector) markRecordFailed(ctx context.Context) {
	_, err := c.opts.Store.GetConnection(ctx, c.opts.TenantID, c.opts.Platform)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("failed to load connection record", "error", err)
		return
	}
	if err := c.opts.Store.SetConnection(ctx, c.opts.TenantID, c.opts.Platform, map[string]string{
		FieldState: string(session.StateError),
	}, true); err != nil {
		c.logger.Error("failed to mark connection record", "error", err)
	}
}

// RestoreFromStore restarts polling from the tenant's persisted record.
// It reports false when there is no stored credential.
func (c *Connector) RestoreFromStore(ctx context.Context) (bool, error) {
	rec, err := c.opts.Store.GetConnection(ctx, c.opts.TenantID, c.opts.Platform)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading bot connection: %w", err)
	}
	sealed := rec.Get(FieldToken)
	if sealed == "" {
		return false, nil
	}

	token, err := c.opts.Sealer.Open(sealed)
	if err != nil {
		return false, fmt.Errorf("unsealing bot token: %w", err)
	}
	cursor, _ := strconv.ParseInt(rec.Get(FieldCursor), 10, 64)

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	c.token = token
	c.cursor = cursor
	c.mu.Unlock()

	return true, c.startLocked(ctx, token)
}

// pollLoop keeps a Poll call outstanding until ctx is cancelled. A Poll
// that returns early is re-entered after the poll interval.
func (c *Connector) pollLoop(ctx context.Context, client Client, done chan struct{}) {
	defer close(done)

	handlers := PollHandlers{
		OnUpdate: func(u Update) { c.handleUpdate(ctx, u) },
		OnError: func(err error) {
			c.logger.Warn("poll failed", "error", fmt.Errorf("%w: %v", session.ErrTransient, err))
			c.opts.Metrics.PollError(c.opts.Platform)
		},
	}

	for {
		err := client.Poll(ctx, c.Cursor(), handlers)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			handlers.OnError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// handleUpdate advances the cursor and persists text updates. Updates at
// or below the cursor are ignored.
func (c *Connector) handleUpdate(ctx context.Context, u Update) {
	c.mu.Lock()
	if u.ID <= c.cursor {
		c.mu.Unlock()
		return
	}
	c.cursor = u.ID
	c.mu.Unlock()

	if err := c.opts.Store.SetConnection(ctx, c.opts.TenantID, c.opts.Platform, map[string]string{
		FieldCursor: strconv.FormatInt(u.ID, 10),
	}, true); err != nil {
		c.logger.Error("failed to persist cursor", "cursor", u.ID, "error", err)
	}

	if u.Text == "" || u.ChatID == "" {
		return
	}
	thread, msg, err := c.persistInbound(ctx, u)
	if err != nil {
		c.logger.Error("failed to persist update", "update_id", u.ID, "error", err)
		return
	}
	c.machine.Publish(session.EventMessage, session.MessageEvent{Platform: c.opts.Platform, Thread: thread, Message: msg})
}

func (c *Connector) persistInbound(ctx context.Context, u Update) (*store.Thread, *store.Message, error) {
	thread, err := c.saveThread(ctx, u.ChatID, u.DisplayName())
	if err != nil {
		return nil, nil, err
	}
	msg := &store.Message{
		ID:        c.messageID(MessageID(u.ChatID, u.MessageID)),
		Text:      u.Text,
		Sender:    u.Sender,
		Direction: store.DirectionInbound,
		Status:    store.DeliveryReceived,
		Timestamp: u.Timestamp,
	}
	if err := c.opts.Store.SaveMessage(ctx, c.opts.TenantID, thread.ID, msg); err != nil {
		return nil, nil, fmt.Errorf("saving message: %w", err)
	}
	c.opts.Metrics.MessagePersisted(c.opts.Platform, string(msg.Direction))
	return thread, msg, nil
}

func (c *Connector) saveThread(ctx context.Context, chatID, name string) (*store.Thread, error) {
	thread := &store.Thread{
		ID:         store.ThreadID(c.opts.Platform, chatID),
		Platform:   c.opts.Platform,
		ExternalID: chatID,
		Name:       name,
		Avatar:     store.Initials(name),
	}
	if err := c.opts.Store.SaveThread(ctx, c.opts.TenantID, thread, true); err != nil {
		return nil, fmt.Errorf("saving thread: %w", err)
	}
	return thread, nil
}

// messageID prefixes a chat-scoped id with the bot id. Message ids are only
// unique per bot, and a tenant may swap bots on the same chat.
func (c *Connector) messageID(raw string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return raw
	}
	return strconv.FormatInt(c.identity.ID, 10) + ":" + raw
}

// SendMessage sends text to a chat and records it as outbound.
func (c *Connector) SendMessage(ctx context.Context, chatID, text string) (*store.Message, error) {
	if err := c.machine.RequireReady(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, session.ErrNotReady
	}

	id, err := client.SendMessage(ctx, chatID, text)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	thread, err := c.saveThread(ctx, chatID, "")
	if err != nil {
		return nil, err
	}
	msg := &store.Message{
		ID:        c.messageID(id),
		Text:      text,
		Sender:    "me",
		Direction: store.DirectionOutbound,
		Status:    store.DeliverySent,
	}
	if err := c.opts.Store.SaveMessage(ctx, c.opts.TenantID, thread.ID, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	c.opts.Metrics.MessagePersisted(c.opts.Platform, string(msg.Direction))
	c.machine.Publish(session.EventMessage, session.MessageEvent{Platform: c.opts.Platform, Thread: thread, Message: msg})
	return msg, nil
}

// Stop cancels polling, forgets the credential and deletes the record.
func (c *Connector) Stop(ctx context.Context) error {
	return c.Reset(ctx)
}

// Reset cancels polling, forgets the credential and deletes the record.
// It is idempotent.
func (c *Connector) Reset(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.release()
	c.mu.Lock()
	c.token = ""
	c.cursor = 0
	c.mu.Unlock()

	if c.machine.State() != session.StateIdle {
		if err := c.machine.Transition(session.StateIdle, "stopped"); err != nil {
			c.logger.Warn("stop in unexpected state", "error", err)
		}
	}
	if err := c.opts.Store.DeleteConnection(ctx, c.opts.TenantID, c.opts.Platform); err != nil {
		return fmt.Errorf("deleting connection record: %w", err)
	}
	return nil
}

// Close cancels polling but keeps the record for the next restore.
func (c *Connector) Close(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.release()
	if c.machine.State() != session.StateIdle {
		_ = c.machine.Transition(session.StateIdle, "shutdown")
	}
	return nil
}

func (c *Connector) release() {
	c.stopLoop()
	c.mu.Lock()
	c.client = nil
	c.identity = nil
	c.mu.Unlock()
}

// stopLoop cancels the poll loop and waits for it to exit.
func (c *Connector) stopLoop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RestoreAll restarts every tenant with a stored credential for the
// registry's platform whose last known state is ready. It returns how many
// sessions were restored.
func RestoreAll(ctx context.Context, conns store.ConnectionStore, platform string, reg *session.Registry[*Connector], logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	records, err := conns.ListConnections(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("listing bot connections: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if rec.Get(FieldToken) == "" {
			continue
		}
		if state := rec.Get(FieldState); state != string(session.StateReady) {
			logger.Info("skipping bot session", "tenant_id", rec.TenantID, "state", state)
			continue
		}
		ok, err := reg.Get(rec.TenantID).RestoreFromStore(ctx)
		if err != nil {
			logger.Warn("failed to restore bot session", "tenant_id", rec.TenantID, "error", err)
			continue
		}
		if ok {
			restored++
		}
	}
	return restored, nil
}
