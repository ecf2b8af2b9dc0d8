// ABOUTME: Routes updates from one shared bot to the tenant that owns each conversation
// ABOUTME: Owns the ownership cache, link codes, the link-me reply and the auto-reply hook

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/autoreply"
	"github.com/2389/switchboard/internal/botpoll"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// ErrNotOwner is returned when a tenant sends to a conversation it does not own.
var ErrNotOwner = errors.New("conversation not owned by tenant")

// Defaults applied when Options leaves a field zero.
const (
	DefaultLinkReply    = "This conversation is not linked to an account yet. Ask for a link code and send /start <code> here."
	DefaultLinkCodeTTL  = 15 * time.Minute
	DefaultPollInterval = 2 * time.Second

	linkedReply  = "Linked. Messages you send here now reach your inbox."
	expiredReply = "That link code has expired. Ask for a new one."

	// FieldExternalChatID is the connection record field naming the linked chat.
	FieldExternalChatID = "external_chat_id"
)

// Options configures a Router.
type Options struct {
	Client  botpoll.Client
	Store   store.Store
	Sink    session.Sink
	Dedupe  *dedupe.Cache
	Replier autoreply.Replier
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	LinkReply    string
	LinkCodeTTL  time.Duration
	PollInterval time.Duration
}

// LinkCode is an issued code with its deep link.
type LinkCode struct {
	Code      string    `json:"code"`
	DeepLink  string    `json:"deep_link,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type nopSink struct{}

func (nopSink) Publish(string, string, any) {}

// Router dispatches shared bot traffic.
type Router struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	owners   map[string]string // external chat id -> tenant
	identity *botpoll.Identity
	cursor   int64
}

// New creates a router. Run starts it.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LinkReply == "" {
		opts.LinkReply = DefaultLinkReply
	}
	if opts.LinkCodeTTL <= 0 {
		opts.LinkCodeTTL = DefaultLinkCodeTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Dedupe == nil {
		opts.Dedupe = dedupe.New(10*time.Minute, 10000, 0)
	}
	return &Router{
		opts:   opts,
		logger: opts.Logger.With("component", "router"),
		owners: make(map[string]string),
	}
}

// Identity returns the shared bot identity once Run has validated it.
func (r *Router) Identity() *botpoll.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return nil
	}
	id := *r.identity
	return &id
}

// Run validates the shared bot and polls until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	id, err := r.opts.Client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("%w: shared bot: %v", session.ErrCredentialInvalid, err)
	}
	r.mu.Lock()
	r.identity = &id
	r.mu.Unlock()
	r.logger.Info("shared bot connected", "bot_username", id.Username)

	handlers := botpoll.PollHandlers{
		OnUpdate: func(u botpoll.Update) { r.HandleUpdate(ctx, u) },
		OnError: func(err error) {
			r.logger.Warn("shared poll failed", "error", fmt.Errorf("%w: %v", session.ErrTransient, err))
			r.opts.Metrics.PollError(store.PlatformTelegramShared)
		},
	}
	for {
		r.mu.RLock()
		offset := r.cursor
		r.mu.RUnlock()

		err := r.opts.Client.Poll(ctx, offset, handlers)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			handlers.OnError(err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// HandleUpdate routes one update. Re-delivered updates are dropped.
func (r *Router) HandleUpdate(ctx context.Context, u botpoll.Update) {
	r.mu.Lock()
	if u.ID > r.cursor {
		r.cursor = u.ID
	}
	r.mu.Unlock()

	if r.opts.Dedupe.Seen(strconv.FormatInt(u.ID, 10)) {
		r.logger.Debug("dropping duplicate update", "update_id", u.ID)
		return
	}
	if u.Text == "" || u.ChatID == "" {
		return
	}

	tenantID, err := r.Owner(ctx, u.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		r.handleUnlinked(ctx, u)
		return
	}
	if err != nil {
		r.logger.Error("ownership lookup failed", "chat_id", u.ChatID, "error", err)
		return
	}
	r.deliver(ctx, tenantID, u)
}

func (r *Router) handleUnlinked(ctx context.Context, u botpoll.Update) {
	code, ok := startCode(u.Text)
	if !ok {
		r.opts.Metrics.Unrouted()
		r.reply(ctx, u.ChatID, r.opts.LinkReply)
		return
	}

	lc, err := r.opts.Store.ConsumeLinkCode(ctx, code)
	switch {
	case errors.Is(err, store.ErrLinkCodeExpired):
		r.reply(ctx, u.ChatID, expiredReply)
	case err != nil:
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("consuming link code failed", "error", err)
		}
		r.opts.Metrics.Unrouted()
		r.reply(ctx, u.ChatID, r.opts.LinkReply)
	default:
		if err := r.LinkUser(ctx, lc.TenantID, u.ChatID); err != nil {
			r.logger.Error("linking chat failed", "tenant_id", lc.TenantID, "chat_id", u.ChatID, "error", err)
			return
		}
		r.reply(ctx, u.ChatID, linkedReply)
	}
}

// startCode extracts the payload of a "/start <code>" command.
func startCode(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return "", false
	}
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd != "/start" {
		return "", false
	}
	return fields[1], true
}

// reply sends an unpersisted service message to an external chat.
func (r *Router) reply(ctx context.Context, chatID, text string) {
	if _, err := r.opts.Client.SendMessage(ctx, chatID, text); err != nil {
		r.logger.Warn("failed to send service reply", "chat_id", chatID, "error", err)
	}
}

func (r *Router) deliver(ctx context.Context, tenantID string, u botpoll.Update) {
	thread, err := r.saveThread(ctx, tenantID, u.ChatID, u.DisplayName())
	if err != nil {
		r.logger.Error("failed to save thread", "tenant_id", tenantID, "error", err)
		return
	}
	msg := &store.Message{
		ID:        botpoll.MessageID(u.ChatID, u.MessageID),
		Text:      u.Text,
		Sender:    u.Sender,
		Direction: store.DirectionInbound,
		Status:    store.DeliveryReceived,
		Timestamp: u.Timestamp,
	}
	if err := r.persist(ctx, tenantID, thread, msg); err != nil {
		r.logger.Error("failed to persist shared message", "tenant_id", tenantID, "error", err)
		return
	}

	if r.opts.Replier == nil {
		return
	}
	text, ok, err := r.opts.Replier.Reply(ctx, tenantID, thread, msg)
	if err != nil {
		r.logger.Warn("auto-reply failed", "tenant_id", tenantID, "error", err)
		return
	}
	if !ok {
		return
	}
	if _, err := r.send(ctx, tenantID, thread, text); err != nil {
		r.logger.Warn("failed to send auto-reply", "tenant_id", tenantID, "error", err)
	}
}

func (r *Router) saveThread(ctx context.Context, tenantID, chatID, name string) (*store.Thread, error) {
	thread := &store.Thread{
		ID:         store.ThreadID(store.PlatformTelegramShared, chatID),
		Platform:   store.PlatformTelegramShared,
		ExternalID: chatID,
		Name:       name,
		Avatar:     store.Initials(name),
	}
	if err := r.opts.Store.SaveThread(ctx, tenantID, thread, true); err != nil {
		return nil, err
	}
	return thread, nil
}

func (r *Router) persist(ctx context.Context, tenantID string, thread *store.Thread, msg *store.Message) error {
	if err := r.opts.Store.SaveMessage(ctx, tenantID, thread.ID, msg); err != nil {
		return err
	}
	r.opts.Metrics.MessagePersisted(store.PlatformTelegramShared, string(msg.Direction))
	r.opts.Sink.Publish(tenantID, session.EventMessage, session.MessageEvent{
		Platform: store.PlatformTelegramShared,
		Thread:   thread,
		Message:  msg,
	})
	return nil
}

func (r *Router) send(ctx context.Context, tenantID string, thread *store.Thread, text string) (*store.Message, error) {
	id, err := r.opts.Client.SendMessage(ctx, thread.ExternalID, text)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	msg := &store.Message{
		ID:        id,
		Text:      text,
		Sender:    "me",
		Direction: store.DirectionOutbound,
		Status:    store.DeliverySent,
	}
	if err := r.persist(ctx, tenantID, thread, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	return msg, nil
}

// Send delivers text to a conversation the tenant owns.
func (r *Router) Send(ctx context.Context, tenantID, chatID, text string) (*store.Message, error) {
	owner, err := r.Owner(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner != tenantID) {
		return nil, ErrNotOwner
	}
	if err != nil {
		return nil, err
	}
	thread, err := r.saveThread(ctx, tenantID, chatID, "")
	if err != nil {
		return nil, fmt.Errorf("saving thread: %w", err)
	}
	return r.send(ctx, tenantID, thread, text)
}

// Owner returns the tenant owning an external chat, consulting the store
// and repopulating the cache on a miss.
func (r *Router) Owner(ctx context.Context, chatID string) (string, error) {
	r.mu.RLock()
	tenantID, ok := r.owners[chatID]
	r.mu.RUnlock()
	if ok {
		return tenantID, nil
	}

	tenantID, err := r.opts.Store.GetOwner(ctx, chatID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.owners[chatID] = tenantID
	r.mu.Unlock()
	return tenantID, nil
}

// LinkUser gives tenantID ownership of chatID, replacing any previous owner.
func (r *Router) LinkUser(ctx context.Context, tenantID, chatID string) error {
	previous, err := r.Owner(ctx, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("looking up owner: %w", err)
	}

	if err := r.opts.Store.SetOwner(ctx, chatID, tenantID); err != nil {
		return fmt.Errorf("saving owner: %w", err)
	}
	r.mu.Lock()
	r.owners[chatID] = tenantID
	r.mu.Unlock()

	fields := map[string]string{
		"state":             string(session.StateReady),
		FieldExternalChatID: chatID,
	}
	if err := r.opts.Store.SetConnection(ctx, tenantID, store.PlatformTelegramShared, fields, true); err != nil {
		return fmt.Errorf("saving connection: %w", err)
	}
	r.publishState(tenantID, session.StateReady, "")
	r.logger.Info("chat linked", "tenant_id", tenantID, "chat_id", chatID)

	if previous != "" && previous != tenantID {
		r.releaseIfEmpty(ctx, previous)
	}
	return nil
}

// releaseIfEmpty drops the shared connection of a tenant that lost its last chat.
func (r *Router) releaseIfEmpty(ctx context.Context, tenantID string) {
	owned, err := r.opts.Store.ListOwned(ctx, tenantID)
	if err != nil || len(owned) > 0 {
		return
	}
	if err := r.opts.Store.DeleteConnection(ctx, tenantID, store.PlatformTelegramShared); err != nil {
		r.logger.Warn("failed to delete connection", "tenant_id", tenantID, "error", err)
	}
	r.publishState(tenantID, session.StateIdle, "relinked")
}

// UnlinkUser removes every conversation the tenant owns.
func (r *Router) UnlinkUser(ctx context.Context, tenantID string) error {
	ids := make(map[string]struct{})

	r.mu.RLock()
	for chatID, owner := range r.owners {
		if owner == tenantID {
			ids[chatID] = struct{}{}
		}
	}
	r.mu.RUnlock()

	stored, err := r.opts.Store.ListOwned(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing owned chats: %w", err)
	}
	for _, chatID := range stored {
		ids[chatID] = struct{}{}
	}

	var errs []error
	for chatID := range ids {
		if err := r.opts.Store.DeleteOwner(ctx, chatID); err != nil {
			errs = append(errs, fmt.Errorf("deleting owner of %s: %w", chatID, err))
			continue
		}
		r.mu.Lock()
		if r.owners[chatID] == tenantID {
			delete(r.owners, chatID)
		}
		r.mu.Unlock()
	}
	if err := r.opts.Store.DeleteConnection(ctx, tenantID, store.PlatformTelegramShared); err != nil {
		errs = append(errs, fmt.Errorf("deleting connection: %w", err))
	}
	r.publishState(tenantID, session.StateIdle, "unlinked")
	return errors.Join(errs...)
}

// IssueLinkCode creates a code the tenant can hand to an external user.
func (r *Router) IssueLinkCode(ctx context.Context, tenantID string) (*LinkCode, error) {
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	expires := time.Now().Add(r.opts.LinkCodeTTL).UTC()

	if err := r.opts.Store.CreateLinkCode(ctx, &store.LinkCode{
		Code:      code,
		TenantID:  tenantID,
		ExpiresAt: expires,
	}); err != nil {
		return nil, fmt.Errorf("saving link code: %w", err)
	}

	lc := &LinkCode{Code: code, ExpiresAt: expires}
	if id := r.Identity(); id != nil && id.Username != "" {
		lc.DeepLink = "https://t.me/" + id.Username + "?start=" + code
	}
	return lc, nil
}

// State reports a tenant's shared bot state: ready once it owns a chat.
func (r *Router) State(ctx context.Context, tenantID string) session.State {
	rec, err := r.opts.Store.GetConnection(ctx, tenantID, store.PlatformTelegramShared)
	if err != nil {
		return session.StateIdle
	}
	return session.State(rec.Get("state"))
}

func (r *Router) publishState(tenantID string, state session.State, reason string) {
	r.opts.Sink.Publish(tenantID, session.EventState, session.StateEvent{
		Platform: store.PlatformTelegramShared,
		State:    state,
		Reason:   reason,
	})
}
