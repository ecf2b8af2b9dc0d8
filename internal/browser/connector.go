// ABOUTME: Per-tenant browser-session connector driving a Client through the session states
// ABOUTME: Handles challenge display, stale profile locks, inbound persistence and sends

package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultChallengeTimeout = 3 * time.Minute
	DefaultLockRetryDelay   = 2 * time.Second
	DefaultFetchConcurrency = 4

	lockAttempts = 2
)

// Options configures a Connector.
type Options struct {
	TenantID string
	// ProfileRoot holds one profile directory per tenant.
	ProfileRoot string
	Factory     ClientFactory
	Store       store.Store
	Sink        session.Sink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	ChallengeTimeout time.Duration
	LockRetryDelay   time.Duration
	FetchConcurrency int

	// KillOrphans terminates browsers left holding a profile directory.
	// Defaults to KillOrphans.
	KillOrphans func(ctx context.Context, profileDir string) error
}

// QREvent is the payload of a "qr" event.
type QREvent struct {
	Platform string `json:"platform"`
	QR       string `json:"qr"`
	// Format is "png" for a data URL or "raw" when rendering failed.
	Format string `json:"format"`
}

// Connector owns one tenant's browser session.
type Connector struct {
	machine *session.Machine
	opts    Options
	logger  *slog.Logger

	mu           sync.Mutex
	client       Client
	initializing bool
	generation   uint64
	challenge    *QREvent
	challengedAt time.Time
	challengeTTL *time.Timer
}

// NewConnector creates an idle connector.
func NewConnector(opts Options) *Connector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChallengeTimeout <= 0 {
		opts.ChallengeTimeout = DefaultChallengeTimeout
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = DefaultLockRetryDelay
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	if opts.KillOrphans == nil {
		opts.KillOrphans = KillOrphans
	}

	logger := opts.Logger.With("component", "browser", "tenant_id", opts.TenantID)
	return &Connector{
		machine: session.NewMachine(opts.TenantID, store.PlatformWhatsApp, opts.Sink, logger),
		opts:    opts,
		logger:  logger,
	}
}

// State returns the session state.
func (c *Connector) State() session.State {
	return c.machine.State()
}

// ProfileDir returns the tenant's browser profile directory.
func (c *Connector) ProfileDir() string {
	return filepath.Join(c.opts.ProfileRoot, c.opts.TenantID)
}

// Start begins a new session. It returns once "connecting" is published;
// the client initializes in the background. Calling Start while a session
// is initializing or live re-publishes the current state and any pending
// challenge instead.
func (c *Connector) Start(ctx context.Context) error {
	return c.start(ctx, session.StateConnecting)
}

// Restore begins a session expected to reuse a stored profile.
func (c *Connector) Restore(ctx context.Context) error {
	return c.start(ctx, session.StateRestoring)
}

func (c *Connector) start(ctx context.Context, mode session.State) error {
	c.mu.Lock()
	if c.initializing || c.client != nil {
		pending := c.challenge
		c.mu.Unlock()

		c.machine.Announce()
		if pending != nil {
			c.machine.Publish(session.EventQR, *pending)
		}
		return nil
	}
	c.initializing = true
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	if err := c.machine.Transition(mode, ""); err != nil {
		c.mu.Lock()
		c.initializing = false
		c.mu.Unlock()
		return err
	}

	go c.initialize(context.WithoutCancel(ctx), gen)
	return nil
}

func (c *Connector) initialize(ctx context.Context, gen uint64) {
	profileDir := c.ProfileDir()

	for attempt := 1; ; attempt++ {
		err := c.launch(ctx, gen, profileDir)
		if err == nil {
			return
		}
		if !c.current(gen) {
			return
		}

		if isProfileLocked(err) {
			if attempt < lockAttempts {
				c.logger.Warn("browser profile locked, killing orphans and retrying",
					"profile", profileDir, "attempt", attempt, "error", err)
				if kerr := c.opts.KillOrphans(ctx, profileDir); kerr != nil {
					c.logger.Warn("failed to kill orphaned browsers", "error", kerr)
				}
				time.Sleep(c.opts.LockRetryDelay)
				continue
			}
			err = fmt.Errorf("%w: %v", session.ErrResourceConflict, err)
		}

		c.logger.Error("browser session failed to start", "attempt", attempt, "error", err)
		c.mu.Lock()
		c.initializing = false
		c.mu.Unlock()
		c.fail(gen, err.Error())
		return
	}
}

// launch builds and initializes one client. On failure the client is
// destroyed and detached.
func (c *Connector) launch(ctx context.Context, gen uint64, profileDir string) error {
	client, err := c.opts.Factory(c.opts.TenantID, profileDir, c.handlers(gen))
	if err != nil {
		return fmt.Errorf("creating browser client: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = client.Destroy(ctx)
		return nil
	}
	c.client = client
	c.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		c.detach(client)
		if derr := client.Destroy(ctx); derr != nil {
			c.logger.Debug("destroying failed client", "error", derr)
		}
		return fmt.Errorf("initializing browser client: %w", err)
	}
	return nil
}

func (c *Connector) handlers(gen uint64) Handlers {
	return Handlers{
		OnChallenge: func(payload string) {
			c.guard(gen, "challenge", func() { c.onChallenge(gen, payload) })
		},
		OnAuthenticated: func() {
			c.guard(gen, "authenticated", func() { c.onAuthenticated(gen) })
		},
		OnReady: func() {
			c.guard(gen, "ready", func() { c.onReady(gen) })
		},
		OnAuthFailure: func(reason string) {
			c.guard(gen, "auth_failure", func() { c.onAuthFailure(gen, reason) })
		},
		OnDisconnected: func(reason string) {
			c.guard(gen, "disconnected", func() { c.onDisconnected(gen, reason) })
		},
		OnMessage: func(msg WireMessage) {
			c.guard(gen, "message", func() { c.onMessage(gen, msg) })
		},
	}
}

// guard runs a client callback. A panic about an expired challenge resets
// the session; any other panic moves it to error.
func (c *Connector) guard(gen uint64, name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		reason := fmt.Sprint(r)
		c.logger.Error("browser callback panicked", "callback", name, "panic", reason)

		lower := strings.ToLower(reason)
		if strings.Contains(lower, "timeout") && (strings.Contains(lower, "qr") || strings.Contains(lower, "challenge")) {
			if c.current(gen) {
				if err := c.Reset(context.Background()); err != nil {
					c.logger.Error("reset after challenge panic failed", "error", err)
				}
			}
			return
		}
		c.fail(gen, reason)
	}()

	if !c.current(gen) {
		return
	}
	fn()
}

func (c *Connector) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *Connector) currentClient() Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Connector) onChallenge(gen uint64, payload string) {
	event := QREvent{Platform: store.PlatformWhatsApp, QR: payload, Format: "raw"}
	if dataURL, err := RenderQR(payload); err != nil {
		c.logger.Warn("failed to render challenge, sending raw payload", "error", err)
	} else {
		event.QR = dataURL
		event.Format = "png"
	}

	if !c.current(gen) {
		return
	}
	// A challenge after authentication is dropped, never cached for replay.
	if err := c.machine.Transition(session.StateChallenge, ""); err != nil {
		c.logger.Warn("ignoring challenge in unexpected state", "error", err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.challenge = &event
	if c.challengedAt.IsZero() {
		c.challengedAt = time.Now()
		c.challengeTTL = time.AfterFunc(c.opts.ChallengeTimeout, func() { c.expire(gen) })
	}
	c.mu.Unlock()

	c.machine.Publish(session.EventQR, event)
}

// expire resets a session whose challenge went unanswered.
func (c *Connector) expire(gen uint64) {
	c.mu.Lock()
	stale := gen != c.generation || c.challengedAt.IsZero()
	c.mu.Unlock()
	if stale {
		return
	}

	c.logger.Warn("challenge expired without authentication", "timeout", c.opts.ChallengeTimeout)
	c.machine.Publish(session.EventError, session.NoticeEvent{
		Platform: store.PlatformWhatsApp,
		Reason:   session.ErrChallengeTimeout.Error(),
	})
	if err := c.Reset(context.Background()); err != nil {
		c.logger.Error("reset after challenge timeout failed", "error", err)
	}
}

// clearChallengeLocked drops the cached challenge and its timer. c.mu must be held.
func (c *Connector) clearChallengeLocked() {
	c.challenge = nil
	c.challengedAt = time.Time{}
	if c.challengeTTL != nil {
		c.challengeTTL.Stop()
		c.challengeTTL = nil
	}
}

func (c *Connector) onAuthenticated(gen uint64) {
	c.mu.Lock()
	c.clearChallengeLocked()
	c.mu.Unlock()

	if err := c.machine.Transition(session.StateAuthenticated, ""); err != nil {
		c.logger.Warn("authenticated in unexpected state", "error", err)
	}
}

func (c *Connector) onReady(gen uint64) {
	c.mu.Lock()
	c.initializing = false
	c.clearChallengeLocked()
	c.mu.Unlock()

	if c.machine.State() == session.StateChallenge {
		_ = c.machine.Transition(session.StateAuthenticated, "")
	}
	if err := c.machine.Transition(session.StateReady, ""); err != nil {
		c.logger.Warn("ready in unexpected state", "error", err)
		return
	}

	fields := map[string]string{
		"state":      string(session.StateReady),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.opts.Store.SetConnection(context.Background(), c.opts.TenantID, store.PlatformWhatsApp, fields, true); err != nil {
		c.logger.Error("failed to persist browser connection", "error", err)
	}
}

func (c *Connector) onAuthFailure(gen uint64, reason string) {
	c.logger.Warn("browser authentication failed", "reason", reason)
	c.teardown(gen)
	c.fail(gen, reason)
}

func (c *Connector) onDisconnected(gen uint64, reason string) {
	c.logger.Info("browser session disconnected", "reason", reason)
	if !c.teardown(gen) {
		return
	}
	if c.machine.State() != session.StateIdle {
		if err := c.machine.Transition(session.StateIdle, reason); err != nil {
			c.logger.Warn("disconnect in unexpected state", "error", err)
		}
	}
	c.machine.Publish(session.EventDisconnected, session.NoticeEvent{Platform: store.PlatformWhatsApp, Reason: reason})
}

// teardown detaches the generation's client and destroys it in the
// background, since callbacks run on the client's own goroutine.
func (c *Connector) teardown(gen uint64) bool {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return false
	}
	client := c.client
	c.client = nil
	c.initializing = false
	c.clearChallengeLocked()
	c.mu.Unlock()

	if client != nil {
		go func() {
			if err := client.Destroy(context.Background()); err != nil {
				c.logger.Debug("destroying disconnected client", "error", err)
			}
		}()
	}
	return true
}

func (c *Connector) fail(gen uint64, reason string) {
	if !c.current(gen) {
		return
	}
	if err := c.machine.Transition(session.StateError, reason); err != nil {
		c.logger.Warn("failed to enter error state", "error", err)
	}
	c.machine.Publish(session.EventError, session.NoticeEvent{Platform: store.PlatformWhatsApp, Reason: reason})
}

func (c *Connector) detach(client Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		c.client = nil
	}
}

func (c *Connector) onMessage(gen uint64, wire WireMessage) {
	client := c.currentClient()
	if client == nil {
		return
	}
	ctx := context.Background()

	thread, err := c.resolveThread(ctx, client, wire.ChatID)
	if err != nil {
		c.logger.Error("failed to save thread", "chat_id", wire.ChatID, "error", err)
		return
	}
	msg := c.toMessage(ctx, client, wire, nil)
	if err := c.persist(ctx, thread, msg); err != nil {
		c.logger.Error("failed to persist inbound message", "chat_id", wire.ChatID, "error", err)
	}
}

// resolveThread upserts the thread for a chat, naming it from the client.
func (c *Connector) resolveThread(ctx context.Context, client Client, chatID string) (*store.Thread, error) {
	name := chatID
	if chat, err := client.GetChat(ctx, chatID); err != nil {
		c.logger.Debug("failed to resolve chat", "chat_id", chatID, "error", err)
	} else if chat.Name != "" {
		name = chat.Name
	}
	return c.saveThread(ctx, chatID, name)
}

func (c *Connector) saveThread(ctx context.Context, chatID, name string) (*store.Thread, error) {
	thread := &store.Thread{
		ID:         store.ThreadID(store.PlatformWhatsApp, chatID),
		Platform:   store.PlatformWhatsApp,
		ExternalID: chatID,
		Name:       name,
		Avatar:     store.Initials(name),
	}
	if err := c.opts.Store.SaveThread(ctx, c.opts.TenantID, thread, true); err != nil {
		return nil, err
	}
	return thread, nil
}

// toMessage converts a wire message, resolving the sender's name. names
// caches lookups within one batch and may be nil.
func (c *Connector) toMessage(ctx context.Context, client Client, wire WireMessage, names map[string]string) *store.Message {
	msg := &store.Message{
		ID:        wire.ID,
		Text:      wire.Text,
		Timestamp: wire.Timestamp,
		Direction: store.DirectionInbound,
		Status:    store.DeliveryReceived,
	}
	if wire.FromMe {
		msg.Direction = store.DirectionOutbound
		msg.Status = store.DeliverySent
		msg.Sender = "me"
		return msg
	}

	if name, ok := names[wire.From]; ok {
		msg.Sender = name
		return msg
	}
	msg.Sender = wire.From
	if wire.From != "" {
		if contact, err := client.ResolveContact(ctx, wire.From); err != nil {
			c.logger.Debug("failed to resolve sender", "from", wire.From, "error", err)
		} else {
			msg.Sender = contact.DisplayName()
		}
	}
	if names != nil {
		names[wire.From] = msg.Sender
	}
	return msg
}

func (c *Connector) persist(ctx context.Context, thread *store.Thread, msg *store.Message) error {
	if err := c.opts.Store.SaveMessage(ctx, c.opts.TenantID, thread.ID, msg); err != nil {
		return err
	}
	c.opts.Metrics.MessagePersisted(store.PlatformWhatsApp, string(msg.Direction))
	c.machine.Publish(session.EventMessage, session.MessageEvent{
		Platform: store.PlatformWhatsApp,
		Thread:   thread,
		Message:  msg,
	})
	return nil
}

// SendMessage sends text to a chat and records it as outbound.
func (c *Connector) SendMessage(ctx context.Context, chatID, text string) (*store.Message, error) {
	if err := c.machine.RequireReady(); err != nil {
		return nil, err
	}
	client := c.currentClient()
	if client == nil {
		return nil, session.ErrNotReady
	}

	id, err := client.SendMessage(ctx, chatID, text)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	thread, err := c.saveThread(ctx, chatID, "")
	if err != nil {
		return nil, fmt.Errorf("saving thread: %w", err)
	}
	msg := &store.Message{
		ID:        id,
		Text:      text,
		Sender:    "me",
		Direction: store.DirectionOutbound,
		Status:    store.DeliverySent,
	}
	if err := c.persist(ctx, thread, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	return msg, nil
}

// Reset destroys the session and forgets its persisted record. It is
// idempotent.
func (c *Connector) Reset(ctx context.Context) error {
	c.release(ctx)

	if c.machine.State() != session.StateIdle {
		if err := c.machine.Transition(session.StateIdle, "reset"); err != nil {
			c.logger.Warn("reset in unexpected state", "error", err)
		}
	}

	var errs []error
	if err := c.opts.Store.DeleteConnection(ctx, c.opts.TenantID, store.PlatformWhatsApp); err != nil {
		errs = append(errs, fmt.Errorf("deleting connection record: %w", err))
	}
	c.machine.Publish(session.EventDisconnected, session.NoticeEvent{Platform: store.PlatformWhatsApp, Reason: "reset"})
	return errors.Join(errs...)
}

// Close destroys the live session but keeps its record for restore.
func (c *Connector) Close(ctx context.Context) error {
	c.release(ctx)
	if c.machine.State() != session.StateIdle {
		_ = c.machine.Transition(session.StateIdle, "shutdown")
	}
	return nil
}

// release invalidates callbacks from the current client and destroys it.
func (c *Connector) release(ctx context.Context) {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.initializing = false
	c.generation++
	c.clearChallengeLocked()
	c.mu.Unlock()

	if client == nil {
		return
	}
	if err := client.Destroy(ctx); err != nil {
		c.logger.Debug("destroying browser client", "error", err)
	}
}
