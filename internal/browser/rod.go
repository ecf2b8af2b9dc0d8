// ABOUTME: Production Client driving a real browser over the DevTools protocol with go-rod
// ABOUTME: Page state is polled through an embedded probe script that also queues new messages

package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

//go:embed probe.js
var probeJS string

// DefaultWebURL is the web client the browser opens.
const DefaultWebURL = "https://web.whatsapp.com"

// probeFailureLimit is how many consecutive probe errors mark the page lost.
const probeFailureLimit = 5

// launchFlags are passed to every browser process.
var launchFlags = []string{
	"no-sandbox",
	"disable-gpu",
	"disable-dev-shm-usage",
	"disable-extensions",
	"no-first-run",
	"no-default-browser-check",
	"disable-background-networking",
}

// RodOptions configures the go-rod backed client.
type RodOptions struct {
	// Bin is the browser executable. Empty means locate one.
	Bin           string
	Headless      bool
	WebURL        string
	ProbeInterval time.Duration
	Logger        *slog.Logger
}

// NewRodFactory returns a ClientFactory producing go-rod clients.
func NewRodFactory(opts RodOptions) ClientFactory {
	if opts.WebURL == "" {
		opts.WebURL = DefaultWebURL
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(tenantID, profileDir string, h Handlers) (Client, error) {
		return &rodClient{
			opts:       opts,
			profileDir: profileDir,
			handlers:   h,
			logger:     opts.Logger.With("component", "rod", "tenant_id", tenantID),
		}, nil
	}
}

type rodClient struct {
	opts       RodOptions
	profileDir string
	handlers   Handlers
	logger     *slog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	cancel   context.CancelFunc
}

// probeStatus is what the probe returns for the "status" command.
type probeStatus struct {
	State    string        `json:"state"`
	QR       string        `json:"qr"`
	Messages []WireMessage `json:"messages"`
}

func (c *rodClient) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(c.profileDir, 0o700); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}

	l := launcher.New().
		Headless(c.opts.Headless).
		UserDataDir(c.profileDir)
	if bin := LocateBrowser(c.opts.Bin); bin != "" {
		l = l.Bin(bin)
	}
	for _, f := range launchFlags {
		l = l.Set(flags.Flag(f))
	}

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connecting to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: c.opts.WebURL})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("opening %s: %w", c.opts.WebURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("loading %s: %w", c.opts.WebURL, err)
	}

	probeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.launcher = l
	c.browser = browser
	c.page = page
	c.cancel = cancel
	c.mu.Unlock()

	go c.probeLoop(probeCtx)
	return nil
}

func (c *rodClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	l, browser, cancel := c.launcher, c.browser, c.cancel
	c.launcher, c.browser, c.page, c.cancel = nil, nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if browser != nil {
		err = browser.Close()
	}
	if l != nil {
		l.Kill()
	}
	return err
}

// call runs a probe command and decodes its result into out.
func (c *rodClient) call(ctx context.Context, out any, cmd string, args ...any) error {
	c.mu.Lock()
	page := c.page
	c.mu.Unlock()
	if page == nil {
		return errors.New("browser page not open")
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           probeJS,
		JSArgs:       append([]any{cmd}, args...),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return fmt.Errorf("probe %s: %w", cmd, err)
	}
	if out == nil || res == nil || res.Value.Nil() {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("probe %s: %w", cmd, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding probe %s result: %w", cmd, err)
	}
	return nil
}

// probeLoop translates page state changes into handler calls.
func (c *rodClient) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	var (
		last     string
		lastQR   string
		authed   bool
		failures int
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var st probeStatus
		if err := c.call(ctx, &st, "status"); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Debug("probe failed", "failures", failures, "error", err)
			if failures >= probeFailureLimit {
				emit(c.handlers.OnDisconnected, err.Error())
				return
			}
			continue
		}
		failures = 0

		switch st.State {
		case "challenge":
			if st.QR != "" && st.QR != lastQR {
				lastQR = st.QR
				emit(c.handlers.OnChallenge, st.QR)
			}
		case "authenticating":
			if !authed {
				authed = true
				emitNoArg(c.handlers.OnAuthenticated)
			}
		case "ready":
			if !authed {
				authed = true
				emitNoArg(c.handlers.OnAuthenticated)
			}
			if last != "ready" {
				emitNoArg(c.handlers.OnReady)
			}
		case "logged_out":
			if authed {
				emit(c.handlers.OnDisconnected, "logged out")
			} else {
				emit(c.handlers.OnAuthFailure, "logged out")
			}
			return
		}
		last = st.State

		if c.handlers.OnMessage != nil {
			for _, m := range st.Messages {
				c.handlers.OnMessage(m)
			}
		}
	}
}

func emit(fn func(string), arg string) {
	if fn != nil {
		fn(arg)
	}
}

func emitNoArg(fn func()) {
	if fn != nil {
		fn()
	}
}

func (c *rodClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	var id string
	if err := c.call(ctx, &id, "send", chatID, text); err != nil {
		return "", err
	}
	return id, nil
}

func (c *rodClient) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	var chats []Chat
	if err := c.call(ctx, &chats, "chats", limit); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *rodClient) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var chat Chat
	err := c.call(ctx, &chat, "chat", chatID)
	return chat, err
}

func (c *rodClient) FetchMessages(ctx context.Context, chatID string, limit int) ([]WireMessage, error) {
	var msgs []WireMessage
	if err := c.call(ctx, &msgs, "messages", chatID, limit); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *rodClient) ResolveContact(ctx context.Context, id string) (Contact, error) {
	var contact Contact
	err := c.call(ctx, &contact, "contact", id)
	return contact, err
}
