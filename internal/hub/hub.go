// ABOUTME: Hub orchestrator that wires the store, connectors, router and HTTP server
// ABOUTME: Restores persisted sessions on start and closes every session on shutdown

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/autoreply"
	"github.com/2389/switchboard/internal/botpoll"
	"github.com/2389/switchboard/internal/browser"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/realtime"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/secrets"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// Hub owns every long-lived component of the process.
type Hub struct {
	config *config.Config
	store  store.Store
	events *realtime.Hub
	logger *slog.Logger

	browsers *session.Registry[*browser.Connector]
	bots     *session.Registry[*botpoll.Connector]

	// router is nil when the shared bot is disabled.
	router  *router.Router
	dedupe  *dedupe.Cache
	replier *autoreply.Template

	metrics  *metrics.Metrics
	verifier *auth.JWTVerifier
	sealer   *secrets.Sealer

	mux        *http.ServeMux
	httpServer *http.Server

	routerCancel context.CancelFunc
	routerDone   chan struct{}
	closeOnce    sync.Once
}

// deps are the pieces New builds for production and tests replace.
type deps struct {
	store          store.Store
	browserFactory browser.ClientFactory
	botFactory     botpoll.ClientFactory
	killOrphans    func(ctx context.Context, profileDir string) error
}

// initStore opens the SQLite database named in the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Hub with production clients.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	h, err := newHub(cfg, deps{
		store: s,
		browserFactory: browser.NewRodFactory(browser.RodOptions{
			Bin:           cfg.Browser.Binary,
			Headless:      cfg.Browser.Headless,
			WebURL:        cfg.Browser.WebURL,
			ProbeInterval: cfg.Browser.ProbeInterval,
			Logger:        logger,
		}),
		botFactory: botpoll.NewTelegramFactory(botpoll.TelegramOptions{
			ServerURL:   cfg.Bot.APIURL,
			PollTimeout: cfg.Bot.PollTimeout,
		}),
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return h, nil
}

func newHub(cfg *config.Config, d deps, logger *slog.Logger) (*Hub, error) {
	sealer, err := secrets.NewSealer([]byte(cfg.Auth.SealSecret))
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	h := &Hub{
		config:   cfg,
		store:    d.store,
		events:   realtime.NewHub(logger),
		logger:   logger.With("component", "hub"),
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer),
		sealer:   sealer,
		replier:  autoreply.NewTemplate(d.store, logger),
	}

	// Connectors read h.metrics when they are created, which is always after
	// metrics.New below has run.
	h.browsers = session.NewRegistry("browser", func(tenantID string) *browser.Connector {
		return browser.NewConnector(browser.Options{
			TenantID:         tenantID,
			ProfileRoot:      cfg.Browser.ProfileDir,
			Factory:          d.browserFactory,
			Store:            h.store,
			Sink:             h.events,
			Metrics:          h.metrics,
			Logger:           logger,
			ChallengeTimeout: cfg.Browser.ChallengeTimeout,
			LockRetryDelay:   cfg.Browser.LockRetryDelay,
			FetchConcurrency: cfg.Browser.FetchConcurrency,
			KillOrphans:      d.killOrphans,
		})
	}, logger)
	h.bots = session.NewRegistry("bot", func(tenantID string) *botpoll.Connector {
		return botpoll.NewConnector(botpoll.Options{
			TenantID:     tenantID,
			Platform:     store.PlatformTelegram,
			Factory:      d.botFactory,
			Store:        h.store,
			Sink:         h.events,
			Sealer:       h.sealer,
			Metrics:      h.metrics,
			Logger:       logger,
			PollInterval: cfg.Bot.PollInterval,
		})
	}, logger)

	h.metrics = metrics.New(h.browsers, h.bots)
	h.events.OnDrop(h.metrics.EventDropped)

	if cfg.Shared.Enabled {
		client, err := d.botFactory(cfg.Shared.BotToken)
		if err != nil {
			return nil, fmt.Errorf("creating shared bot client: %w", err)
		}
		h.dedupe = dedupe.New(cfg.Shared.DedupeTTL, cfg.Shared.DedupeSize, time.Minute)
		h.router = router.New(router.Options{
			Client:       client,
			Store:        h.store,
			Sink:         h.events,
			Dedupe:       h.dedupe,
			Replier:      h.replier,
			Metrics:      h.metrics,
			Logger:       logger,
			LinkReply:    cfg.Shared.LinkReply,
			LinkCodeTTL:  cfg.Shared.LinkCodeTTL,
			PollInterval: cfg.Bot.PollInterval,
		})
	}

	h.mux = http.NewServeMux()
	h.registerRoutes(h.mux)
	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// Handler returns the HTTP handler serving the API.
func (h *Hub) Handler() http.Handler {
	return h.mux
}

// Restore brings persisted sessions back. Failures are logged, never fatal.
func (h *Hub) Restore(ctx context.Context) {
	if h.config.Browser.Enabled && h.config.Browser.RestoreOnStart {
		n, err := browser.RestoreAll(ctx, h.store, h.browsers, h.logger)
		if err != nil {
			h.logger.Error("restoring browser sessions", "error", err)
		}
		h.logger.Info("browser sessions restoring", "count", n)
	}

	n, err := botpoll.RestoreAll(ctx, h.store, store.PlatformTelegram, h.bots, h.logger)
	if err != nil {
		h.logger.Error("restoring bot sessions", "error", err)
	}
	h.logger.Info("bot sessions restored", "count", n)
}

// startRouter runs the shared bot until Shutdown.
func (h *Hub) startRouter() {
	if h.router == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.routerCancel = cancel
	h.routerDone = make(chan struct{})
	go func() {
		defer close(h.routerDone)
		if err := h.router.Run(ctx); err != nil {
			h.logger.Error("shared bot stopped", "error", err)
		}
	}()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (h *Hub) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := h.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run restores sessions, starts the servers and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	h.Restore(ctx)
	h.startRouter()
	errCh := h.startServer(ln)

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		h.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := h.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context, since the run context
// is already canceled.
func (h *Hub) gracefulShutdown() error {
	timeout := h.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Shutdown(ctx)
}

// Shutdown stops the HTTP server, closes every session and the store.
// Persisted records survive so the next start can restore them.
func (h *Hub) Shutdown(ctx context.Context) error {
	var errs []error
	h.closeOnce.Do(func() {
		h.logger.Info("shutting down hub")

		errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))

		if h.routerCancel != nil {
			h.routerCancel()
			select {
			case <-h.routerDone:
			case <-ctx.Done():
			}
		}

		errs = appendCloseError(errs, "browser sessions", h.browsers.Shutdown(ctx))
		errs = appendCloseError(errs, "bot sessions", h.bots.Shutdown(ctx))

		h.events.Close()
		if h.dedupe != nil {
			h.dedupe.Close()
		}
		errs = appendCloseError(errs, "store close", h.store.Close())
	})
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func appendCloseError(errs []error, what string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", what, err))
	}
	return errs
}
