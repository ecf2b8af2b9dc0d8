// ABOUTME: Tests for the hub HTTP API and lifecycle using fake connector clients
// ABOUTME: Drives requests through the real mux, auth middleware and registries

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/botpoll"
	"github.com/2389/switchboard/internal/browser"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

type fakeBrowser struct {
	h browser.Handlers

	mu   sync.Mutex
	sent int
}

func (f *fakeBrowser) Initialize(ctx context.Context) error {
	f.h.OnReady()
	return nil
}

func (f *fakeBrowser) Destroy(ctx context.Context) error { return nil }

func (f *fakeBrowser) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return fmt.Sprintf("wa-%d", f.sent), nil
}

func (f *fakeBrowser) ListChats(ctx context.Context, limit int) ([]browser.Chat, error) {
	return []browser.Chat{{ID: "111@c.us", Name: "Dana"}}, nil
}

func (f *fakeBrowser) GetChat(ctx context.Context, chatID string) (browser.Chat, error) {
	return browser.Chat{ID: chatID, Name: "Dana"}, nil
}

func (f *fakeBrowser) FetchMessages(ctx context.Context, chatID string, limit int) ([]browser.WireMessage, error) {
	return []browser.WireMessage{{ID: "m1", ChatID: chatID, From: chatID, Text: "hey", Timestamp: time.Now()}}, nil
}

func (f *fakeBrowser) ResolveContact(ctx context.Context, id string) (browser.Contact, error) {
	return browser.Contact{ID: id, Name: "Dana"}, nil
}

type fakeBot struct{}

func (fakeBot) GetMe(ctx context.Context) (botpoll.Identity, error) {
	return botpoll.Identity{ID: 42, Username: "alice_bot", Name: "Alice Bot"}, nil
}

func (fakeBot) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	return botpoll.MessageID(chatID, 1), nil
}

func (fakeBot) Poll(ctx context.Context, offset int64, h botpoll.PollHandlers) error {
	<-ctx.Done()
	return nil
}

func botFactory(token string) (botpoll.Client, error) {
	if token == "bad-token" {
		return nil, errors.New("unauthorized")
	}
	return fakeBot{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = "test-secret-at-least-16"
	cfg.Auth.SealSecret = cfg.Auth.JWTSecret
	cfg.Browser.ProfileDir = t.TempDir()
	cfg.Bot.PollInterval = 10 * time.Millisecond
	cfg.Shared.Enabled = true
	cfg.Shared.BotToken = "shared-token"
	cfg.Shared.DedupeTTL = time.Minute
	cfg.Shared.LinkCodeTTL = time.Minute
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testHub struct {
	*Hub
	store *store.MockStore
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	ms := store.NewMockStore()
	h, err := newHub(testConfig(t), deps{
		store: ms,
		browserFactory: func(tenantID, profileDir string, h browser.Handlers) (browser.Client, error) {
			return &fakeBrowser{h: h}, nil
		},
		botFactory:  botFactory,
		killOrphans: func(context.Context, string) error { return nil },
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return &testHub{Hub: h, store: ms}
}

func (h *testHub) do(t *testing.T, tenantID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if tenantID != "" {
		token, err := h.verifier.Generate(tenantID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Contains(t, resp.Sessions, "browser")
	assert.Contains(t, resp.Sessions, "bot")
}

func TestMetrics_Served(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "switchboard_")
}

func TestAPI_RequiresToken(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "", http.MethodGet, "/api/state", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBrowser_StartSendAndInbox(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "alice", http.MethodPost, "/api/browser/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		c, ok := h.browsers.Lookup("alice")
		return ok && c.State() == session.StateReady
	}, 2*time.Second, 5*time.Millisecond)

	rec = h.do(t, "alice", http.MethodPost, "/api/browser/send", SendRequest{ChatID: "111@c.us", Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	msg := decode[store.Message](t, rec)
	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.Equal(t, "hi", msg.Text)

	rec = h.do(t, "alice", http.MethodGet, "/api/inbox?platform=whatsapp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	threads := decode[[]store.Thread](t, rec)
	require.Len(t, threads, 1)
	assert.Equal(t, "111@c.us", threads[0].ExternalID)

	// Another tenant sees nothing.
	rec = h.do(t, "bob", http.MethodGet, "/api/inbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]store.Thread](t, rec))
}

func TestBrowser_FetchConversations(t *testing.T) {
	h := newTestHub(t)
	h.do(t, "alice", http.MethodPost, "/api/browser/start", nil)
	require.Eventually(t, func() bool {
		c, ok := h.browsers.Lookup("alice")
		return ok && c.State() == session.StateReady
	}, 2*time.Second, 5*time.Millisecond)

	rec := h.do(t, "alice", http.MethodGet, "/api/browser/conversations?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	convs := decode[[]browser.Conversation](t, rec)
	require.Len(t, convs, 1)
	assert.Equal(t, "Dana", convs[0].Thread.Name)

	rec = h.do(t, "alice", http.MethodGet, "/api/browser/conversations?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrowser_SendBeforeReadyConflicts(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "alice", http.MethodPost, "/api/browser/send", SendRequest{ChatID: "111@c.us", Text: "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, h.store.Writes())
}

func TestBrowser_ResetRemovesRecordWithoutLiveSession(t *testing.T) {
	h := newTestHub(t)
	ctx := t.Context()
	require.NoError(t, h.store.SetConnection(ctx, "alice", store.PlatformWhatsApp, map[string]string{"state": "ready"}, false))

	rec := h.do(t, "alice", http.MethodPost, "/api/browser/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := h.store.GetConnection(ctx, "alice", store.PlatformWhatsApp)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, live := h.browsers.Lookup("alice")
	assert.False(t, live)
}

func TestBot_StartStop(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "alice", http.MethodPost, "/api/bot/start", BotStartRequest{Token: "good-token"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", body["state"])

	rec = h.do(t, "alice", http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[StateResponse](t, rec)
	assert.Equal(t, session.StateReady, state.Bot)
	assert.Equal(t, session.StateIdle, state.Browser)

	rec = h.do(t, "alice", http.MethodPost, "/api/bot/send", SendRequest{ChatID: "77", Text: "yo"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "alice", http.MethodPost, "/api/bot/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := h.store.GetConnection(t.Context(), "alice", store.PlatformTelegram)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBot_InvalidTokenIsBadRequest(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "alice", http.MethodPost, "/api/bot/start", BotStartRequest{Token: "bad-token"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "alice", http.MethodPost, "/api/bot/start", BotStartRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShared_LinkCodeAndOwnership(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "alice", http.MethodPost, "/api/shared/link-code", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	lc := decode[router.LinkCode](t, rec)
	assert.Len(t, lc.Code, 8)

	rec = h.do(t, "alice", http.MethodPost, "/api/shared/send", SendRequest{ChatID: "900", Text: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, h.router.LinkUser(t.Context(), "alice", "900"))
	rec = h.do(t, "alice", http.MethodPost, "/api/shared/send", SendRequest{ChatID: "900", Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "alice", http.MethodGet, "/api/state", nil)
	assert.Equal(t, session.StateReady, decode[StateResponse](t, rec).Shared)

	rec = h.do(t, "alice", http.MethodDelete, "/api/shared/link", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err := h.router.Owner(t.Context(), "900")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAutoReply_ValidatesTemplate(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "alice", http.MethodPut, "/api/autoreply", AutoReplyRequest{Enabled: true, Template: "{{.Broken"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "alice", http.MethodPut, "/api/autoreply", AutoReplyRequest{Enabled: true, Template: "Back soon, {{.Sender}}"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "alice", http.MethodGet, "/api/autoreply", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ar := decode[store.AutoReply](t, rec)
	assert.True(t, ar.Enabled)
	assert.Equal(t, "Back soon, {{.Sender}}", ar.Template)
}

func TestInbox_RejectsUnknownPlatform(t *testing.T) {
	h := newTestHub(t)

	rec := h.do(t, "alice", http.MethodGet, "/api/inbox?platform=fax", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShutdown_KeepsPersistedSessions(t *testing.T) {
	h := newTestHub(t)
	rec := h.do(t, "alice", http.MethodPost, "/api/bot/start", BotStartRequest{Token: "good-token"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, h.Shutdown(t.Context()))

	assert.Empty(t, h.bots.Tenants())
	conn, err := h.store.GetConnection(t.Context(), "alice", store.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, "good-token", mustOpen(t, h, conn.Get(botpoll.FieldToken)))

	// A second shutdown is a no-op.
	assert.NoError(t, h.Shutdown(t.Context()))
}

func TestRestore_ResumesBotSessions(t *testing.T) {
	h := newTestHub(t)
	ctx := t.Context()
	sealed, err := h.sealer.Seal("good-token")
	require.NoError(t, err)
	require.NoError(t, h.store.SetConnection(ctx, "carol", store.PlatformTelegram, map[string]string{
		botpoll.FieldState:  "ready",
		botpoll.FieldToken:  sealed,
		botpoll.FieldCursor: "12",
	}, false))

	h.Restore(ctx)

	c, ok := h.bots.Lookup("carol")
	require.True(t, ok)
	assert.Equal(t, session.StateReady, c.State())
	assert.Equal(t, int64(12), c.Cursor())
}

func mustOpen(t *testing.T, h *testHub, sealed string) string {
	t.Helper()
	plain, err := h.sealer.Open(sealed)
	require.NoError(t, err)
	return plain
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{session.ErrNotReady, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", session.ErrCredentialInvalid), http.StatusBadRequest},
		{router.ErrNotOwner, http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
