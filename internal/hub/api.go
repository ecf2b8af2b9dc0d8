// ABOUTME: HTTP API handlers for tenant connector control, sending and inbox reads
// ABOUTME: Every /api route runs behind JWT auth that binds the request to one tenant

package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/autoreply"
	"github.com/2389/switchboard/internal/realtime"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// DefaultConversationLimit caps GET /api/browser/conversations when no limit is given.
const DefaultConversationLimit = 50

// SendRequest is the JSON body of every send endpoint.
type SendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// BotStartRequest is the JSON body for POST /api/bot/start.
type BotStartRequest struct {
	Token string `json:"token"`
}

// AutoReplyRequest is the JSON body for PUT /api/autoreply.
type AutoReplyRequest struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template"`
}

// StateResponse is the JSON response for connector state reads.
type StateResponse struct {
	Browser session.State `json:"browser"`
	Bot     session.State `json:"bot"`
	Shared  session.State `json:"shared,omitempty"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status   string                              `json:"status"`
	Sessions map[string]map[string]session.State `json:"sessions"`
}

var (
	errBrowserDisabled = errors.New("browser connector disabled")
	errSharedDisabled  = errors.New("shared bot disabled")
)

func (h *Hub) registerRoutes(mux *http.ServeMux) {
	authed := auth.Middleware(h.verifier)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authed(fn))
	}

	// Health and metrics - no auth required
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.config.Metrics.Enabled {
		mux.Handle("GET "+h.config.Metrics.Path, h.metrics.Handler())
	}

	handle("POST /api/browser/start", h.handleBrowserStart)
	handle("POST /api/browser/reset", h.handleBrowserReset)
	handle("POST /api/browser/send", h.handleBrowserSend)
	handle("GET /api/browser/conversations", h.handleBrowserConversations)

	handle("POST /api/bot/start", h.handleBotStart)
	handle("POST /api/bot/stop", h.handleBotStop)
	handle("POST /api/bot/send", h.handleBotSend)

	handle("POST /api/shared/link-code", h.handleLinkCode)
	handle("DELETE /api/shared/link", h.handleUnlink)
	handle("POST /api/shared/send", h.handleSharedSend)

	handle("GET /api/autoreply", h.handleGetAutoReply)
	handle("PUT /api/autoreply", h.handleSetAutoReply)
	handle("GET /api/inbox", h.handleInbox)
	handle("GET /api/state", h.handleState)

	mux.Handle("GET /ws", authed(realtime.NewHandler(h.events, auth.TenantFromRequest, h.logger)))
}

// tenant returns the tenant bound by the auth middleware.
func tenant(r *http.Request) string {
	id, _ := auth.TenantFromRequest(r)
	return id
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Sessions: map[string]map[string]session.State{
			h.browsers.Name(): h.browsers.ListStates(),
			h.bots.Name():     h.bots.ListStates(),
		},
	})
}

func (h *Hub) handleBrowserStart(w http.ResponseWriter, r *http.Request) {
	if !h.config.Browser.Enabled {
		h.sendJSONError(w, http.StatusServiceUnavailable, errBrowserDisabled.Error())
		return
	}
	c := h.browsers.Get(tenant(r))
	if err := c.Start(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]session.State{"state": c.State()})
}

// handleBrowserReset resets even when no connector is live, so a stale
// persisted record is still removed.
func (h *Hub) handleBrowserReset(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	h.browsers.Get(tenantID)
	if err := h.browsers.Reset(r.Context(), tenantID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]session.State{"state": session.StateIdle})
}

func (h *Hub) handleBrowserSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok := h.browsers.Lookup(tenant(r))
	if !ok {
		h.writeError(w, session.ErrNotReady)
		return
	}
	msg, err := c.SendMessage(r.Context(), req.ChatID, req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Hub) handleBrowserConversations(w http.ResponseWriter, r *http.Request) {
	limit := DefaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	c, ok := h.browsers.Lookup(tenant(r))
	if !ok {
		h.writeError(w, session.ErrNotReady)
		return
	}
	convs, err := c.FetchConversations(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Hub) handleBotStart(w http.ResponseWriter, r *http.Request) {
	var req BotStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		h.sendJSONError(w, http.StatusBadRequest, "token is required")
		return
	}
	c := h.bots.Get(tenant(r))
	if err := c.Start(r.Context(), req.Token); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    c.State(),
		"identity": c.Identity(),
	})
}

func (h *Hub) handleBotStop(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	h.bots.Get(tenantID)
	if err := h.bots.Reset(r.Context(), tenantID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]session.State{"state": session.StateIdle})
}

func (h *Hub) handleBotSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok := h.bots.Lookup(tenant(r))
	if !ok {
		h.writeError(w, session.ErrNotReady)
		return
	}
	msg, err := c.SendMessage(r.Context(), req.ChatID, req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Hub) handleLinkCode(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		h.sendJSONError(w, http.StatusServiceUnavailable, errSharedDisabled.Error())
		return
	}
	lc, err := h.router.IssueLinkCode(r.Context(), tenant(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lc)
}

func (h *Hub) handleUnlink(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		h.sendJSONError(w, http.StatusServiceUnavailable, errSharedDisabled.Error())
		return
	}
	if err := h.router.UnlinkUser(r.Context(), tenant(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleSharedSend(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		h.sendJSONError(w, http.StatusServiceUnavailable, errSharedDisabled.Error())
		return
	}
	req, err := parseSendRequest(r.Body)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := h.router.Send(r.Context(), tenant(r), req.ChatID, req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Hub) handleGetAutoReply(w http.ResponseWriter, r *http.Request) {
	ar, err := h.store.GetAutoReply(r.Context(), tenant(r))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, &store.AutoReply{})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

func (h *Hub) handleSetAutoReply(w http.ResponseWriter, r *http.Request) {
	var req AutoReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled {
		if err := autoreply.Validate(req.Template); err != nil {
			h.sendJSONError(w, http.StatusBadRequest, "invalid template: "+err.Error())
			return
		}
	}
	ar := &store.AutoReply{
		TenantID: tenant(r),
		Enabled:  req.Enabled,
		Template: req.Template,
	}
	if err := h.store.SetAutoReply(r.Context(), ar); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

func (h *Hub) handleInbox(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	switch platform {
	case "", store.PlatformWhatsApp, store.PlatformTelegram, store.PlatformTelegramShared:
	default:
		h.sendJSONError(w, http.StatusBadRequest, "unknown platform: "+platform)
		return
	}
	threads, err := h.store.GetInbox(r.Context(), tenant(r), platform)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (h *Hub) handleState(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	resp := StateResponse{Browser: session.StateIdle, Bot: session.StateIdle}
	if c, ok := h.browsers.Lookup(tenantID); ok {
		resp.Browser = c.State()
	}
	if c, ok := h.bots.Lookup(tenantID); ok {
		resp.Bot = c.State()
	}
	if h.router != nil {
		resp.Shared = h.router.State(r.Context(), tenantID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrResourceConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrCredentialInvalid):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Hub) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.sendJSONError(w, status, err.Error())
}

// sendJSONError writes a JSON error response.
func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseSendRequest parses and validates a SendRequest.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.ChatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if req.Text == "" {
		return nil, errors.New("text is required")
	}
	return &req, nil
}
