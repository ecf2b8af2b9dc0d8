// ABOUTME: Tests for the per-tenant event hub and websocket delivery
// ABOUTME: Covers isolation between tenants, drops for slow subscribers, cleanup and JSON frames

package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_DeliversToTenantOnly(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	alice, _ := h.Subscribe(t.Context(), "alice")
	bob, _ := h.Subscribe(t.Context(), "bob")

	h.Publish("alice", "state", map[string]string{"state": "ready"})

	evt := receive(t, alice)
	assert.Equal(t, "state", evt.Name)
	assert.False(t, evt.Time.IsZero())

	select {
	case evt := <-bob:
		t.Fatalf("bob received alice's event %q", evt.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_MultipleSubscribersSameTenant(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch1, _ := h.Subscribe(t.Context(), "alice")
	ch2, _ := h.Subscribe(t.Context(), "alice")

	h.Publish("alice", "message", nil)

	assert.Equal(t, "message", receive(t, ch1).Name)
	assert.Equal(t, "message", receive(t, ch2).Name)
}

func TestHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	assert.NotPanics(t, func() { h.Publish("nobody", "state", nil) })
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var dropped atomic.Int32
	h.OnDrop(func(string, string) { dropped.Add(1) })

	ch, _ := h.Subscribe(t.Context(), "alice")
	for range subscriberBufferSize + 3 {
		h.Publish("alice", "message", nil)
	}

	assert.Len(t, ch, subscriberBufferSize)
	assert.Equal(t, int32(3), dropped.Load())
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := h.Subscribe(ctx, "alice")
	require.Equal(t, 1, h.Subscribers("alice"))

	cancel()

	require.Eventually(t, func() bool { return h.Subscribers("alice") == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestHub_CloseClosesChannels(t *testing.T) {
	h := NewHub(nil)

	ch, _ := h.Subscribe(t.Context(), "alice")
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { h.Publish("alice", "state", nil) })

	late, _ := h.Subscribe(t.Context(), "alice")
	_, ok = <-late
	assert.False(t, ok)
}

func TestHandler_StreamsTenantEvents(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	handler := NewHandler(h, func(r *http.Request) (string, bool) {
		tenant := r.URL.Query().Get("tenant")
		return tenant, tenant != ""
	}, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers("alice") == 1 }, time.Second, 10*time.Millisecond)

	h.Publish("alice", "qr", map[string]string{"qr": "data:image/png;base64,AAAA"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "qr", frame.Event)
	assert.Equal(t, "data:image/png;base64,AAAA", frame.Payload["qr"])
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	handler := NewHandler(h, func(*http.Request) (string, bool) { return "", false }, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
