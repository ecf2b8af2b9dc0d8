// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers connection merging, message previews, inbox bounds, ownership and link codes

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestConnection_SetGetMergeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetConnection(ctx, "alice", PlatformTelegram)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetConnection(ctx, "alice", PlatformTelegram, map[string]string{
		"state":     "ready",
		"bot_token": "sealed",
		"cursor":    "10",
	}, false))

	require.NoError(t, s.SetConnection(ctx, "alice", PlatformTelegram, map[string]string{
		"cursor": "11",
	}, true))

	conn, err := s.GetConnection(ctx, "alice", PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, "ready", conn.Get("state"))
	assert.Equal(t, "sealed", conn.Get("bot_token"))
	assert.Equal(t, "11", conn.Get("cursor"))
	assert.False(t, conn.UpdatedAt.IsZero())

	// Without merge the record is replaced.
	require.NoError(t, s.SetConnection(ctx, "alice", PlatformTelegram, map[string]string{
		"state": "idle",
	}, false))
	conn, err = s.GetConnection(ctx, "alice", PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, "", conn.Get("bot_token"))

	require.NoError(t, s.DeleteConnection(ctx, "alice", PlatformTelegram))
	require.NoError(t, s.DeleteConnection(ctx, "alice", PlatformTelegram))
	_, err = s.GetConnection(ctx, "alice", PlatformTelegram)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConnections_FiltersByPlatform(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.SetConnection(ctx, "bob", PlatformTelegram, map[string]string{"state": "ready"}, true))
	require.NoError(t, s.SetConnection(ctx, "alice", PlatformTelegram, map[string]string{"state": "ready"}, true))
	require.NoError(t, s.SetConnection(ctx, "alice", PlatformWhatsApp, map[string]string{"state": "ready"}, true))

	conns, err := s.ListConnections(ctx, PlatformTelegram)
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, "alice", conns[0].TenantID)
	assert.Equal(t, "bob", conns[1].TenantID)
}

func TestSaveMessage_CreatesThreadAndUpdatesPreview(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	threadID := ThreadID(PlatformTelegram, "42")

	msg := &Message{Text: "hello", Sender: "Carol"}
	require.NoError(t, s.SaveMessage(ctx, "alice", threadID, msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, DirectionInbound, msg.Direction)
	assert.Equal(t, DeliveryReceived, msg.Status)

	thread, err := s.GetThread(ctx, "alice", threadID)
	require.NoError(t, err)
	assert.Equal(t, PlatformTelegram, thread.Platform)
	assert.Equal(t, "42", thread.ExternalID)
	assert.Equal(t, "hello", thread.LastMessage)
	assert.True(t, thread.Unread)

	reply := &Message{Text: "hi back", Direction: DirectionOutbound}
	require.NoError(t, s.SaveMessage(ctx, "alice", threadID, reply))
	assert.Equal(t, DeliverySent, reply.Status)

	thread, err = s.GetThread(ctx, "alice", threadID)
	require.NoError(t, err)
	assert.Equal(t, "hi back", thread.LastMessage)
	assert.False(t, thread.Unread)

	// Other tenants never see the thread.
	_, err = s.GetThread(ctx, "bob", threadID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMessage_DuplicateIDIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	threadID := ThreadID(PlatformWhatsApp, "chat-1")

	require.NoError(t, s.SaveMessage(ctx, "alice", threadID, &Message{ID: "m1", Text: "first"}))
	require.NoError(t, s.SaveMessage(ctx, "alice", threadID, &Message{ID: "m1", Text: "replayed"}))

	inbox, err := s.GetInbox(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Len(t, inbox[0].Messages, 1)
	assert.Equal(t, "first", inbox[0].Messages[0].Text)
	assert.Equal(t, "first", inbox[0].LastMessage)
}

func TestSaveMessage_SameIDInAnotherThreadKept(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	own := ThreadID(PlatformTelegram, "555")
	shared := ThreadID(PlatformTelegramShared, "555")

	require.NoError(t, s.SaveMessage(ctx, "alice", own, &Message{ID: "555:2", Text: "via own bot"}))
	require.NoError(t, s.SaveMessage(ctx, "alice", shared, &Message{ID: "555:2", Text: "via shared bot"}))

	inbox, err := s.GetInbox(ctx, "alice", PlatformTelegramShared)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Len(t, inbox[0].Messages, 1)
	assert.Equal(t, "via shared bot", inbox[0].Messages[0].Text)
	assert.Equal(t, "via shared bot", inbox[0].LastMessage)
}

func TestSaveThread_MergeKeepsExistingValues(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	threadID := ThreadID(PlatformWhatsApp, "chat-1")

	require.NoError(t, s.SaveThread(ctx, "alice", &Thread{
		ID:         threadID,
		Platform:   PlatformWhatsApp,
		ExternalID: "chat-1",
		Name:       "Dave Smith",
		Avatar:     "DS",
		Tags:       []string{"family"},
	}, true))

	require.NoError(t, s.SaveThread(ctx, "alice", &Thread{ID: threadID, Name: "Dave"}, true))

	thread, err := s.GetThread(ctx, "alice", threadID)
	require.NoError(t, err)
	assert.Equal(t, "Dave", thread.Name)
	assert.Equal(t, "DS", thread.Avatar)
	assert.Equal(t, []string{"family"}, thread.Tags)
	assert.Equal(t, PlatformWhatsApp, thread.Platform)
}

func TestGetInbox_OrderingAndBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	base := time.Now().Add(-time.Hour)

	for i := range InboxPageSize + 5 {
		threadID := ThreadID(PlatformTelegram, fmt.Sprintf("%d", i))
		require.NoError(t, s.SaveMessage(ctx, "alice", threadID, &Message{
			Text:      fmt.Sprintf("msg %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	busy := ThreadID(PlatformWhatsApp, "busy")
	for i := range InboxMessageWindow + 7 {
		require.NoError(t, s.SaveMessage(ctx, "alice", busy, &Message{
			Text:      fmt.Sprintf("busy %d", i),
			Timestamp: base.Add(time.Hour + time.Duration(i)*time.Second),
		}))
	}

	inbox, err := s.GetInbox(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, inbox, InboxPageSize)
	assert.Equal(t, busy, inbox[0].ID)

	msgs := inbox[0].Messages
	require.Len(t, msgs, InboxMessageWindow)
	assert.Equal(t, "busy 7", msgs[0].Text)
	assert.Equal(t, fmt.Sprintf("busy %d", InboxMessageWindow+6), msgs[len(msgs)-1].Text)

	for i := 1; i < len(inbox); i++ {
		assert.False(t, inbox[i].UpdatedAt.After(inbox[i-1].UpdatedAt))
	}

	filtered, err := s.GetInbox(ctx, "alice", PlatformWhatsApp)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, busy, filtered[0].ID)
}

func TestOwnership_ReplaceAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOwner(ctx, "100")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetOwner(ctx, "100", "alice"))
	require.NoError(t, s.SetOwner(ctx, "200", "alice"))
	require.NoError(t, s.SetOwner(ctx, "100", "bob"))

	owner, err := s.GetOwner(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	owned, err := s.ListOwned(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, owned)

	require.NoError(t, s.DeleteOwner(ctx, "200"))
	owned, err = s.ListOwned(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestLinkCode_ConsumeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateLinkCode(ctx, &LinkCode{
		Code:      "ABC123",
		TenantID:  "alice",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	lc, err := s.ConsumeLinkCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "alice", lc.TenantID)

	_, err = s.ConsumeLinkCode(ctx, "ABC123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinkCode_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateLinkCode(ctx, &LinkCode{
		Code:      "OLD",
		TenantID:  "alice",
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := s.ConsumeLinkCode(ctx, "OLD")
	assert.ErrorIs(t, err, ErrLinkCodeExpired)

	_, err = s.ConsumeLinkCode(ctx, "OLD")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutoReply_SetGet(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetAutoReply(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetAutoReply(ctx, &AutoReply{TenantID: "alice", Enabled: true, Template: "Away: {{.Text}}"}))

	ar, err := s.GetAutoReply(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ar.Enabled)
	assert.Equal(t, "Away: {{.Text}}", ar.Template)
}
