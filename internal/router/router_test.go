// ABOUTME: Tests for shared bot routing, linking and auto-replies
// ABOUTME: Uses an in-memory store and a recording fake bot client

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/botpoll"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

type published struct {
	tenant  string
	event   string
	payload any
}

type recordSink struct {
	mu     sync.Mutex
	events []published
}

func (s *recordSink) Publish(tenantID, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, published{tenant: tenantID, event: event, payload: payload})
}

func (s *recordSink) forTenant(tenantID, event string) []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []published
	for _, e := range s.events {
		if e.tenant == tenantID && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeBot struct {
	mu   sync.Mutex
	sent []string
}

func (b *fakeBot) GetMe(ctx context.Context) (botpoll.Identity, error) {
	return botpoll.Identity{ID: 1, Username: "hub_bot", Name: "Hub"}, nil
}

func (b *fakeBot) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, chatID+": "+text)
	return botpoll.MessageID(chatID, int64(len(b.sent))), nil
}

func (b *fakeBot) Poll(ctx context.Context, offset int64, h botpoll.PollHandlers) error {
	<-ctx.Done()
	return nil
}

func (b *fakeBot) replies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

type fakeReplier struct {
	reply string
	err   error
	calls int
}

func (f *fakeReplier) Reply(ctx context.Context, tenantID string, thread *store.Thread, msg *store.Message) (string, bool, error) {
	f.calls++
	if f.err != nil {
		return "", false, f.err
	}
	return f.reply, f.reply != "", nil
}

type fixture struct {
	router *Router
	bot    *fakeBot
	store  *store.MockStore
	sink   *recordSink
}

func newFixture(t *testing.T, replier *fakeReplier) *fixture {
	t.Helper()
	f := &fixture{
		bot:   &fakeBot{},
		store: store.NewMockStore(),
		sink:  &recordSink{},
	}
	opts := Options{
		Client: f.bot,
		Store:  f.store,
		Sink:   f.sink,
	}
	if replier != nil {
		opts.Replier = replier
	}
	f.router = New(opts)
	return f
}

var nextUpdate int64

func update(chatID, text string) botpoll.Update {
	nextUpdate++
	return botpoll.Update{ID: nextUpdate, ChatID: chatID, MessageID: nextUpdate, Sender: "Erin", Text: text}
}

func TestUnlinkedChat_GetsLinkReply(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleUpdate(t.Context(), update("900", "hi"))

	assert.Equal(t, []string{"900: " + DefaultLinkReply}, f.bot.replies())
	assert.Equal(t, 0, f.store.Writes())
}

func TestDuplicateUpdate_Dropped(t *testing.T) {
	f := newFixture(t, nil)
	u := update("900", "hi")

	f.router.HandleUpdate(t.Context(), u)
	f.router.HandleUpdate(t.Context(), u)

	assert.Len(t, f.bot.replies(), 1)
}

func TestStartCode_LinksChat(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	lc, err := f.router.IssueLinkCode(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, lc.Code, 8)

	f.router.HandleUpdate(ctx, update("900", "/start "+lc.Code))

	owner, err := f.router.Owner(ctx, "900")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, []string{"900: " + linkedReply}, f.bot.replies())

	rec, err := f.store.GetConnection(ctx, "alice", store.PlatformTelegramShared)
	require.NoError(t, err)
	assert.Equal(t, "ready", rec.Get("state"))
	assert.Equal(t, "900", rec.Get(FieldExternalChatID))
	assert.Equal(t, session.StateReady, f.router.State(ctx, "alice"))

	states := f.sink.forTenant("alice", session.EventState)
	require.Len(t, states, 1)
	assert.Equal(t, session.StateReady, states[0].payload.(session.StateEvent).State)

	// The code is single use.
	f.router.HandleUpdate(ctx, update("901", "/start "+lc.Code))
	_, err = f.router.Owner(ctx, "901")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartCode_Expired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	require.NoError(t, f.store.CreateLinkCode(ctx, &store.LinkCode{
		Code:      "OLDCODE1",
		TenantID:  "alice",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	f.router.HandleUpdate(ctx, update("900", "/start OLDCODE1"))

	assert.Equal(t, []string{"900: " + expiredReply}, f.bot.replies())
	_, err := f.router.Owner(ctx, "900")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLinkedChat_DeliversToOwnerOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	require.NoError(t, f.router.LinkUser(ctx, "alice", "900"))

	f.router.HandleUpdate(ctx, update("900", "where are you?"))

	threadID := store.ThreadID(store.PlatformTelegramShared, "900")
	msgs := f.store.Messages("alice", threadID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "where are you?", msgs[0].Text)

	thread, err := f.store.GetThread(ctx, "alice", threadID)
	require.NoError(t, err)
	assert.Equal(t, store.PlatformTelegramShared, thread.Platform)
	assert.Equal(t, "Erin", thread.Name)

	assert.Len(t, f.sink.forTenant("alice", session.EventMessage), 1)
	assert.Empty(t, f.sink.forTenant("bob", session.EventMessage))
	assert.Empty(t, f.bot.replies())
}

func TestOwner_CacheMissFallsBackToStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	require.NoError(t, f.store.SetOwner(ctx, "900", "alice"))

	owner, err := f.router.Owner(ctx, "900")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	f.router.mu.RLock()
	cached := f.router.owners["900"]
	f.router.mu.RUnlock()
	assert.Equal(t, "alice", cached)
}

func TestRelink_ReplacesPreviousOwner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	require.NoError(t, f.router.LinkUser(ctx, "alice", "900"))
	require.NoError(t, f.router.LinkUser(ctx, "bob", "900"))

	owner, err := f.router.Owner(ctx, "900")
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	_, err = f.store.GetConnection(ctx, "alice", store.PlatformTelegramShared)
	assert.ErrorIs(t, err, store.ErrNotFound)
	states := f.sink.forTenant("alice", session.EventState)
	require.Len(t, states, 2)
	assert.Equal(t, session.StateIdle, states[1].payload.(session.StateEvent).State)
}

func TestUnlinkUser_StopsRouting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	require.NoError(t, f.router.LinkUser(ctx, "alice", "900"))
	require.NoError(t, f.router.LinkUser(ctx, "alice", "901"))
	// Known only to the store, not the cache.
	require.NoError(t, f.store.SetOwner(ctx, "902", "alice"))

	require.NoError(t, f.router.UnlinkUser(ctx, "alice"))

	for _, chatID := range []string{"900", "901", "902"} {
		_, err := f.router.Owner(ctx, chatID)
		assert.ErrorIs(t, err, store.ErrNotFound, chatID)
	}
	_, err := f.store.GetConnection(ctx, "alice", store.PlatformTelegramShared)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.router.HandleUpdate(ctx, update("900", "hello?"))
	assert.Equal(t, []string{"900: " + DefaultLinkReply}, f.bot.replies())
	assert.Empty(t, f.store.Messages("alice", store.ThreadID(store.PlatformTelegramShared, "900")))
}

func TestSend_RequiresOwnership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.router.Send(ctx, "alice", "900", "hi")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, 0, f.store.Writes())

	require.NoError(t, f.router.LinkUser(ctx, "bob", "900"))
	_, err = f.router.Send(ctx, "alice", "900", "hi")
	assert.ErrorIs(t, err, ErrNotOwner)

	msg, err := f.router.Send(ctx, "bob", "900", "hi")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.Equal(t, []string{"900: hi"}, f.bot.replies())
}

func TestAutoReply_SentAndPersisted(t *testing.T) {
	replier := &fakeReplier{reply: "Away until Monday"}
	f := newFixture(t, replier)
	ctx := t.Context()
	require.NoError(t, f.router.LinkUser(ctx, "alice", "900"))

	f.router.HandleUpdate(ctx, update("900", "ping"))

	assert.Equal(t, 1, replier.calls)
	assert.Equal(t, []string{"900: Away until Monday"}, f.bot.replies())
	msgs := f.store.Messages("alice", store.ThreadID(store.PlatformTelegramShared, "900"))
	require.Len(t, msgs, 2)
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, store.DirectionOutbound, msgs[1].Direction)
	assert.Equal(t, "Away until Monday", msgs[1].Text)
}

func TestAutoReply_FailureKeepsDelivery(t *testing.T) {
	replier := &fakeReplier{err: errors.New("template exploded")}
	f := newFixture(t, replier)
	ctx := t.Context()
	require.NoError(t, f.router.LinkUser(ctx, "alice", "900"))

	f.router.HandleUpdate(ctx, update("900", "ping"))

	msgs := f.store.Messages("alice", store.ThreadID(store.PlatformTelegramShared, "900"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Text)
	assert.Empty(t, f.bot.replies())
}

func TestRun_ValidatesIdentityForDeepLinks(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()
	require.Eventually(t, func() bool { return f.router.Identity() != nil }, time.Second, 5*time.Millisecond)

	lc, err := f.router.IssueLinkCode(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("https://t.me/hub_bot?start=%s", lc.Code), lc.DeepLink)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStartCode_Parsing(t *testing.T) {
	code, ok := startCode("/start ABC123")
	assert.True(t, ok)
	assert.Equal(t, "ABC123", code)

	code, ok = startCode("/start@hub_bot ABC123")
	assert.True(t, ok)
	assert.Equal(t, "ABC123", code)

	_, ok = startCode("/start")
	assert.False(t, ok)
	_, ok = startCode("hello there")
	assert.False(t, ok)
}
