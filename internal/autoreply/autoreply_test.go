// ABOUTME: Tests for the template auto-reply hook
// ABOUTME: Covers disabled tenants, rendering, template changes and bad templates

package autoreply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func TestTemplate_NoSettingsIsSilent(t *testing.T) {
	r := NewTemplate(store.NewMockStore(), nil)

	reply, ok, err := r.Reply(t.Context(), "alice", nil, &store.Message{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, reply)
}

func TestTemplate_DisabledIsSilent(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.SetAutoReply(t.Context(), &store.AutoReply{TenantID: "alice", Enabled: false, Template: "hello"}))

	_, ok, err := NewTemplate(s, nil).Reply(t.Context(), "alice", nil, &store.Message{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTemplate_Renders(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.SetAutoReply(t.Context(), &store.AutoReply{
		TenantID: "alice",
		Enabled:  true,
		Template: "Hi {{.Sender}}, got \"{{.Text}}\" in {{.ThreadName}}.",
	}))
	r := NewTemplate(s, nil)

	thread := &store.Thread{Name: "Support", Platform: store.PlatformTelegramShared}
	reply, ok, err := r.Reply(t.Context(), "alice", thread, &store.Message{Text: "help", Sender: "Bob"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `Hi Bob, got "help" in Support.`, reply)

	// A changed template is picked up on the next message.
	require.NoError(t, s.SetAutoReply(t.Context(), &store.AutoReply{TenantID: "alice", Enabled: true, Template: "Away"}))
	reply, ok, err = r.Reply(t.Context(), "alice", thread, &store.Message{Text: "again"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Away", reply)
}

func TestTemplate_BrokenTemplateErrors(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.SetAutoReply(t.Context(), &store.AutoReply{TenantID: "alice", Enabled: true, Template: "{{.Nope"}))

	_, ok, err := NewTemplate(s, nil).Reply(t.Context(), "alice", nil, &store.Message{Text: "hi"})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("Thanks {{.Sender}}"))
	assert.Error(t, Validate("   "))
	assert.Error(t, Validate("{{if}}"))
}
