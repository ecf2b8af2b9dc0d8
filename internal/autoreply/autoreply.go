// ABOUTME: Template-driven auto-reply hook for inbound shared bot messages
// ABOUTME: Renders a tenant's stored text/template against the incoming message

package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Replier decides whether and how to answer an inbound message.
// An empty reply with ok=false means "stay silent".
type Replier interface {
	Reply(ctx context.Context, tenantID string, thread *store.Thread, msg *store.Message) (reply string, ok bool, err error)
}

// Input is the data a template is rendered with.
type Input struct {
	Text       string
	Sender     string
	ThreadName string
	Platform   string
	Time       time.Time
}

// Template replies using each tenant's stored template.
type Template struct {
	store  store.AutoReplyStore
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedTemplate // tenantID -> parsed template
}

type cachedTemplate struct {
	source string
	tmpl   *template.Template
}

var _ Replier = (*Template)(nil)

// NewTemplate creates a template replier backed by the store.
func NewTemplate(s store.AutoReplyStore, logger *slog.Logger) *Template {
	if logger == nil {
		logger = slog.Default()
	}
	return &Template{
		store:  s,
		logger: logger.With("component", "autoreply"),
		cache:  make(map[string]cachedTemplate),
	}
}

// Validate parses a template without storing it.
func Validate(source string) error {
	if strings.TrimSpace(source) == "" {
		return errors.New("template is empty")
	}
	_, err := template.New("reply").Option("missingkey=error").Parse(source)
	return err
}

// Reply renders the tenant's template if auto-reply is enabled.
func (t *Template) Reply(ctx context.Context, tenantID string, thread *store.Thread, msg *store.Message) (string, bool, error) {
	settings, err := t.store.GetAutoReply(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading auto-reply settings: %w", err)
	}
	if !settings.Enabled || strings.TrimSpace(settings.Template) == "" {
		return "", false, nil
	}

	tmpl, err := t.parsed(tenantID, settings.Template)
	if err != nil {
		return "", false, fmt.Errorf("parsing template: %w", err)
	}

	in := Input{
		Text:   msg.Text,
		Sender: msg.Sender,
		Time:   msg.Timestamp,
	}
	if thread != nil {
		in.ThreadName = thread.Name
		in.Platform = thread.Platform
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, in); err != nil {
		return "", false, fmt.Errorf("rendering template: %w", err)
	}

	reply := strings.TrimSpace(buf.String())
	if reply == "" {
		return "", false, nil
	}
	t.logger.Debug("auto-reply rendered", "tenant_id", tenantID, "length", len(reply))
	return reply, true, nil
}

func (t *Template) parsed(tenantID, source string) (*template.Template, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.cache[tenantID]; ok && c.source == source {
		return c.tmpl, nil
	}
	tmpl, err := template.New("reply").Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, err
	}
	t.cache[tenantID] = cachedTemplate{source: source, tmpl: tmpl}
	return tmpl, nil
}
