// ABOUTME: Restarts browser sessions that were ready when the process last stopped

package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// RestoreAll starts a restoring session for every tenant with a persisted
// browser connection record. It returns how many sessions were started.
func RestoreAll(ctx context.Context, conns store.ConnectionStore, reg *session.Registry[*Connector], logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	records, err := conns.ListConnections(ctx, store.PlatformWhatsApp)
	if err != nil {
		return 0, fmt.Errorf("listing browser connections: %w", err)
	}

	started := 0
	for _, rec := range records {
		if rec.Get("state") != string(session.StateReady) {
			continue
		}
		if err := reg.Get(rec.TenantID).Restore(ctx); err != nil {
			logger.Warn("failed to restore browser session", "tenant_id", rec.TenantID, "error", err)
			continue
		}
		started++
	}
	return started, nil
}
