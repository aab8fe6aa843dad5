package daemon

import (
	"context"
	"time"

	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/db"
)

const maintenanceInterval = time.Hour

// refreshLoop keeps the credential ahead of its expiry even when no
// request is being made. EnsureValid does nothing unless the token is
// inside the lookahead window.
func (d *Daemon) refreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	d.checkCredential(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkCredential(ctx)
		}
	}
}

func (d *Daemon) checkCredential(ctx context.Context) {
	token, err := d.auth.EnsureValid(ctx)
	switch {
	case err != nil && apierr.KindOf(err) != apierr.KindNetwork:
		d.logger.Warn("credential check failed", "error", err)
	case err != nil:
		d.logger.Debug("credential check deferred, offline", "error", err)
	case token == "":
		d.logger.Debug("credential check: signed out")
	}
}

// maintenanceLoop trims the event log.
func (d *Daemon) maintenanceLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.prune(ctx)
		}
	}
}

func (d *Daemon) prune(ctx context.Context) {
	n, err := d.db.PruneEvents(ctx, db.DefaultEventRetention)
	if err != nil {
		d.logger.Warn("prune event log failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("pruned event log", "rows", n)
	}
}
