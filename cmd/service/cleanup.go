package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/tunaaoguzhann/qr-login/core"
)

// runCleanupLoop sweeps old tokens every interval until ctx is done. A
// non-positive interval disables the loop.
func runCleanupLoop(ctx context.Context, svc *core.Service, interval, retention time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := svc.Cleanup(ctx, retention); err != nil && core.KindOf(err) != core.KindFeatureDisabled {
				logger.Error("token cleanup failed", slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}
