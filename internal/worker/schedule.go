package worker

import (
	"context"
	"log/slog"
	"time"
)

// RunFixedDelay runs fn once right away and then interval after each run
// completes, until ctx is done. Runs never overlap.
func RunFixedDelay(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduled job failed", "job", name, "err", err)
		}
		if err := sleepCtx(ctx, interval); err != nil {
			slog.Debug("scheduled job stopped", "job", name)
			return
		}
	}
}
