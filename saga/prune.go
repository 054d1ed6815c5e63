package saga

import (
	"context"
	"log/slog"
	"time"
)

// Prune evicts sagas not saved for longer than retention, once at start and
// then every interval, until ctx is done. Eviction errors are logged and the
// next tick retries. It returns ctx.Err().
func Prune(ctx context.Context, p Pruner, retention, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pruner")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		n, err := p.DeleteOlderThan(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("evicting stale sagas failed", "error", err, "deleted", n)
		case n > 0:
			logger.Info("evicted stale sagas",
				"deleted", n,
				"retention", retention,
				"elapsed", time.Since(start))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
