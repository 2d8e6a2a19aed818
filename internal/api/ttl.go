package api

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = 5 * time.Minute

// IdentityCleaner removes persisted identities older than a TTL.
type IdentityCleaner interface {
	CleanupExpiredIdentities(ctx context.Context, ttl time.Duration) (int64, error)
}

// StartTTLWorker runs a background goroutine that periodically drops idle
// client sessions and deletes expired identity rows.
func StartTTLWorker(ctx context.Context, reg *Registry, cleaner IdentityCleaner, idleTTL, identityTTL time.Duration) {
	startTTLWorker(ctx, reg, cleaner, idleTTL, identityTTL, ttlWorkerInterval)
}

func startTTLWorker(ctx context.Context, reg *Registry, cleaner IdentityCleaner, idleTTL, identityTTL, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "idle_ttl", idleTTL, "identity_ttl", identityTTL)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, reg, cleaner, idleTTL, identityTTL)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, reg *Registry, cleaner IdentityCleaner, idleTTL, identityTTL time.Duration) {
	if dropped := reg.SweepIdle(idleTTL); dropped > 0 {
		slog.Info("TTL worker dropped idle client sessions", "count", dropped, "remaining", reg.Len())
	}

	if cleaner == nil {
		return
	}
	deleted, err := cleaner.CleanupExpiredIdentities(ctx, identityTTL)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during identity cleanup", "error", err)
			return
		}
		slog.Error("TTL worker failed to cleanup expired identities", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker cleaned up expired identities", "count", deleted)
	}
}
