package session

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = time.Minute

// StartTTLWorker runs a background goroutine that periodically closes
// sessions idle beyond the TTL, persisting their outcome like an explicit
// close would.
func StartTTLWorker(ctx context.Context, svc *Service, ttl time.Duration) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				closeExpiredSessions(ctx, svc, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func closeExpiredSessions(ctx context.Context, svc *Service, ttl time.Duration) {
	expired, err := svc.repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	slog.Info("TTL worker found expired sessions", "count", len(expired))
	for _, session := range expired {
		if err := svc.Close(ctx, session.ID); err != nil {
			slog.Warn("TTL worker failed to close session",
				"error", err, "session_id", session.ID)
		}
	}
	slog.Info("TTL worker cleanup completed", "closed", len(expired))
}
