package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"semaphore/lessons/internal/config"
)

type OverdueCloser interface {
	CloseOverdue(ctx context.Context) (int, error)
}

// StartSessionCloseJob ends sessions that stayed live longer than
// SESSION_MAX_DURATION. It runs until ctx is done.
func StartSessionCloseJob(ctx context.Context, cfg config.Config, lessons OverdueCloser, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session_close")
	if cfg.SessionMaxDuration <= 0 {
		logger.Info("session close job disabled: no maximum session duration")
		return
	}
	if lessons == nil {
		logger.Warn("session close job disabled: lesson service not configured")
		return
	}
	interval := cfg.SessionCloseJobInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.SessionCloseJobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				closed, err := lessons.CloseOverdue(tickCtx)
				cancel()
				if err != nil {
					logger.Error("session close job failed", zap.Int("closed", closed), zap.Error(err))
					continue
				}
				if closed > 0 {
					logger.Info("closed overdue sessions", zap.Int("closed", closed))
				}
			}
		}
	}()
}
