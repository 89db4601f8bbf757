package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/docubuild/foreman/job"
)

// Timeout returns middleware that enforces a hard execution deadline.
// A zero duration disables the deadline. This is a last-resort bound on
// handler runtime; the liveness watchdog catches silent stalls well
// before this fires for any handler that reports progress.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if d > 0 {
			logger.Debug("job deadline set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
