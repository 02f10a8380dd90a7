package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Logging logs the start and outcome of each handler invocation.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *job.Job, next Handler) ([]byte, error) {
		start := time.Now()
		logger.Debug("job execution starting",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempt", j.RetryCount+1),
		)

		data, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return data, err
		}

		logger.Info("job execution completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Duration("elapsed", elapsed),
		)
		return data, nil
	}
}
