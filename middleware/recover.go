package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/conveyorhq/conveyor/job"
)

// Recover converts handler panics into errors so a panicking job fails
// through the normal retry path instead of crashing the worker.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *job.Job, next Handler) (data []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("job_type", j.Type),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				data = nil
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return next(ctx)
	}
}
