package ext

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when the engine begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgress is called on each handler progress report.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job, p job.Progress) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, res *job.Result) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a job is explicitly cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job, reason string) error
}

// QueueFull is called when an enqueue is rejected at capacity.
type QueueFull interface {
	OnQueueFull(ctx context.Context, depth int) error
}

// QueueEmpty is called when the pending queue and in-flight set both
// become empty, meaning the engine is idle.
type QueueEmpty interface {
	OnQueueEmpty(ctx context.Context) error
}

// Shutdown is called during graceful engine shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
