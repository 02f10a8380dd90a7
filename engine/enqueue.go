package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Enqueue submits a typed payload for the given job type. The payload
// is encoded with the engine codec; options are layered over the
// type's registered defaults.
func Enqueue[T any](ctx context.Context, e *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := e.registry.Codec().Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %q: %w", jobType, err)
	}
	return e.EnqueueRaw(ctx, jobType, data, job.Origin{}, opts...)
}

// EnqueueFor is Enqueue with caller correlation data attached.
func EnqueueFor[T any](ctx context.Context, e *Engine, jobType string, payload T, origin job.Origin, opts ...job.Option) (*job.Job, error) {
	data, err := e.registry.Codec().Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %q: %w", jobType, err)
	}
	return e.EnqueueRaw(ctx, jobType, data, origin, opts...)
}

// EnqueueRaw submits a pre-encoded payload. It fails with
// ErrHandlerNotFound when no handler is registered for the type and
// ErrQueueFull when the engine is at capacity.
func (e *Engine) EnqueueRaw(ctx context.Context, jobType string, payload []byte, origin job.Origin, opts ...job.Option) (*job.Job, error) {
	if e.closed.Load() {
		return nil, conveyor.ErrEngineClosed
	}
	if _, ok := e.registry.Get(jobType); !ok {
		return nil, fmt.Errorf("%w: %q", conveyor.ErrHandlerNotFound, jobType)
	}

	cfg := e.Config()
	depth, err := e.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("check queue capacity: %w", err)
	}
	if cfg.MaxQueueSize > 0 && depth >= cfg.MaxQueueSize {
		e.exts.EmitQueueFull(ctx, depth)
		return nil, fmt.Errorf("%w: %d jobs held", conveyor.ErrQueueFull, depth)
	}

	options, ok := e.registry.Defaults(jobType)
	if !ok {
		options = job.DefaultOptions()
	}
	for _, opt := range opts {
		opt(&options)
	}

	now := time.Now()
	j := &job.Job{
		ID:        id.NewJobID(),
		Type:      jobType,
		Payload:   payload,
		Origin:    origin,
		Options:   options,
		State:     job.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	j.Log("enqueued")

	if err := e.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	e.scheduler.Push(j)
	e.exts.EmitJobEnqueued(ctx, j)
	e.ctl.Kick()

	e.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", jobType),
		slog.Int("priority", options.Priority),
	)
	return j, nil
}
