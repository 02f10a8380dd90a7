// Package observability exposes engine lifecycle events as
// OpenTelemetry metrics. It complements the middleware package: the
// middleware instruments handler execution from the inside, while this
// extension counts lifecycle transitions from the outside, including
// events that never reach a handler such as queue-full rejections.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyorhq/conveyor/job"
)

const instrumentationName = "github.com/conveyorhq/conveyor/observability"

// Extension records lifecycle counters. Register it with the engine via
// its extension option.
type Extension struct {
	enqueued  metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	cancelled metric.Int64Counter
	queueFull metric.Int64Counter
	waitTime  metric.Float64Histogram
}

// New creates the observability extension against the given meter
// provider.
func New(provider metric.MeterProvider) (*Extension, error) {
	meter := provider.Meter(instrumentationName)

	e := &Extension{}
	var err error
	if e.enqueued, err = meter.Int64Counter("conveyor.jobs.enqueued",
		metric.WithDescription("Jobs accepted into the queue")); err != nil {
		return nil, err
	}
	if e.completed, err = meter.Int64Counter("conveyor.jobs.completed",
		metric.WithDescription("Jobs that finished successfully")); err != nil {
		return nil, err
	}
	if e.failed, err = meter.Int64Counter("conveyor.jobs.failed",
		metric.WithDescription("Jobs that failed terminally")); err != nil {
		return nil, err
	}
	if e.retried, err = meter.Int64Counter("conveyor.jobs.retried",
		metric.WithDescription("Retry attempts scheduled")); err != nil {
		return nil, err
	}
	if e.cancelled, err = meter.Int64Counter("conveyor.jobs.cancelled",
		metric.WithDescription("Jobs cancelled before completion")); err != nil {
		return nil, err
	}
	if e.queueFull, err = meter.Int64Counter("conveyor.queue.rejections",
		metric.WithDescription("Enqueues rejected because the queue was full")); err != nil {
		return nil, err
	}
	if e.waitTime, err = meter.Float64Histogram("conveyor.job.wait_time",
		metric.WithDescription("Time between enqueue and execution start"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return e, nil
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "observability" }

func typeAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job.type", j.Type))
}

// OnJobEnqueued counts accepted jobs by type.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	e.enqueued.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobStarted records queue wait time.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	if j.StartedAt != nil {
		wait := j.StartedAt.Sub(j.CreatedAt)
		e.waitTime.Record(ctx, float64(wait)/float64(time.Millisecond), typeAttr(j))
	}
	return nil
}

// OnJobCompleted counts successful jobs by type.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, _ *job.Result) error {
	e.completed.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobFailed counts terminal failures by type.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	e.failed.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobRetrying counts scheduled retries by type.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	e.retried.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobCancelled counts cancellations by type.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job, _ string) error {
	e.cancelled.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnQueueFull counts rejected enqueues.
func (e *Extension) OnQueueFull(ctx context.Context, _ int) error {
	e.queueFull.Add(ctx, 1)
	return nil
}
