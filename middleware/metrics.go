package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyorhq/conveyor/job"
)

const instrumentationName = "github.com/conveyorhq/conveyor"

// Metrics records execution counts and durations via OpenTelemetry.
// Executions are counted per job type with a status attribute of
// "ok" or "error"; durations are recorded in milliseconds.
func Metrics(provider metric.MeterProvider) (Middleware, error) {
	meter := provider.Meter(instrumentationName)

	executions, err := meter.Int64Counter("conveyor.job.executions",
		metric.WithDescription("Number of job handler executions"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("conveyor.job.duration",
		metric.WithDescription("Job handler execution duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, j *job.Job, next Handler) ([]byte, error) {
		start := time.Now()
		data, execErr := next(ctx)
		elapsed := time.Since(start)

		status := "ok"
		if execErr != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job.type", j.Type),
			attribute.String("status", status),
		)
		executions.Add(ctx, 1, attrs)
		duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)

		return data, execErr
	}, nil
}
