package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyorhq/conveyor/job"
)

// Tracing wraps each handler invocation in an OpenTelemetry span named
// after the job type, recording the job ID and attempt number.
func Tracing(provider trace.TracerProvider) Middleware {
	tracer := provider.Tracer(instrumentationName)

	return func(ctx context.Context, j *job.Job, next Handler) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "conveyor.execute "+j.Type,
			trace.WithAttributes(
				attribute.String("job.id", j.ID.String()),
				attribute.String("job.type", j.Type),
				attribute.Int("job.attempt", j.RetryCount+1),
			),
		)
		defer span.End()

		data, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return data, err
	}
}
