package job

import "context"

// ProgressFunc reports handler progress. Percentage and ETA are filled
// in by the engine when left zero.
type ProgressFunc func(p Progress)

// Definition is a typed job definition with a handler function.
// T is the payload type, R the result type; both must be serializable
// by the engine's codec.
type Definition[T, R any] struct {
	// Type is the unique identifier for this job type.
	Type string

	// Handler processes the payload. It may call report at any time;
	// it must honor ctx for cooperative cancellation and timeouts.
	Handler func(ctx context.Context, payload T, report ProgressFunc) (R, error)

	// Opts are the per-type default options, merged under per-enqueue
	// overrides.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T, R any](jobType string, handler func(ctx context.Context, payload T, report ProgressFunc) (R, error), opts ...Option) *Definition[T, R] {
	def := &Definition[T, R]{
		Type:    jobType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
