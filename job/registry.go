package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyorhq/conveyor/codec"
)

// HandlerFunc is a type-erased job handler. It receives the job record
// and a progress callback, and returns the encoded result. The typed
// Definition[T, R] is converted to a HandlerFunc at registration time by
// closing over codec decode/encode and the typed handler.
type HandlerFunc func(ctx context.Context, j *Job, report ProgressFunc) ([]byte, error)

type registration struct {
	handler  HandlerFunc
	defaults Options
}

// Registry maps job types to type-erased handlers and their per-type
// default options. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	codec codec.Codec
	regs  map[string]registration
}

// NewRegistry creates an empty registry using the given codec for
// payload and result serialization.
func NewRegistry(c codec.Codec) *Registry {
	if c == nil {
		c = codec.Get(codec.NameJSON)
	}
	return &Registry{
		codec: c,
		regs:  make(map[string]registration),
	}
}

// Codec returns the registry's codec.
func (r *Registry) Codec() codec.Codec { return r.codec }

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that decodes the payload into T and
// encodes the R result before returning it.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T, R any](r *Registry, def *Definition[T, R]) {
	handler := func(ctx context.Context, j *Job, report ProgressFunc) ([]byte, error) {
		var payload T
		if len(j.Payload) > 0 {
			if err := r.codec.Decode(j.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode payload for job %q: %w", def.Type, err)
			}
		}

		result, err := def.Handler(ctx, payload, report)
		if err != nil {
			return nil, err
		}

		data, err := r.codec.Encode(result)
		if err != nil {
			return nil, fmt.Errorf("encode result for job %q: %w", def.Type, err)
		}
		return data, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[def.Type] = registration{handler: handler, defaults: def.Opts}
}

// RegisterRaw registers a pre-erased handler with per-type defaults.
func (r *Registry) RegisterRaw(jobType string, handler HandlerFunc, defaults Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[jobType] = registration{handler: handler, defaults: defaults}
}

// Unregister removes the handler for the given job type.
// Returns false if no handler was registered.
func (r *Registry) Unregister(jobType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[jobType]; !ok {
		return false
	}
	delete(r.regs, jobType)
	return true
}

// Get returns the handler for the given job type.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[jobType]
	return reg.handler, ok
}

// Defaults returns the per-type default options for the given job type.
func (r *Registry) Defaults(jobType string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[jobType]
	return reg.defaults, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.regs))
	for t := range r.regs {
		types = append(types, t)
	}
	return types
}
