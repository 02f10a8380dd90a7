package engine

import (
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/codec"
	"github.com/conveyorhq/conveyor/ext"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/webhook"
)

// Option configures an Engine at construction time.
type Option func(*settings)

type settings struct {
	config      conveyor.Config
	logger      *slog.Logger
	store       job.Store
	codec       codec.Codec
	extensions  []ext.Extension
	middlewares []middleware.Middleware
	limits      []queue.LimitConfig
	webhooks    webhook.Config
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg conveyor.Config) Option {
	return func(s *settings) { s.config = cfg }
}

// WithConcurrency sets the maximum number of concurrently running jobs.
func WithConcurrency(n int) Option {
	return func(s *settings) { s.config.MaxConcurrentJobs = n }
}

// WithMaxQueueSize bounds the total number of jobs held at once.
func WithMaxQueueSize(n int) Option {
	return func(s *settings) { s.config.MaxQueueSize = n }
}

// WithPollInterval sets how often the dispatcher checks for pending
// jobs between kicks.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.config.PollInterval = d }
}

// WithDefaultTimeout sets the execution timeout for jobs without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *settings) { s.config.DefaultTimeout = d }
}

// WithCacheBudget bounds the result cache and sets its default TTL.
func WithCacheBudget(maxBytes int, defaultTTL time.Duration) Option {
	return func(s *settings) {
		s.config.CacheMaxBytes = maxBytes
		s.config.CacheDefaultTTL = defaultTTL
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithStore replaces the job store. Default is the in-memory store.
func WithStore(st job.Store) Option {
	return func(s *settings) { s.store = st }
}

// WithCodec sets the payload and result codec. Default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(s *settings) { s.codec = c }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(s *settings) { s.extensions = append(s.extensions, e) }
}

// WithMiddleware appends execution middleware. The first added runs
// outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *settings) { s.middlewares = append(s.middlewares, mws...) }
}

// WithTypeLimit adds a per-job-type rate or concurrency limit.
func WithTypeLimit(cfg queue.LimitConfig) Option {
	return func(s *settings) { s.limits = append(s.limits, cfg) }
}

// WithWebhookDefaults sets the delivery configuration applied to every
// outbound webhook: method, headers, auth, payload transform and the
// retry policy. A job's WebhookURL option overrides the default target.
func WithWebhookDefaults(cfg webhook.Config) Option {
	return func(s *settings) { s.webhooks = cfg }
}
