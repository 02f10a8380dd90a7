package job

import "time"

// Options configures per-job policy. Zero values fall back to the
// engine-level defaults at enqueue time.
type Options struct {
	// Priority determines dequeue ordering. Higher values run first.
	Priority int `json:"priority"`

	// MaxRetries is the maximum number of retry attempts after the
	// initial failure.
	MaxRetries int `json:"max_retries"`

	// RetryDelay is the base delay before the first retry.
	RetryDelay time.Duration `json:"retry_delay"`

	// RetryBackoff multiplies the delay per attempt:
	// delay = RetryDelay × RetryBackoff^(attempt−1).
	RetryBackoff float64 `json:"retry_backoff"`

	// Timeout is the maximum duration a handler may run before the
	// execution is abandoned. Zero means the engine default.
	Timeout time.Duration `json:"timeout"`

	// CacheResults memoizes successful results keyed by (type, payload).
	CacheResults bool `json:"cache_results"`

	// CacheTTL bounds the lifetime of a cached result. Zero means the
	// cache default.
	CacheTTL time.Duration `json:"cache_ttl"`

	// EnableProgress forwards handler progress reports to subscribers.
	EnableProgress bool `json:"enable_progress"`

	// DeliverWebhook posts the terminal result to WebhookURL.
	DeliverWebhook bool   `json:"deliver_webhook"`
	WebhookURL     string `json:"webhook_url,omitempty"`

	// Tags are free-form labels usable in queries.
	Tags []string `json:"tags,omitempty"`
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Priority:       0,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RetryBackoff:   2,
		EnableProgress: true,
	}
}

// Option is a functional option applied over the default Options.
type Option func(*Options)

// WithPriority sets the job priority. Higher values run first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithRetryDelay sets the base retry delay.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

// WithRetryBackoff sets the backoff multiplier between retries.
func WithRetryBackoff(m float64) Option {
	return func(o *Options) { o.RetryBackoff = m }
}

// WithTimeout sets the maximum execution duration.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithCache enables result caching with the given TTL.
func WithCache(ttl time.Duration) Option {
	return func(o *Options) {
		o.CacheResults = true
		o.CacheTTL = ttl
	}
}

// WithProgress toggles progress forwarding.
func WithProgress(enabled bool) Option {
	return func(o *Options) { o.EnableProgress = enabled }
}

// WithWebhook enables webhook delivery of the terminal result.
func WithWebhook(url string) Option {
	return func(o *Options) {
		o.DeliverWebhook = true
		o.WebhookURL = url
	}
}

// WithTags appends query tags.
func WithTags(tags ...string) Option {
	return func(o *Options) { o.Tags = append(o.Tags, tags...) }
}
