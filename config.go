package conveyor

import "time"

// Config holds engine-wide configuration.
type Config struct {
	// MaxConcurrentJobs is the maximum number of handlers in flight at
	// any instant.
	MaxConcurrentJobs int

	// MaxQueueSize bounds the total number of jobs held in the store,
	// regardless of state. Enqueue fails with ErrQueueFull once reached;
	// the cleanup sweep must run to reclaim capacity.
	MaxQueueSize int

	// PollInterval is how often the controller checks for pending jobs.
	PollInterval time.Duration

	// DefaultTimeout applies to jobs whose options carry no timeout.
	DefaultTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight jobs
	// during graceful shutdown.
	ShutdownTimeout time.Duration

	// Retention windows per terminal state. Terminal jobs older than the
	// window are removed by the cleanup sweep.
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	CancelledRetention time.Duration

	// CleanupSchedule and StatsSchedule are cron expressions (standard
	// 5-field or descriptors like "@every 30s") driving the maintenance
	// scheduler.
	CleanupSchedule string
	StatsSchedule   string

	// CacheMaxBytes bounds the result cache's tracked byte total.
	CacheMaxBytes int

	// CacheDefaultTTL applies to cached results whose job options carry
	// no explicit TTL.
	CacheDefaultTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:  10,
		MaxQueueSize:       1000,
		PollInterval:       100 * time.Millisecond,
		DefaultTimeout:     5 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
		CancelledRetention: time.Hour,
		CleanupSchedule:    "@every 1m",
		StatsSchedule:      "@every 30s",
		CacheMaxBytes:      64 << 20,
		CacheDefaultTTL:    10 * time.Minute,
	}
}

// ConfigUpdate carries a partial configuration change. Nil fields are
// left untouched.
type ConfigUpdate struct {
	MaxConcurrentJobs *int
	MaxQueueSize      *int
	PollInterval      *time.Duration
	DefaultTimeout    *time.Duration
}

// Apply merges the update into the config and reports whether anything
// changed.
func (u ConfigUpdate) Apply(c *Config) bool {
	changed := false
	if u.MaxConcurrentJobs != nil && *u.MaxConcurrentJobs != c.MaxConcurrentJobs {
		c.MaxConcurrentJobs = *u.MaxConcurrentJobs
		changed = true
	}
	if u.MaxQueueSize != nil && *u.MaxQueueSize != c.MaxQueueSize {
		c.MaxQueueSize = *u.MaxQueueSize
		changed = true
	}
	if u.PollInterval != nil && *u.PollInterval != c.PollInterval {
		c.PollInterval = *u.PollInterval
		changed = true
	}
	if u.DefaultTimeout != nil && *u.DefaultTimeout != c.DefaultTimeout {
		c.DefaultTimeout = *u.DefaultTimeout
		changed = true
	}
	return changed
}
