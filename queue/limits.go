package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig defines per-job-type admission behaviour.
type LimitConfig struct {
	// Type is the job type this limit applies to.
	Type string

	// MaxActive limits how many jobs of this type may run simultaneously.
	// Zero means no type-specific limit (engine-wide concurrency still
	// applies).
	MaxActive int

	// RatePerSecond is the maximum sustained starts per second for this
	// type. Zero disables rate limiting.
	RatePerSecond float64

	// Burst is the token-bucket burst size. Defaults to 1 when
	// RatePerSecond is set but Burst is zero.
	Burst int
}

type limitState struct {
	config  LimitConfig
	limiter *rate.Limiter
	active  int
}

// Limits controls per-type rate limiting and concurrency.
// It is safe for concurrent use. Types without a config have no limits.
type Limits struct {
	mu    sync.Mutex
	types map[string]*limitState
}

// NewLimits creates Limits from the given configs.
func NewLimits(configs ...LimitConfig) *Limits {
	l := &Limits{types: make(map[string]*limitState, len(configs))}
	for _, cfg := range configs {
		l.types[cfg.Type] = newLimitState(cfg)
	}
	return l
}

func newLimitState(cfg LimitConfig) *limitState {
	ls := &limitState{config: cfg}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		ls.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return ls
}

// Acquire checks the rate limit and active ceiling for the job type.
// If the job may proceed it increments the active count and returns
// true. The caller MUST call Release when the job settles.
func (l *Limits) Acquire(jobType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls := l.types[jobType]
	if ls == nil {
		return true
	}
	if ls.limiter != nil && !ls.limiter.Allow() {
		return false
	}
	if ls.config.MaxActive > 0 && ls.active >= ls.config.MaxActive {
		return false
	}
	ls.active++
	return true
}

// Release decrements the active count for the job type.
func (l *Limits) Release(jobType string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls := l.types[jobType]; ls != nil && ls.active > 0 {
		ls.active--
	}
}

// Active returns the current active count for a job type.
func (l *Limits) Active(jobType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls := l.types[jobType]; ls != nil {
		return ls.active
	}
	return 0
}
