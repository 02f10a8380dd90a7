// Package stats aggregates engine runtime statistics and derives a
// coarse health assessment from them.
//
// The Collector is an extension: it observes lifecycle events through
// the hook interfaces and keeps counters, so it sees exactly the events
// the rest of the system sees.
package stats

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/cache"
	"github.com/conveyorhq/conveyor/job"
)

// HealthState classifies overall engine health.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Degraded HealthState = "degraded"
	Critical HealthState = "critical"
)

// Snapshot is a point-in-time view of engine statistics.
type Snapshot struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Retries   int64 `json:"retries"`

	QueueDepth    int `json:"queueDepth"`
	QueueCapacity int `json:"queueCapacity"`
	Running       int `json:"running"`

	// ThroughputPerMin counts jobs that finished in the last minute.
	ThroughputPerMin int `json:"throughputPerMin"`

	// ErrorRate is failed over all finished jobs, in [0, 1].
	ErrorRate float64 `json:"errorRate"`

	// AvgExecMs is the mean handler execution time of completed jobs.
	AvgExecMs float64 `json:"avgExecMs"`

	CacheHitRate float64 `json:"cacheHitRate"`
	CacheEntries int     `json:"cacheEntries"`

	// MemoryBytes is the process heap in use.
	MemoryBytes uint64 `json:"memoryBytes"`

	CollectedAt time.Time `json:"collectedAt"`
}

// Health is the derived health assessment.
type Health struct {
	Status          HealthState `json:"status"`
	Issues          []string    `json:"issues,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
	Snapshot        Snapshot    `json:"snapshot"`
}

// Providers supplies the live gauges the collector cannot observe
// through lifecycle events.
type Providers struct {
	QueueDepth    func() int
	QueueCapacity func() int
	Running       func() int
	Cache         func() cache.Stats
}

// Collector accumulates counters from lifecycle events. Safe for
// concurrent use.
type Collector struct {
	providers Providers

	mu        sync.Mutex
	enqueued  int64
	completed int64
	failed    int64
	cancelled int64
	retries   int64
	execSum   time.Duration

	// finishedAt holds finish timestamps within the throughput window.
	finishedAt []time.Time
}

const throughputWindow = time.Minute

// NewCollector creates a stats collector. Nil provider funcs read as
// zero.
func NewCollector(p Providers) *Collector {
	return &Collector{providers: p}
}

// Name implements ext.Extension.
func (c *Collector) Name() string { return "stats" }

// OnJobEnqueued counts accepted jobs.
func (c *Collector) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	c.mu.Lock()
	c.enqueued++
	c.mu.Unlock()
	return nil
}

// OnJobCompleted counts successes and accumulates execution time.
func (c *Collector) OnJobCompleted(_ context.Context, _ *job.Job, res *job.Result) error {
	c.mu.Lock()
	c.completed++
	if res != nil {
		c.execSum += res.ExecutionTime
	}
	c.markFinished(time.Now())
	c.mu.Unlock()
	return nil
}

// OnJobFailed counts terminal failures.
func (c *Collector) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	c.mu.Lock()
	c.failed++
	c.markFinished(time.Now())
	c.mu.Unlock()
	return nil
}

// OnJobCancelled counts cancellations.
func (c *Collector) OnJobCancelled(_ context.Context, _ *job.Job, _ string) error {
	c.mu.Lock()
	c.cancelled++
	c.mu.Unlock()
	return nil
}

// OnJobRetrying counts retry attempts.
func (c *Collector) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
	return nil
}

// markFinished records a finish time and trims entries outside the
// window. Caller holds c.mu.
func (c *Collector) markFinished(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	trimmed := c.finishedAt[:0]
	for _, ts := range c.finishedAt {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	c.finishedAt = append(trimmed, now)
}

// Snapshot returns current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Enqueued:    c.enqueued,
		Completed:   c.completed,
		Failed:      c.failed,
		Cancelled:   c.cancelled,
		Retries:     c.retries,
		CollectedAt: time.Now(),
	}
	cutoff := s.CollectedAt.Add(-throughputWindow)
	for _, ts := range c.finishedAt {
		if ts.After(cutoff) {
			s.ThroughputPerMin++
		}
	}
	if finished := c.completed + c.failed; finished > 0 {
		s.ErrorRate = float64(c.failed) / float64(finished)
	}
	if c.completed > 0 {
		s.AvgExecMs = float64(c.execSum) / float64(c.completed) / float64(time.Millisecond)
	}
	c.mu.Unlock()

	if f := c.providers.QueueDepth; f != nil {
		s.QueueDepth = f()
	}
	if f := c.providers.QueueCapacity; f != nil {
		s.QueueCapacity = f()
	}
	if f := c.providers.Running; f != nil {
		s.Running = f()
	}
	if f := c.providers.Cache; f != nil {
		cs := f()
		s.CacheHitRate = cs.HitRate
		s.CacheEntries = cs.Entries
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.MemoryBytes = mem.HeapInuse

	return s
}

// Health derives a health assessment from the current snapshot.
// Error rate at or above 50% is critical; at or above 20%, or a queue
// at or above 80% of capacity, is degraded.
func (c *Collector) Health() Health {
	s := c.Snapshot()
	h := Health{Status: Healthy, Snapshot: s}

	switch {
	case s.ErrorRate >= 0.5:
		h.Status = Critical
		h.Issues = append(h.Issues, "error rate at or above 50%")
		h.Recommendations = append(h.Recommendations, "inspect failing job types and recent handler changes")
	case s.ErrorRate >= 0.2:
		h.Status = Degraded
		h.Issues = append(h.Issues, "error rate at or above 20%")
		h.Recommendations = append(h.Recommendations, "review recent failures before they compound")
	}

	if s.QueueCapacity > 0 {
		fill := float64(s.QueueDepth) / float64(s.QueueCapacity)
		if fill >= 0.8 {
			if h.Status == Healthy {
				h.Status = Degraded
			}
			h.Issues = append(h.Issues, "queue at or above 80% of capacity")
			h.Recommendations = append(h.Recommendations, "raise concurrency or queue capacity, or shed load upstream")
		}
	}

	return h
}

// Reset zeroes all counters. Intended for tests and for operators
// wanting a fresh measurement window.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueued, c.completed, c.failed, c.cancelled, c.retries = 0, 0, 0, 0, 0
	c.execSum = 0
	c.finishedAt = nil
}
