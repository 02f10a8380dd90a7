// Package engine assembles the job engine: registry, scheduler, store,
// cache, workers, retries, webhooks, stats and maintenance, behind one
// façade.
//
// Construction and use follow the functional-option pattern:
//
//	eng := engine.New(
//	    engine.WithConcurrency(4),
//	    engine.WithLogger(logger),
//	)
//	engine.Register(eng, job.NewDefinition("resize", resizeHandler))
//	eng.Start()
//	defer eng.Shutdown(context.Background())
//
//	j, err := engine.Enqueue(ctx, eng, "resize", ResizeRequest{Width: 800})
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/cache"
	"github.com/conveyorhq/conveyor/ext"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/maintenance"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/stats"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/webhook"
	"github.com/conveyorhq/conveyor/worker"
)

// Engine is the top-level job engine façade. All methods are safe for
// concurrent use.
type Engine struct {
	logger    *slog.Logger
	registry  *job.Registry
	store     job.Store
	scheduler *queue.Scheduler
	limits    *queue.Limits
	cache     *cache.Cache
	webhooks  *webhook.Service
	exts      *ext.Registry
	collector *stats.Collector
	ctl       *worker.Controller
	runner    *maintenance.Runner

	cfgMu sync.RWMutex
	cfg   conveyor.Config

	started atomic.Bool
	closed  atomic.Bool
}

// New builds an engine from the given options. Call Start to begin
// processing.
func New(opts ...Option) *Engine {
	s := settings{config: conveyor.DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.store == nil {
		s.store = memory.New()
	}

	e := &Engine{
		logger:    s.logger,
		registry:  job.NewRegistry(s.codec),
		store:     s.store,
		scheduler: queue.NewScheduler(),
		limits:    queue.NewLimits(s.limits...),
		cache:     cache.New(s.config.CacheMaxBytes, s.config.CacheDefaultTTL),
		webhooks:  webhook.NewService(s.codec, s.logger),
		exts:      ext.NewRegistry(s.logger),
		cfg:       s.config,
	}

	e.collector = stats.NewCollector(stats.Providers{
		QueueDepth:    e.scheduler.Len,
		QueueCapacity: func() int { return e.Config().MaxQueueSize },
		Running:       func() int { return e.ctl.Inflight() },
		Cache:         e.cache.Stats,
	})
	e.exts.Register(e.collector)
	for _, x := range s.extensions {
		e.exts.Register(x)
	}

	chain := middleware.Chain(append(
		[]middleware.Middleware{middleware.Recover(s.logger)},
		s.middlewares...,
	)...)

	e.ctl = worker.NewController(worker.Deps{
		Store:           e.store,
		Registry:        e.registry,
		Scheduler:       e.scheduler,
		Limits:          e.limits,
		Cache:           e.cache,
		Webhooks:        e.webhooks,
		Exts:            e.exts,
		Chain:           chain,
		Logger:          s.logger,
		Config:          e.Config,
		WebhookDefaults: s.webhooks,
	})

	e.runner = maintenance.NewRunner(s.logger)
	return e
}

// Start begins dispatching jobs and launches maintenance tasks.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return conveyor.ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	cfg := e.Config()
	if err := e.runner.Add(maintenance.Task{
		Name:     "cleanup",
		Schedule: cfg.CleanupSchedule,
		Run: func(ctx context.Context) error {
			_, err := e.CleanupOldJobs(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	if err := e.runner.Add(maintenance.Task{
		Name:     "stats",
		Schedule: cfg.StatsSchedule,
		Run: func(_ context.Context) error {
			s := e.Statistics()
			e.logger.Info("engine statistics",
				slog.Int("queue_depth", s.QueueDepth),
				slog.Int("running", s.Running),
				slog.Int64("completed", s.Completed),
				slog.Int64("failed", s.Failed),
				slog.Int("throughput_per_min", s.ThroughputPerMin),
				slog.Float64("error_rate", s.ErrorRate),
				slog.Float64("cache_hit_rate", s.CacheHitRate),
			)
			return nil
		},
	}); err != nil {
		return err
	}

	e.ctl.Start()
	e.runner.Start()
	e.logger.Info("engine started",
		slog.Int("max_concurrent", cfg.MaxConcurrentJobs),
		slog.Int("max_queue_size", cfg.MaxQueueSize),
	)
	return nil
}

// Shutdown stops accepting work and waits for in-flight jobs. If ctx
// carries no deadline the configured shutdown timeout applies.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("engine shutting down")
	e.exts.EmitShutdown(ctx)
	e.runner.Stop()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config().ShutdownTimeout)
		defer cancel()
	}
	err := e.ctl.Stop(ctx)
	e.logger.Info("engine stopped")
	return err
}

// Pause suspends dispatching. In-flight jobs finish normally.
func (e *Engine) Pause() { e.ctl.Pause() }

// Resume restarts dispatching after a pause.
func (e *Engine) Resume() { e.ctl.Resume() }

// Paused reports whether dispatching is suspended.
func (e *Engine) Paused() bool { return e.ctl.Paused() }

// Config returns a copy of the current configuration.
func (e *Engine) Config() conveyor.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// UpdateConfig applies a partial configuration change at runtime and
// reports whether anything changed. Pool size changes take effect on
// the next dispatch; poll interval changes on the next start.
func (e *Engine) UpdateConfig(u conveyor.ConfigUpdate) bool {
	e.cfgMu.Lock()
	changed := u.Apply(&e.cfg)
	cfg := e.cfg
	e.cfgMu.Unlock()
	if changed {
		e.logger.Info("configuration updated",
			slog.Int("max_concurrent", cfg.MaxConcurrentJobs),
			slog.Int("max_queue_size", cfg.MaxQueueSize),
		)
		e.ctl.Kick()
	}
	return changed
}

// Register registers a typed job definition on the engine.
func Register[T, R any](e *Engine, def *job.Definition[T, R]) {
	job.RegisterDefinition(e.registry, def)
}

// RegisterRaw registers a type-erased handler with per-type defaults.
func (e *Engine) RegisterRaw(jobType string, handler job.HandlerFunc, defaults job.Options) {
	e.registry.RegisterRaw(jobType, handler, defaults)
}

// Unregister removes the handler for a job type. Queued jobs of that
// type will fail when dispatched.
func (e *Engine) Unregister(jobType string) bool {
	return e.registry.Unregister(jobType)
}

// Types returns all registered job types.
func (e *Engine) Types() []string { return e.registry.Types() }

// Statistics returns a snapshot of engine counters and gauges.
func (e *Engine) Statistics() stats.Snapshot { return e.collector.Snapshot() }

// HealthStatus derives a health assessment from current statistics.
func (e *Engine) HealthStatus() stats.Health { return e.collector.Health() }

// CacheStats returns result cache hit/miss accounting.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// ClearCache removes cached results matching the glob pattern, or all
// of them when pattern is empty. Returns the number removed.
func (e *Engine) ClearCache(pattern string) (int, error) {
	return e.cache.Clear(pattern)
}

// Delivery returns the webhook delivery record for an ID.
func (e *Engine) Delivery(deliveryID id.ID) (*webhook.Record, error) {
	return e.webhooks.Delivery(deliveryID)
}

// QueueDepth returns the number of jobs waiting to be dispatched.
func (e *Engine) QueueDepth() int { return e.scheduler.Len() }

// CleanupOldJobs purges terminal jobs past their retention windows,
// expired cache entries, and settled delivery records. Returns the
// number of jobs removed.
func (e *Engine) CleanupOldJobs(ctx context.Context) (int, error) {
	cfg := e.Config()
	now := time.Now()

	total := 0
	for _, p := range []struct {
		state     job.State
		retention time.Duration
	}{
		{job.StateCompleted, cfg.CompletedRetention},
		{job.StateFailed, cfg.FailedRetention},
		{job.StateCancelled, cfg.CancelledRetention},
	} {
		if p.retention <= 0 {
			continue
		}
		n, err := e.store.PurgeTerminal(ctx, p.state, now.Add(-p.retention))
		if err != nil {
			return total, err
		}
		total += n
	}

	pruned := e.cache.Prune()
	delRemoved := e.webhooks.Prune(now.Add(-cfg.CompletedRetention))
	if total > 0 || pruned > 0 || delRemoved > 0 {
		e.logger.Debug("cleanup sweep",
			slog.Int("jobs_purged", total),
			slog.Int("cache_pruned", pruned),
			slog.Int("deliveries_pruned", delRemoved),
		)
	}
	return total, nil
}
