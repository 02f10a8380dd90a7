package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Controller dispatches pending jobs to executor goroutines, honoring
// the engine concurrency ceiling and per-type limits. It wakes on a
// poll ticker and on explicit kicks.
type Controller struct {
	deps    Deps
	exec    *Executor
	retries *RetryManager

	kickCh chan struct{}
	stopCh chan struct{}
	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup

	mu           sync.Mutex
	inflight     map[string]context.CancelFunc
	paused       bool
	started      bool
	idleNotified bool
}

// NewController creates a controller and its executor and retry
// manager.
func NewController(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Controller{
		deps:     deps,
		exec:     NewExecutor(deps),
		kickCh:   make(chan struct{}, 1),
		inflight: make(map[string]context.CancelFunc),
	}
	c.retries = NewRetryManager(deps, c.Kick)
	return c
}

// Retries exposes the retry manager so the engine can cancel pending
// retries.
func (c *Controller) Retries() *RetryManager { return c.retries }

// Start launches the dispatch loop. Calling Start twice is a no-op; a
// stopped controller can be started again.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.retries.resume()
	c.loopWG.Add(1)
	go c.run(c.stopCh)
}

// Kick wakes the dispatch loop immediately instead of waiting for the
// next poll tick. Called after enqueues and retries.
func (c *Controller) Kick() {
	c.mu.Lock()
	c.idleNotified = false
	c.mu.Unlock()
	c.poke()
}

func (c *Controller) poke() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

// Pause stops dispatching new jobs. In-flight jobs run to completion.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.deps.Logger.Info("queue paused")
}

// Resume restarts dispatching.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.deps.Logger.Info("queue resumed")
	c.Kick()
}

// Paused reports whether dispatching is paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Inflight returns the number of jobs currently executing.
func (c *Controller) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// CancelRunning cancels the execution context of an in-flight job.
// Returns false if the job is not currently executing. The handler
// keeps the CPU until it observes the cancellation; its result is
// discarded at finalization either way.
func (c *Controller) CancelRunning(jobID id.ID) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[jobID.String()]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Stop halts dispatching, stops retry timers, and waits for in-flight
// jobs until ctx expires. On expiry the remaining execution contexts
// are cancelled and ctx.Err is returned.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	stopCh := c.stopCh
	c.mu.Unlock()

	close(stopCh)
	c.loopWG.Wait()
	c.retries.Stop()

	done := make(chan struct{})
	go func() {
		c.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for _, cancel := range c.inflight {
			cancel()
		}
		c.mu.Unlock()
		c.deps.Logger.Warn("shutdown deadline reached with jobs in flight",
			slog.Int("inflight", c.Inflight()),
		)
		return ctx.Err()
	}
}

func (c *Controller) run(stop <-chan struct{}) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.deps.Config().PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.kickCh:
		case <-ticker.C:
		}
		c.dispatch()
	}
}

// dispatch pops pending jobs until the queue is empty, the concurrency
// ceiling is reached, or a per-type limit defers work to the next tick.
func (c *Controller) dispatch() {
	for {
		c.mu.Lock()
		blocked := c.paused || len(c.inflight) >= c.deps.Config().MaxConcurrentJobs
		c.mu.Unlock()
		if blocked {
			return
		}

		jobID, ok := c.deps.Scheduler.Pop()
		if !ok {
			c.maybeEmitIdle()
			return
		}

		ctx := context.Background()
		j, err := c.deps.Store.Get(ctx, jobID)
		if err != nil || j.State != job.StatePending {
			// Cancelled or removed while queued. Drop the entry.
			continue
		}

		if !c.deps.Limits.Acquire(j.Type) {
			// Rate or concurrency limited for this type. Put it back
			// and retry on the next tick; entries behind it wait too.
			c.deps.Scheduler.Push(j)
			return
		}

		c.launch(j)
	}
}

func (c *Controller) launch(j *job.Job) {
	execCtx, cancel := context.WithCancel(context.Background())
	key := j.ID.String()

	c.mu.Lock()
	c.inflight[key] = cancel
	c.mu.Unlock()

	c.jobWG.Add(1)
	go func() {
		defer c.jobWG.Done()
		defer func() {
			cancel()
			c.deps.Limits.Release(j.Type)
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			c.maybeEmitIdle()
			c.poke()
		}()

		if err := c.exec.Execute(execCtx, j.ID); err != nil {
			c.retries.HandleFailure(context.Background(), j.ID, err)
		}
	}()
}

// maybeEmitIdle emits the queue-empty event once per idle period: no
// pending entries, nothing in flight, no retries waiting.
func (c *Controller) maybeEmitIdle() {
	c.mu.Lock()
	idle := !c.idleNotified &&
		len(c.inflight) == 0 &&
		c.deps.Scheduler.Len() == 0 &&
		c.retries.Pending() == 0
	if idle {
		c.idleNotified = true
	}
	c.mu.Unlock()

	if idle {
		c.deps.Exts.EmitQueueEmpty(context.Background())
	}
}
