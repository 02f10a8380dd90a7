package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/webhook"
)

// RetryManager decides what happens to a failed job: schedule another
// attempt after a backoff delay, or mark it terminally failed.
type RetryManager struct {
	deps Deps

	// kick wakes the controller when a retried job re-enters the queue.
	kick func()

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewRetryManager creates a retry manager. kick is invoked after a
// retried job is pushed back onto the scheduler.
func NewRetryManager(deps Deps, kick func()) *RetryManager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if kick == nil {
		kick = func() {}
	}
	return &RetryManager{
		deps:   deps,
		kick:   kick,
		timers: make(map[string]*time.Timer),
	}
}

// HandleFailure routes a failed execution. The job is re-read from the
// store first; if it is no longer running (cancelled mid-flight, or
// already settled) nothing happens.
func (m *RetryManager) HandleFailure(ctx context.Context, jobID id.ID, execErr error) {
	d := &m.deps

	j, err := d.Store.Get(ctx, jobID)
	if err != nil {
		return
	}
	if j.State != job.StateRunning {
		d.Logger.Debug("dropping failure for settled job",
			slog.String("job_id", j.ID.String()),
			slog.String("state", string(j.State)),
		)
		return
	}

	j.LastError = execErr.Error()

	// A missing handler cannot succeed on retry.
	exhausted := j.RetryCount >= j.Options.MaxRetries ||
		errors.Is(execErr, conveyor.ErrHandlerNotFound)
	if exhausted {
		m.fail(ctx, j, execErr)
		return
	}

	attempt := j.RetryCount + 1
	j.RetryCount = attempt
	j.Version++
	j.State = job.StateRetrying

	policy := backoff.NewExponential(j.Options.RetryDelay, j.Options.RetryBackoff, 0)
	delay := policy.Delay(attempt)
	nextRunAt := time.Now().Add(delay)

	j.Log(fmt.Sprintf("attempt %d failed, retry %d/%d in %s: %v",
		attempt, attempt, j.Options.MaxRetries, delay, execErr))
	if err := d.Store.Update(ctx, j); err != nil {
		if errors.Is(err, conveyor.ErrInvalidState) {
			return
		}
		d.Logger.Error("persist retry state",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.Exts.EmitJobRetrying(ctx, j, attempt, nextRunAt)
	d.Logger.Info("job retry scheduled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.timers[jobID.String()] = time.AfterFunc(delay, func() { m.requeue(jobID) })
}

// requeue moves a retrying job back to pending and re-enters it into
// the scheduler.
func (m *RetryManager) requeue(jobID id.ID) {
	m.mu.Lock()
	delete(m.timers, jobID.String())
	m.mu.Unlock()

	d := &m.deps
	ctx := context.Background()
	j, err := d.Store.Get(ctx, jobID)
	if err != nil || j.State != job.StateRetrying {
		return
	}
	j.State = job.StatePending
	if err := d.Store.Update(ctx, j); err != nil {
		if errors.Is(err, conveyor.ErrInvalidState) {
			return
		}
		d.Logger.Error("requeue retried job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.Scheduler.Push(j)
	m.kick()
}

// fail marks the job terminally failed and notifies.
func (m *RetryManager) fail(ctx context.Context, j *job.Job, execErr error) {
	d := &m.deps

	now := time.Now()
	j.State = job.StateFailed
	j.CompletedAt = &now
	j.Log("failed permanently: " + execErr.Error())
	j.Result = &job.Result{
		Success:    false,
		Error:      execErr.Error(),
		RetryCount: j.RetryCount,
		Logs:       j.Logs,
	}
	if err := d.Store.Update(ctx, j); err != nil {
		if errors.Is(err, conveyor.ErrInvalidState) {
			// A cancel reached the terminal state first; drop the
			// failure without emitting.
			return
		}
		d.Logger.Error("persist failed state",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.Exts.EmitJobFailed(ctx, j, execErr)
	d.Logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("retries", j.RetryCount),
		slog.String("error", execErr.Error()),
	)

	if deliveryTarget(d.WebhookDefaults, j.Options) {
		cfg := deliveryConfig(d.WebhookDefaults, j.Options)
		ev := webhook.NewEvent(j)
		go func() {
			_, _ = d.Webhooks.Deliver(context.Background(), cfg, j.ID, ev)
		}()
	}
}

// Cancel stops a pending retry timer for the job, if any. The caller is
// responsible for the job's store state.
func (m *RetryManager) Cancel(jobID id.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jobID.String()
	t, ok := m.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(m.timers, key)
	return true
}

// Pending returns the number of jobs waiting out a retry delay.
func (m *RetryManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// resume lifts the stopped flag so new retry timers can be scheduled
// after a controller restart.
func (m *RetryManager) resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = false
}

// Stop cancels all pending retry timers. Jobs left in the retrying
// state stop progressing until the controller starts again.
func (m *RetryManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}
