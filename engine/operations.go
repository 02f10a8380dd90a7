package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// GetJob returns a copy of the job record.
func (e *Engine) GetJob(ctx context.Context, jobID id.ID) (*job.Job, error) {
	return e.store.Get(ctx, jobID)
}

// GetJobs lists jobs matching the filter, newest first.
func (e *Engine) GetJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	return e.store.List(ctx, f)
}

// CancelJob cancels a job in any non-terminal state. Pending jobs are
// removed from the queue; retrying jobs have their timer stopped; for
// running jobs the execution context is cancelled and the handler's
// eventual result is discarded. Cancelling a terminal job returns
// ErrInvalidState.
func (e *Engine) CancelJob(ctx context.Context, jobID id.ID, reason string) error {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return fmt.Errorf("%w: cannot cancel %s job", conveyor.ErrInvalidState, j.State)
	}

	switch j.State {
	case job.StatePending:
		e.scheduler.Remove(jobID)
	case job.StateRetrying:
		e.ctl.Retries().Cancel(jobID)
	}

	now := time.Now()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	if reason == "" {
		reason = "cancelled"
	}
	j.Log("cancelled: " + reason)
	if err := e.store.Update(ctx, j); err != nil {
		return err
	}

	// For running jobs the store state is flipped first so the
	// executor's finalization sees it and discards the result.
	e.ctl.CancelRunning(jobID)

	e.exts.EmitJobCancelled(ctx, j, reason)
	e.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.String("reason", reason),
	)
	return nil
}

// RetryJob re-enqueues a failed job as a fresh pending run: retry count
// zeroed, result cleared, version bumped. Only failed jobs can be
// retried this way. Option overrides apply to the new run only.
func (e *Engine) RetryJob(ctx context.Context, jobID id.ID, overrides ...job.Option) (*job.Job, error) {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateFailed {
		return nil, fmt.Errorf("%w: can only retry failed jobs, got %s", conveyor.ErrInvalidState, j.State)
	}

	fresh := j.Reset()
	for _, opt := range overrides {
		opt(&fresh.Options)
	}
	if err := e.store.Update(ctx, fresh); err != nil {
		return nil, err
	}
	e.scheduler.Push(fresh)
	e.exts.EmitJobEnqueued(ctx, fresh)
	e.ctl.Kick()

	e.logger.Info("job re-enqueued",
		slog.String("job_id", jobID.String()),
		slog.Int("version", fresh.Version),
	)
	return fresh, nil
}

// ClearQueue clears jobs by state and returns how many were affected.
// With no states (or StatePending) it cancels everything waiting in the
// queue; a terminal state removes those jobs from the store. Running
// and retrying jobs cannot be cleared this way.
func (e *Engine) ClearQueue(ctx context.Context, states ...job.State) (int, error) {
	if len(states) == 0 {
		states = []job.State{job.StatePending}
	}
	total := 0
	for _, state := range states {
		var (
			n   int
			err error
		)
		switch {
		case state == job.StatePending:
			n, err = e.clearPending(ctx)
		case state.Terminal():
			n, err = e.purgeState(ctx, state)
		default:
			err = fmt.Errorf("%w: cannot clear %s jobs", conveyor.ErrInvalidState, state)
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// clearPending cancels every job waiting in the scheduler.
func (e *Engine) clearPending(ctx context.Context) (int, error) {
	ids := e.scheduler.Clear()
	cleared := 0
	for _, jobID := range ids {
		j, err := e.store.Get(ctx, jobID)
		if err != nil || j.State != job.StatePending {
			continue
		}
		now := time.Now()
		j.State = job.StateCancelled
		j.CompletedAt = &now
		j.Log("cancelled: queue cleared")
		if err := e.store.Update(ctx, j); err != nil {
			if errors.Is(err, conveyor.ErrInvalidState) {
				continue
			}
			return cleared, err
		}
		e.exts.EmitJobCancelled(ctx, j, "queue cleared")
		cleared++
	}
	if cleared > 0 {
		e.logger.Info("queue cleared", slog.Int("jobs", cleared))
	}
	return cleared, nil
}

// purgeState removes all jobs in a terminal state from the store,
// regardless of retention windows.
func (e *Engine) purgeState(ctx context.Context, state job.State) (int, error) {
	jobs, err := e.store.List(ctx, job.Filter{States: []job.State{state}})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, j := range jobs {
		if err := e.store.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, conveyor.ErrJobNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("jobs purged",
			slog.String("state", string(state)),
			slog.Int("jobs", removed),
		)
	}
	return removed, nil
}

// Result decodes the successful result of a completed job into R.
func Result[R any](ctx context.Context, e *Engine, jobID id.ID) (R, error) {
	var out R
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return out, err
	}
	if j.Result == nil {
		return out, fmt.Errorf("%w: job %s has no result yet", conveyor.ErrInvalidState, jobID)
	}
	if !j.Result.Success {
		return out, fmt.Errorf("job %s failed: %s", jobID, j.Result.Error)
	}
	if err := e.registry.Codec().Decode(j.Result.Data, &out); err != nil {
		return out, fmt.Errorf("decode result for %s: %w", jobID, err)
	}
	return out, nil
}
