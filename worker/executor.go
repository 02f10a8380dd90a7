package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/cache"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/webhook"
)

// Executor runs one job at a time to a settled outcome.
type Executor struct {
	deps Deps
}

// NewExecutor creates an executor over the shared dependencies.
func NewExecutor(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Executor{deps: deps}
}

// Execute runs the job to completion. A nil return means the job
// settled (completed, served from cache, or discarded because it was
// cancelled); a non-nil error means the handler failed and the caller
// must route the job through the failure path.
func (e *Executor) Execute(ctx context.Context, jobID id.ID) error {
	d := &e.deps

	j, err := d.Store.Get(ctx, jobID)
	if err != nil {
		d.Logger.Debug("job vanished before execution", slog.String("job_id", jobID.String()))
		return nil
	}
	if j.State != job.StatePending {
		// Cancelled while queued, or a duplicate dispatch. Leave it.
		return nil
	}

	now := time.Now()
	j.State = job.StateRunning
	j.StartedAt = &now
	j.Log("execution started")
	if err := d.Store.Update(ctx, j); err != nil {
		if errors.Is(err, conveyor.ErrInvalidState) {
			// Cancelled between the read above and this write.
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}
	d.Exts.EmitJobStarted(ctx, j)

	if j.Options.CacheResults {
		key := cache.Key(j.Type, j.Payload)
		if data, ok := d.Cache.Get(key); ok {
			d.Logger.Debug("cache hit",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
			)
			return e.complete(ctx, j.ID, data, 0, true)
		}
	}

	handler, ok := d.Registry.Get(j.Type)
	if !ok {
		return fmt.Errorf("%w: %q", conveyor.ErrHandlerNotFound, j.Type)
	}

	timeout := j.Options.Timeout
	if timeout <= 0 {
		timeout = d.Config().DefaultTimeout
	}

	start := time.Now()
	data, err := e.runWithTimeout(ctx, j, handler, e.progressFunc(j), timeout)
	if err != nil {
		return err
	}
	return e.complete(ctx, j.ID, data, time.Since(start), false)
}

// runWithTimeout races the middleware-wrapped handler against the job
// timeout and the dispatch context.
func (e *Executor) runWithTimeout(ctx context.Context, j *job.Job, handler job.HandlerFunc, report job.ProgressFunc, timeout time.Duration) ([]byte, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	invoke := func(c context.Context) ([]byte, error) {
		return handler(c, j, report)
	}

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		if e.deps.Chain != nil {
			data, err := e.deps.Chain(runCtx, j, invoke)
			done <- outcome{data, err}
			return
		}
		data, err := invoke(runCtx)
		done <- outcome{data, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.data, out.err
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("%w after %s", conveyor.ErrJobTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// progressFunc builds the callback handed to the handler. Each report
// is persisted and fanned out to extensions; reports after the job left
// the running state are dropped.
func (e *Executor) progressFunc(j *job.Job) job.ProgressFunc {
	if !j.Options.EnableProgress {
		return func(job.Progress) {}
	}

	d := &e.deps
	jobID := j.ID
	start := time.Now()
	return func(p job.Progress) {
		if p.Total > 0 {
			p.Percentage = float64(p.Current) / float64(p.Total) * 100
			if p.Current > 0 && p.Current < p.Total {
				elapsed := time.Since(start)
				perUnit := float64(elapsed) / float64(p.Current)
				p.ETA = time.Duration(perUnit * float64(p.Total-p.Current))
			}
		}

		ctx := context.Background()
		cur, err := d.Store.Get(ctx, jobID)
		if err != nil || cur.State != job.StateRunning {
			return
		}
		cur.Progress = &p
		if err := d.Store.Update(ctx, cur); err != nil {
			return
		}
		d.Exts.EmitJobProgress(ctx, cur, p)
	}
}

// complete finalizes a successful execution. The job is re-read first:
// if it was cancelled while the handler ran, the result is discarded
// and the cancelled state stands.
func (e *Executor) complete(ctx context.Context, jobID id.ID, data []byte, elapsed time.Duration, cacheHit bool) error {
	d := &e.deps

	cur, err := d.Store.Get(ctx, jobID)
	if err != nil {
		return nil
	}
	if cur.State == job.StateCancelled {
		d.Logger.Debug("discarding result of cancelled job",
			slog.String("job_id", cur.ID.String()),
		)
		return nil
	}

	now := time.Now()
	cur.State = job.StateCompleted
	cur.CompletedAt = &now
	if cacheHit {
		cur.Log("served from result cache")
	} else {
		cur.Log("execution completed")
	}
	cur.Result = &job.Result{
		Success:       true,
		Data:          data,
		ExecutionTime: elapsed,
		RetryCount:    cur.RetryCount,
		CacheHit:      cacheHit,
		Logs:          cur.Logs,
	}
	if err := d.Store.Update(ctx, cur); err != nil {
		if errors.Is(err, conveyor.ErrInvalidState) {
			// A cancel won the race to the terminal state. The result
			// is discarded and no completion event fires.
			d.Logger.Debug("discarding result of cancelled job",
				slog.String("job_id", cur.ID.String()),
			)
			return nil
		}
		return fmt.Errorf("mark completed: %w", err)
	}

	if !cacheHit && cur.Options.CacheResults {
		d.Cache.Set(cache.Key(cur.Type, cur.Payload), data, cur.Options.CacheTTL)
	}

	d.Exts.EmitJobCompleted(ctx, cur, cur.Result)
	e.deliver(cur)
	return nil
}

// deliver fires the completion webhook in the background.
func (e *Executor) deliver(j *job.Job) {
	if !deliveryTarget(e.deps.WebhookDefaults, j.Options) {
		return
	}
	cfg := deliveryConfig(e.deps.WebhookDefaults, j.Options)
	ev := webhook.NewEvent(j)
	go func() {
		// Delivery failures are recorded on the delivery record and
		// logged by the service.
		_, _ = e.deps.Webhooks.Deliver(context.Background(), cfg, j.ID, ev)
	}()
}
