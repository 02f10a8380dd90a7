// Package maintenance runs recurring engine housekeeping tasks on cron
// schedules: purging old terminal jobs, pruning expired cache entries
// and delivery records, logging periodic stats.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a named recurring unit of housekeeping work.
type Task struct {
	// Name identifies the task in logs.
	Name string

	// Schedule is a standard 5-field cron expression or a descriptor
	// such as "@every 1m" or "@hourly".
	Schedule string

	// Run performs the work. Errors are logged, not fatal.
	Run func(ctx context.Context) error
}

type scheduled struct {
	task  Task
	sched cron.Schedule
}

// Runner executes registered tasks on their schedules. Add all tasks
// before calling Start.
type Runner struct {
	logger *slog.Logger
	parser cron.Parser

	mu      sync.Mutex
	tasks   []scheduled
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewRunner creates a maintenance runner. The parser accepts 5-field
// cron expressions and descriptors.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: logger,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Add registers a task. It fails if the schedule does not parse.
func (r *Runner) Add(t Task) error {
	sched, err := r.parser.Parse(t.Schedule)
	if err != nil {
		return fmt.Errorf("maintenance: task %q: parse schedule %q: %w", t.Name, t.Schedule, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, scheduled{task: t, sched: sched})
	return nil
}

// Start launches one goroutine per task. Calling Start twice is a no-op
// until Stop is called.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.stop = make(chan struct{})
	for _, s := range r.tasks {
		r.wg.Add(1)
		go r.loop(s, r.stop)
	}
}

// Stop halts all task loops and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stop)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) loop(s scheduled, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		next := s.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			r.runOnce(s)
		case <-stop:
			timer.Stop()
			return
		}
	}
}

func (r *Runner) runOnce(s scheduled) {
	start := time.Now()
	if err := s.task.Run(context.Background()); err != nil {
		r.logger.Warn("maintenance task failed",
			slog.String("task", s.task.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug("maintenance task completed",
		slog.String("task", s.task.Name),
		slog.Duration("elapsed", time.Since(start)),
	)
}
