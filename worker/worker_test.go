package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/cache"
	"github.com/conveyorhq/conveyor/ext"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/webhook"
	"github.com/conveyorhq/conveyor/worker"
)

type harness struct {
	deps  worker.Deps
	store job.Store
	sched *queue.Scheduler
	ctl   *worker.Controller
}

func newHarness(t *testing.T, cfg conveyor.Config) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st := memory.New()
	h := &harness{
		store: st,
		sched: queue.NewScheduler(),
	}
	h.deps = worker.Deps{
		Store:     st,
		Registry:  job.NewRegistry(nil),
		Scheduler: h.sched,
		Limits:    queue.NewLimits(),
		Cache:     cache.New(1<<20, time.Minute),
		Webhooks:  webhook.NewService(nil, logger),
		Exts:      ext.NewRegistry(logger),
		Logger:    logger,
		Config:    func() conveyor.Config { return cfg },
	}
	h.ctl = worker.NewController(h.deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.ctl.Stop(ctx)
	})
	return h
}

func testConfig() conveyor.Config {
	cfg := conveyor.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DefaultTimeout = 2 * time.Second
	return cfg
}

func (h *harness) enqueue(t *testing.T, jobType string, opts job.Options) *job.Job {
	t.Helper()
	j := &job.Job{
		ID:        id.NewJobID(),
		Type:      jobType,
		State:     job.StatePending,
		Options:   opts,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := h.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	h.sched.Push(j)
	h.ctl.Kick()
	return j
}

func (h *harness) waitForState(t *testing.T, jobID id.ID, want job.State) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := h.store.Get(context.Background(), jobID)
		if err == nil && j.State == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s (last: %+v, err: %v)", jobID, want, j, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_ExecutesJob(t *testing.T) {
	h := newHarness(t, testConfig())

	var ran atomic.Bool
	h.deps.Registry.RegisterRaw("greet", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		ran.Store(true)
		return []byte(`"hello"`), nil
	}, job.DefaultOptions())

	h.ctl.Start()
	j := h.enqueue(t, "greet", job.DefaultOptions())

	done := h.waitForState(t, j.ID, job.StateCompleted)
	if !ran.Load() {
		t.Error("handler never ran")
	}
	if done.Result == nil || !done.Result.Success || string(done.Result.Data) != `"hello"` {
		t.Errorf("result = %+v", done.Result)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("timestamps not set")
	}
}

func TestController_RetriesUntilSuccess(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int32
	h.deps.Registry.RegisterRaw("flaky", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte(`"ok"`), nil
	}, job.DefaultOptions())

	opts := job.DefaultOptions()
	opts.MaxRetries = 5
	opts.RetryDelay = 10 * time.Millisecond
	opts.RetryBackoff = 1

	h.ctl.Start()
	j := h.enqueue(t, "flaky", opts)

	done := h.waitForState(t, j.ID, job.StateCompleted)
	if calls.Load() != 3 {
		t.Errorf("handler ran %d times, want 3", calls.Load())
	}
	if done.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", done.RetryCount)
	}
	if done.Version != 2 {
		t.Errorf("version = %d, want 2", done.Version)
	}
}

func TestController_ExhaustsRetries(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int32
	h.deps.Registry.RegisterRaw("doomed", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("permanent")
	}, job.DefaultOptions())

	opts := job.DefaultOptions()
	opts.MaxRetries = 2
	opts.RetryDelay = 5 * time.Millisecond
	opts.RetryBackoff = 1

	h.ctl.Start()
	j := h.enqueue(t, "doomed", opts)

	done := h.waitForState(t, j.ID, job.StateFailed)
	if calls.Load() != 3 { // initial + 2 retries
		t.Errorf("handler ran %d times, want 3", calls.Load())
	}
	if done.Result == nil || done.Result.Success {
		t.Errorf("result = %+v, want failure", done.Result)
	}
	if done.Result.Error != "permanent" {
		t.Errorf("result error = %q", done.Result.Error)
	}
}

func TestController_MissingHandlerFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.ctl.Start()

	opts := job.DefaultOptions()
	opts.MaxRetries = 5
	j := h.enqueue(t, "unregistered", opts)

	done := h.waitForState(t, j.ID, job.StateFailed)
	if done.RetryCount != 0 {
		t.Errorf("retryCount = %d, want 0", done.RetryCount)
	}
}

func TestController_Timeout(t *testing.T) {
	h := newHarness(t, testConfig())

	h.deps.Registry.RegisterRaw("slow", func(ctx context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		select {
		case <-time.After(5 * time.Second):
			return []byte("{}"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, job.DefaultOptions())

	opts := job.DefaultOptions()
	opts.MaxRetries = 0
	opts.Timeout = 30 * time.Millisecond

	h.ctl.Start()
	j := h.enqueue(t, "slow", opts)

	done := h.waitForState(t, j.ID, job.StateFailed)
	if !strings.Contains(done.LastError, "timed out") {
		t.Errorf("lastError = %q, want timeout", done.LastError)
	}
}

func TestController_ConcurrencyCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	h := newHarness(t, cfg)

	var active, maxActive atomic.Int32
	h.deps.Registry.RegisterRaw("serial", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return []byte("{}"), nil
	}, job.DefaultOptions())

	h.ctl.Start()
	var jobs []*job.Job
	for range 4 {
		jobs = append(jobs, h.enqueue(t, "serial", job.DefaultOptions()))
	}
	for _, j := range jobs {
		h.waitForState(t, j.ID, job.StateCompleted)
	}
	if maxActive.Load() != 1 {
		t.Errorf("max concurrent executions = %d, want 1", maxActive.Load())
	}
}

func TestController_PriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	h := newHarness(t, cfg)

	ran := make(chan string, 8)
	h.deps.Registry.RegisterRaw("ordered", func(_ context.Context, j *job.Job, _ job.ProgressFunc) ([]byte, error) {
		ran <- string(j.Payload)
		return []byte("{}"), nil
	}, job.DefaultOptions())

	// Enqueue before starting so ordering is decided purely by priority.
	low := job.DefaultOptions()
	low.Priority = 1
	high := job.DefaultOptions()
	high.Priority = 10

	jLow := h.enqueue(t, "ordered", low)
	jLow.Payload = []byte("low")
	_ = h.store.Update(context.Background(), jLow)

	jHigh := h.enqueue(t, "ordered", high)
	jHigh.Payload = []byte("high")
	_ = h.store.Update(context.Background(), jHigh)

	h.ctl.Start()
	h.waitForState(t, jLow.ID, job.StateCompleted)
	h.waitForState(t, jHigh.ID, job.StateCompleted)

	first := <-ran
	if first != "high" {
		t.Errorf("first executed payload = %q, want high", first)
	}
}

func TestController_CacheShortCircuit(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int32
	h.deps.Registry.RegisterRaw("memo", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		calls.Add(1)
		return []byte(`"computed"`), nil
	}, job.DefaultOptions())

	opts := job.DefaultOptions()
	opts.CacheResults = true

	h.ctl.Start()
	j1 := h.enqueue(t, "memo", opts)
	h.waitForState(t, j1.ID, job.StateCompleted)

	j2 := h.enqueue(t, "memo", opts)
	done := h.waitForState(t, j2.ID, job.StateCompleted)

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	if done.Result == nil || !done.Result.CacheHit {
		t.Errorf("result = %+v, want cache hit", done.Result)
	}
	if string(done.Result.Data) != `"computed"` {
		t.Errorf("cached data = %q", done.Result.Data)
	}
}

func TestController_CancelRunningDiscardsResult(t *testing.T) {
	h := newHarness(t, testConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	h.deps.Registry.RegisterRaw("blocker", func(ctx context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return []byte("{}"), nil
	}, job.DefaultOptions())

	h.ctl.Start()
	j := h.enqueue(t, "blocker", job.DefaultOptions())
	<-started

	// Mark cancelled in the store, then cancel the execution context.
	cur, _ := h.store.Get(context.Background(), j.ID)
	cur.State = job.StateCancelled
	if err := h.store.Update(context.Background(), cur); err != nil {
		t.Fatal(err)
	}
	if !h.ctl.CancelRunning(j.ID) {
		t.Fatal("CancelRunning found no in-flight job")
	}
	close(release)

	// The job must stay cancelled; the handler result is discarded.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := h.store.Get(context.Background(), j.ID)
		if got.State != job.StateCancelled {
			t.Fatalf("state = %s after cancel", got.State)
		}
		if h.ctl.Inflight() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never left the in-flight set")
}

func TestController_ProgressReports(t *testing.T) {
	h := newHarness(t, testConfig())

	h.deps.Registry.RegisterRaw("steps", func(_ context.Context, _ *job.Job, report job.ProgressFunc) ([]byte, error) {
		for i := 1; i <= 4; i++ {
			report(job.Progress{Current: i, Total: 4, Stage: "work"})
		}
		return []byte("{}"), nil
	}, job.DefaultOptions())

	var reports atomic.Int32
	h.deps.Exts.Register(&progressCounter{count: &reports})

	h.ctl.Start()
	j := h.enqueue(t, "steps", job.DefaultOptions())
	done := h.waitForState(t, j.ID, job.StateCompleted)

	if reports.Load() != 4 {
		t.Errorf("progress events = %d, want 4", reports.Load())
	}
	if done.Progress == nil || done.Progress.Percentage != 100 {
		t.Errorf("final progress = %+v", done.Progress)
	}
}

type progressCounter struct {
	count *atomic.Int32
}

func (p *progressCounter) Name() string { return "progress-counter" }

func (p *progressCounter) OnJobProgress(_ context.Context, _ *job.Job, _ job.Progress) error {
	p.count.Add(1)
	return nil
}

func TestController_PauseResume(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int32
	h.deps.Registry.RegisterRaw("work", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		calls.Add(1)
		return []byte("{}"), nil
	}, job.DefaultOptions())

	h.ctl.Start()
	h.ctl.Pause()

	j := h.enqueue(t, "work", job.DefaultOptions())
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("job executed while paused")
	}
	if !h.ctl.Paused() {
		t.Fatal("Paused() = false")
	}

	h.ctl.Resume()
	h.waitForState(t, j.ID, job.StateCompleted)
}

func TestController_QueueEmptyEvent(t *testing.T) {
	h := newHarness(t, testConfig())

	h.deps.Registry.RegisterRaw("work", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		return []byte("{}"), nil
	}, job.DefaultOptions())

	var empties atomic.Int32
	h.deps.Exts.Register(&idleCounter{count: &empties})

	h.ctl.Start()
	j := h.enqueue(t, "work", job.DefaultOptions())
	h.waitForState(t, j.ID, job.StateCompleted)

	deadline := time.Now().Add(time.Second)
	for empties.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue-empty event never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The event fires once per idle period, not on every poll tick.
	settled := empties.Load()
	time.Sleep(100 * time.Millisecond)
	if got := empties.Load(); got != settled {
		t.Errorf("queue-empty fired %d more times while idle", got-settled)
	}
}

type idleCounter struct {
	count *atomic.Int32
}

func (c *idleCounter) Name() string { return "idle-counter" }

func (c *idleCounter) OnQueueEmpty(_ context.Context) error {
	c.count.Add(1)
	return nil
}

func TestController_TypeLimit(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.deps.Limits = queue.NewLimits(queue.LimitConfig{Type: "narrow", MaxActive: 1})
	h.ctl = worker.NewController(h.deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.ctl.Stop(ctx)
	})

	var active, maxActive atomic.Int32
	h.deps.Registry.RegisterRaw("narrow", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return []byte("{}"), nil
	}, job.DefaultOptions())

	h.ctl.Start()
	var jobs []*job.Job
	for range 3 {
		jobs = append(jobs, h.enqueue(t, "narrow", job.DefaultOptions()))
	}
	for _, j := range jobs {
		h.waitForState(t, j.ID, job.StateCompleted)
	}
	if maxActive.Load() != 1 {
		t.Errorf("max active for limited type = %d, want 1", maxActive.Load())
	}
}

func TestRetryManager_CancelPendingRetry(t *testing.T) {
	h := newHarness(t, testConfig())

	h.deps.Registry.RegisterRaw("flaky", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		return nil, errors.New("transient")
	}, job.DefaultOptions())

	opts := job.DefaultOptions()
	opts.MaxRetries = 3
	opts.RetryDelay = time.Hour // never fires during the test

	h.ctl.Start()
	j := h.enqueue(t, "flaky", opts)
	h.waitForState(t, j.ID, job.StateRetrying)

	if h.ctl.Retries().Pending() != 1 {
		t.Fatalf("pending retries = %d, want 1", h.ctl.Retries().Pending())
	}
	if !h.ctl.Retries().Cancel(j.ID) {
		t.Fatal("Cancel returned false for pending retry")
	}
	if h.ctl.Retries().Pending() != 0 {
		t.Error("retry timer still pending after cancel")
	}
}

func TestController_StopWaitsForInflight(t *testing.T) {
	h := newHarness(t, testConfig())

	h.deps.Registry.RegisterRaw("quick", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		time.Sleep(30 * time.Millisecond)
		return []byte("{}"), nil
	}, job.DefaultOptions())

	h.ctl.Start()
	j := h.enqueue(t, "quick", job.DefaultOptions())

	// Give the dispatcher a moment to pick the job up.
	deadline := time.Now().Add(time.Second)
	for h.ctl.Inflight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := h.store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("state after graceful stop = %s, want completed", got.State)
	}
}

func TestController_RestartAfterStop(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int32
	h.deps.Registry.RegisterRaw("task", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		calls.Add(1)
		return []byte("{}"), nil
	}, job.DefaultOptions())

	h.ctl.Start()
	first := h.enqueue(t, "task", job.DefaultOptions())
	h.waitForState(t, first.ID, job.StateCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A stopped controller must come back up and drain new work.
	h.ctl.Start()
	second := h.enqueue(t, "task", job.DefaultOptions())
	h.waitForState(t, second.ID, job.StateCompleted)

	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}
