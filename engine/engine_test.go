package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/webhook"
)

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	base := []engine.Option{
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithPollInterval(10 * time.Millisecond),
	}
	e := engine.New(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func waitForState(t *testing.T, e *engine.Engine, jobID id.ID, want job.State) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := e.GetJob(context.Background(), jobID)
		if err == nil && j.State == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s (last: %+v, err: %v)", jobID, want, j, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type echoIn struct {
	Text string `json:"text"`
}

type echoOut struct {
	Echoed string `json:"echoed"`
}

func registerEcho(e *engine.Engine) {
	engine.Register(e, job.NewDefinition("echo",
		func(_ context.Context, in echoIn, _ job.ProgressFunc) (echoOut, error) {
			return echoOut{Echoed: in.Text}, nil
		}))
}

func TestEngine_TypedRoundTrip(t *testing.T) {
	e := newEngine(t)
	registerEcho(e)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	j, err := engine.Enqueue(context.Background(), e, "echo", echoIn{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, j.ID, job.StateCompleted)

	out, err := engine.Result[echoOut](context.Background(), e, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Echoed != "hi" {
		t.Errorf("echoed = %q", out.Echoed)
	}
}

func TestEngine_EnqueueUnknownType(t *testing.T) {
	e := newEngine(t)
	_, err := engine.Enqueue(context.Background(), e, "nope", echoIn{})
	if !errors.Is(err, conveyor.ErrHandlerNotFound) {
		t.Fatalf("err = %v, want ErrHandlerNotFound", err)
	}
}

func TestEngine_PriorityOrdering(t *testing.T) {
	e := newEngine(t, engine.WithConcurrency(1))
	order := make(chan string, 8)
	e.RegisterRaw("task", func(_ context.Context, j *job.Job, _ job.ProgressFunc) ([]byte, error) {
		order <- string(j.Payload)
		return []byte("{}"), nil
	}, job.DefaultOptions())

	// Enqueue before Start so dispatch order is decided by priority.
	ctx := context.Background()
	low, err := e.EnqueueRaw(ctx, "task", []byte("low"), job.Origin{}, job.WithPriority(1))
	if err != nil {
		t.Fatal(err)
	}
	high, err := e.EnqueueRaw(ctx, "task", []byte("high"), job.Origin{}, job.WithPriority(10))
	if err != nil {
		t.Fatal(err)
	}
	mid, err := e.EnqueueRaw(ctx, "task", []byte("mid"), job.Origin{}, job.WithPriority(5))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	for _, j := range []*job.Job{low, high, mid} {
		waitForState(t, e, j.ID, job.StateCompleted)
	}

	got := []string{<-order, <-order, <-order}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestEngine_RetryBackoffDelays(t *testing.T) {
	e := newEngine(t)
	var calls atomic.Int32
	e.RegisterRaw("flaky", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte("{}"), nil
	}, job.DefaultOptions())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	j, err := e.EnqueueRaw(context.Background(), "flaky", nil, job.Origin{},
		job.WithMaxRetries(5),
		job.WithRetryDelay(100*time.Millisecond),
		job.WithRetryBackoff(2),
	)
	if err != nil {
		t.Fatal(err)
	}
	done := waitForState(t, e, j.ID, job.StateCompleted)
	elapsed := time.Since(start)

	// Two retries with delays of 100ms and 200ms.
	if elapsed < 280*time.Millisecond {
		t.Errorf("completed after %v, expected at least ~300ms of backoff", elapsed)
	}
	if done.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", done.RetryCount)
	}
}

func TestEngine_QueueFull(t *testing.T) {
	e := newEngine(t, engine.WithMaxQueueSize(2))
	e.RegisterRaw("task", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		return []byte("{}"), nil
	}, job.DefaultOptions())
	// Engine not started: jobs stay pending and hold capacity.

	ctx := context.Background()
	for range 2 {
		if _, err := e.EnqueueRaw(ctx, "task", nil, job.Origin{}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := e.EnqueueRaw(ctx, "task", nil, job.Origin{})
	if !errors.Is(err, conveyor.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestEngine_CacheHit(t *testing.T) {
	e := newEngine(t)
	var calls atomic.Int32
	engine.Register(e, job.NewDefinition("memo",
		func(_ context.Context, in echoIn, _ job.ProgressFunc) (echoOut, error) {
			calls.Add(1)
			return echoOut{Echoed: in.Text}, nil
		}))
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	j1, err := engine.Enqueue(ctx, e, "memo", echoIn{Text: "same"}, job.WithCache(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, j1.ID, job.StateCompleted)

	j2, err := engine.Enqueue(ctx, e, "memo", echoIn{Text: "same"}, job.WithCache(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	done := waitForState(t, e, j2.ID, job.StateCompleted)

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	if done.Result == nil || !done.Result.CacheHit {
		t.Errorf("result = %+v, want cache hit", done.Result)
	}
	if cs := e.CacheStats(); cs.Hits != 1 {
		t.Errorf("cache hits = %d, want 1", cs.Hits)
	}
}

func TestEngine_SerializedExecution(t *testing.T) {
	e := newEngine(t, engine.WithConcurrency(1))
	var active, maxActive atomic.Int32
	e.RegisterRaw("serial", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		active.Add(-1)
		return []byte("{}"), nil
	}, job.DefaultOptions())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	var jobs []*job.Job
	for range 4 {
		j, err := e.EnqueueRaw(ctx, "serial", nil, job.Origin{})
		if err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, j)
	}
	for _, j := range jobs {
		waitForState(t, e, j.ID, job.StateCompleted)
	}
	if maxActive.Load() != 1 {
		t.Errorf("max concurrent = %d, want 1", maxActive.Load())
	}
}

func TestEngine_CancelPendingJob(t *testing.T) {
	e := newEngine(t)
	e.RegisterRaw("task", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		return []byte("{}"), nil
	}, job.DefaultOptions())
	// Not started, so the job stays pending.

	ctx := context.Background()
	j, err := e.EnqueueRaw(ctx, "task", nil, job.Origin{})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.CancelJob(ctx, j.ID, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	got, err := e.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("state = %s", got.State)
	}
	if e.QueueDepth() != 0 {
		t.Errorf("queue depth = %d after cancel", e.QueueDepth())
	}

	// Cancelling again is an invalid transition.
	if err := e.CancelJob(ctx, j.ID, "again"); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Errorf("second cancel err = %v, want ErrInvalidState", err)
	}
}

func TestEngine_RetryFailedJob(t *testing.T) {
	e := newEngine(t)
	var fail atomic.Bool
	fail.Store(true)
	e.RegisterRaw("flaky", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		if fail.Load() {
			return nil, errors.New("broken")
		}
		return []byte("{}"), nil
	}, job.DefaultOptions())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	j, err := e.EnqueueRaw(ctx, "flaky", nil, job.Origin{},
		job.WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, j.ID, job.StateFailed)

	fail.Store(false)
	fresh, err := e.RetryJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Version != 1 || fresh.RetryCount != 0 {
		t.Errorf("fresh = version %d retries %d", fresh.Version, fresh.RetryCount)
	}
	waitForState(t, e, j.ID, job.StateCompleted)

	// Retrying a completed job is rejected.
	if _, err := e.RetryJob(ctx, j.ID); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Errorf("retry of completed job err = %v, want ErrInvalidState", err)
	}
}

func TestEngine_WebhookDelivery(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newEngine(t)
	registerEcho(e)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	j, err := engine.Enqueue(context.Background(), e, "echo", echoIn{Text: "hi"},
		job.WithWebhook(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, j.ID, job.StateCompleted)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestEngine_Statistics(t *testing.T) {
	e := newEngine(t)
	registerEcho(e)
	e.RegisterRaw("doomed", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		return nil, errors.New("always fails")
	}, job.DefaultOptions())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	ok, err := engine.Enqueue(ctx, e, "echo", echoIn{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	bad, err := e.EnqueueRaw(ctx, "doomed", nil, job.Origin{}, job.WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, ok.ID, job.StateCompleted)
	waitForState(t, e, bad.ID, job.StateFailed)

	s := e.Statistics()
	if s.Enqueued != 2 || s.Completed != 1 || s.Failed != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.ErrorRate != 0.5 {
		t.Errorf("errorRate = %v, want 0.5", s.ErrorRate)
	}

	h := e.HealthStatus()
	if h.Status == "" {
		t.Error("health status empty")
	}
}

func TestEngine_UpdateConfig(t *testing.T) {
	e := newEngine(t)
	n := 42
	if !e.UpdateConfig(conveyor.ConfigUpdate{MaxConcurrentJobs: &n}) {
		t.Fatal("UpdateConfig reported no change")
	}
	if got := e.Config().MaxConcurrentJobs; got != 42 {
		t.Errorf("MaxConcurrentJobs = %d", got)
	}
	// Same value again: no change.
	if e.UpdateConfig(conveyor.ConfigUpdate{MaxConcurrentJobs: &n}) {
		t.Error("UpdateConfig reported change for identical value")
	}
}

func TestEngine_CleanupOldJobs(t *testing.T) {
	cfg := conveyor.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CompletedRetention = time.Nanosecond
	e := newEngine(t, engine.WithConfig(cfg))
	registerEcho(e)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	j, err := engine.Enqueue(ctx, e, "echo", echoIn{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, j.ID, job.StateCompleted)

	time.Sleep(5 * time.Millisecond)
	removed, err := e.CleanupOldJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := e.GetJob(ctx, j.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestEngine_ClearQueue(t *testing.T) {
	e := newEngine(t)
	e.RegisterRaw("task", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		return []byte("{}"), nil
	}, job.DefaultOptions())

	ctx := context.Background()
	for range 3 {
		if _, err := e.EnqueueRaw(ctx, "task", nil, job.Origin{}); err != nil {
			t.Fatal(err)
		}
	}

	cleared, err := e.ClearQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 3 {
		t.Errorf("cleared = %d, want 3", cleared)
	}
	jobs, err := e.GetJobs(ctx, job.Filter{States: []job.State{job.StateCancelled}})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Errorf("cancelled jobs = %d, want 3", len(jobs))
	}
}

func TestEngine_ClearQueueByState(t *testing.T) {
	e := newEngine(t)
	e.RegisterRaw("task", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		return []byte("{}"), nil
	}, job.DefaultOptions())

	ctx := context.Background()
	var ids []id.ID
	for range 2 {
		j, err := e.EnqueueRaw(ctx, "task", nil, job.Origin{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}
	if _, err := e.ClearQueue(ctx); err != nil {
		t.Fatal(err)
	}

	// Clearing a terminal state removes those jobs from the store.
	purged, err := e.ClearQueue(ctx, job.StateCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}
	for _, jobID := range ids {
		if _, err := e.GetJob(ctx, jobID); !errors.Is(err, conveyor.ErrJobNotFound) {
			t.Errorf("GetJob(%s) = %v, want ErrJobNotFound", jobID, err)
		}
	}

	// Running jobs cannot be cleared.
	if _, err := e.ClearQueue(ctx, job.StateRunning); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Errorf("ClearQueue(running) = %v, want ErrInvalidState", err)
	}
}

func TestEngine_WebhookDefaultsApplied(t *testing.T) {
	type seen struct {
		auth   string
		source string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{
			auth:   r.Header.Get("Authorization"),
			source: r.Header.Get("X-Source"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newEngine(t, engine.WithWebhookDefaults(webhook.Config{
		Headers:    map[string]string{"X-Source": "conveyor"},
		EnableAuth: true,
		AuthToken:  "s3cret",
	}))
	registerEcho(e)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	j, err := engine.Enqueue(context.Background(), e, "echo", echoIn{Text: "hi"},
		job.WithWebhook(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, j.ID, job.StateCompleted)

	select {
	case s := <-got:
		if s.auth != "Bearer s3cret" {
			t.Errorf("Authorization = %q", s.auth)
		}
		if s.source != "conveyor" {
			t.Errorf("X-Source = %q", s.source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestEngine_EnqueueAfterShutdown(t *testing.T) {
	e := engine.New(engine.WithLogger(slog.New(slog.DiscardHandler)))
	registerEcho(e)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := engine.Enqueue(context.Background(), e, "echo", echoIn{})
	if !errors.Is(err, conveyor.ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}

func TestEngine_PauseResume(t *testing.T) {
	e := newEngine(t)
	var calls atomic.Int32
	e.RegisterRaw("task", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) ([]byte, error) {
		calls.Add(1)
		return []byte("{}"), nil
	}, job.DefaultOptions())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	e.Pause()
	j, err := e.EnqueueRaw(context.Background(), "task", nil, job.Origin{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("job ran while paused")
	}
	e.Resume()
	waitForState(t, e, j.ID, job.StateCompleted)
}
