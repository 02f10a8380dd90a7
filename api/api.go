// Package api exposes the engine over HTTP for operational tooling:
// job inspection and control, queue management, stats and health.
//
// The handler is plain http.Handler; mount it wherever the embedding
// application serves admin traffic.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/stats"
)

type server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandler builds the admin API router over the given engine.
func NewHandler(e *engine.Engine, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{engine: e, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.enqueueJob)
		r.Get("/{jobID}", s.getJob)
		r.Post("/{jobID}/cancel", s.cancelJob)
		r.Post("/{jobID}/retry", s.retryJob)
	})
	r.Route("/queue", func(r chi.Router) {
		r.Post("/pause", s.pauseQueue)
		r.Post("/resume", s.resumeQueue)
		r.Delete("/", s.clearQueue)
	})
	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.cacheStats)
		r.Delete("/", s.clearCache)
	})
	r.Get("/deliveries/{deliveryID}", s.getDelivery)
	r.Get("/stats", s.getStats)
	r.Get("/health", s.getHealth)

	return r
}

// ── request/response shapes ──

type enqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  job.Origin      `json:"origin"`
	Options *enqueueOptions `json:"options,omitempty"`
}

type enqueueOptions struct {
	Priority     *int     `json:"priority,omitempty"`
	MaxRetries   *int     `json:"maxRetries,omitempty"`
	RetryDelayMs *int64   `json:"retryDelayMs,omitempty"`
	TimeoutMs    *int64   `json:"timeoutMs,omitempty"`
	CacheTTLMs   *int64   `json:"cacheTtlMs,omitempty"`
	CacheResults *bool    `json:"cacheResults,omitempty"`
	WebhookURL   *string  `json:"webhookUrl,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func (o *enqueueOptions) funcs() []job.Option {
	if o == nil {
		return nil
	}
	var opts []job.Option
	if o.Priority != nil {
		opts = append(opts, job.WithPriority(*o.Priority))
	}
	if o.MaxRetries != nil {
		opts = append(opts, job.WithMaxRetries(*o.MaxRetries))
	}
	if o.RetryDelayMs != nil {
		opts = append(opts, job.WithRetryDelay(time.Duration(*o.RetryDelayMs)*time.Millisecond))
	}
	if o.TimeoutMs != nil {
		opts = append(opts, job.WithTimeout(time.Duration(*o.TimeoutMs)*time.Millisecond))
	}
	if o.CacheResults != nil && *o.CacheResults {
		var ttl time.Duration
		if o.CacheTTLMs != nil {
			ttl = time.Duration(*o.CacheTTLMs) * time.Millisecond
		}
		opts = append(opts, job.WithCache(ttl))
	}
	if o.WebhookURL != nil {
		opts = append(opts, job.WithWebhook(*o.WebhookURL))
	}
	if len(o.Tags) > 0 {
		opts = append(opts, job.WithTags(o.Tags...))
	}
	return opts
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ── handlers ──

func (s *server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}

	j, err := s.engine.EnqueueRaw(r.Context(), req.Type, req.Payload, req.Origin, req.Options.funcs()...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	f := job.Filter{
		UserID:    r.URL.Query().Get("userId"),
		SessionID: r.URL.Query().Get("sessionId"),
	}
	if state := r.URL.Query().Get("state"); state != "" {
		f.States = []job.State{job.State(state)}
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		f.Types = []string{typ}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}

	jobs, err := s.engine.GetJobs(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	j, err := s.engine.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.engine.CancelJob(r.Context(), jobID, req.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	j, err := s.engine.RetryJob(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *server) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.engine.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) resumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.engine.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) clearQueue(w http.ResponseWriter, r *http.Request) {
	var states []job.State
	if v := r.URL.Query().Get("state"); v != "" {
		states = append(states, job.State(v))
	}
	cleared, err := s.engine.ClearQueue(r.Context(), states...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

func (s *server) clearCache(w http.ResponseWriter, r *http.Request) {
	removed, err := s.engine.ClearCache(r.URL.Query().Get("pattern"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *server) getDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := id.ParseWithPrefix(chi.URLParam(r, "deliveryID"), id.PrefixDelivery)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.engine.Delivery(deliveryID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *server) getStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Statistics())
}

func (s *server) getHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.engine.HealthStatus()
	status := http.StatusOK
	if h.Status == stats.Critical {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

// ── helpers ──

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", slog.String("error", err.Error()))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conveyor.ErrJobNotFound), errors.Is(err, conveyor.ErrDeliveryNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, conveyor.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, conveyor.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, conveyor.ErrHandlerNotFound):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, conveyor.ErrEngineClosed):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
