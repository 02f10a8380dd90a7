// Package webhook delivers job lifecycle notifications over HTTP.
//
// Deliveries are tracked as records so callers can inspect the outcome
// of a delivery after the fact. Failed attempts are retried with linear
// backoff up to the configured retry count.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/codec"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Config controls a single delivery.
type Config struct {
	// URL is the endpoint to deliver to.
	URL string

	// Method defaults to POST.
	Method string

	// Headers are added to every attempt.
	Headers map[string]string

	// Timeout bounds each individual attempt. Zero means 10s.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first
	// one fails. Zero means no retries.
	Retries int

	// RetryDelay is the base delay between attempts; attempt n waits
	// RetryDelay × n.
	RetryDelay time.Duration

	// EnableAuth adds a bearer token to each attempt.
	EnableAuth bool
	AuthToken  string

	// Transform, if set, rewrites the payload before encoding.
	Transform func(payload any) (any, error)
}

// Status of a delivery record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Record tracks one delivery and its attempts.
type Record struct {
	ID           id.ID     `json:"id"`
	JobID        id.ID     `json:"jobId"`
	URL          string    `json:"url"`
	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"`
	LastAttempt  time.Time `json:"lastAttempt,omitzero"`
	ResponseCode int       `json:"responseCode,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Event is the payload delivered for a job lifecycle notification.
type Event struct {
	JobID     string      `json:"jobId"`
	JobType   string      `json:"jobType"`
	State     job.State   `json:"state"`
	Result    *job.Result `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent builds the delivery payload for a finished job.
func NewEvent(j *job.Job) Event {
	return Event{
		JobID:     j.ID.String(),
		JobType:   j.Type,
		State:     j.State,
		Result:    j.Result,
		Error:     j.LastError,
		Timestamp: time.Now(),
	}
}

// Service performs deliveries and keeps records of their outcomes.
// Safe for concurrent use.
type Service struct {
	client *http.Client
	codec  codec.Codec
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// NewService creates a webhook delivery service. A nil codec falls back
// to JSON; a nil logger falls back to slog.Default.
func NewService(c codec.Codec, logger *slog.Logger) *Service {
	if c == nil {
		c = &codec.JSON{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:  &http.Client{},
		codec:   c,
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// Deliver sends the payload to cfg.URL, retrying with linear backoff.
// It blocks until the delivery succeeds, exhausts its retries, or ctx
// is done. The returned delivery ID is valid even on failure and can be
// passed to Delivery to inspect the record.
func (s *Service) Deliver(ctx context.Context, cfg Config, jobID id.ID, payload any) (id.ID, error) {
	rec := &Record{
		ID:        id.NewDeliveryID(),
		JobID:     jobID,
		URL:       cfg.URL,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.records[rec.ID.String()] = rec
	s.mu.Unlock()

	body, err := s.encode(cfg, payload)
	if err != nil {
		s.finish(rec, StatusFailed, 0, err)
		return rec.ID, err
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	delay := backoff.NewLinear(cfg.RetryDelay, 0)

	attempts := cfg.Retries + 1
	var lastErr error
	var lastCode int
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay.Delay(attempt - 1)):
			case <-ctx.Done():
				s.finish(rec, StatusFailed, lastCode, ctx.Err())
				return rec.ID, ctx.Err()
			}
		}

		s.mu.Lock()
		rec.Attempts = attempt
		rec.LastAttempt = time.Now()
		s.mu.Unlock()

		code, err := s.attempt(ctx, method, cfg, body, timeout)
		lastCode = code
		if err == nil {
			s.finish(rec, StatusDelivered, code, nil)
			return rec.ID, nil
		}
		lastErr = err
		s.logger.Debug("webhook attempt failed",
			slog.String("delivery_id", rec.ID.String()),
			slog.String("url", cfg.URL),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	err = fmt.Errorf("%w after %d attempts: %w", conveyor.ErrWebhookExhausted, attempts, lastErr)
	s.finish(rec, StatusFailed, lastCode, err)
	s.logger.Warn("webhook delivery exhausted",
		slog.String("delivery_id", rec.ID.String()),
		slog.String("job_id", jobID.String()),
		slog.String("url", cfg.URL),
		slog.Int("attempts", attempts),
	)
	return rec.ID, err
}

// Delivery returns the record for a delivery ID.
func (s *Service) Delivery(deliveryID id.ID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[deliveryID.String()]
	if !ok {
		return nil, conveyor.ErrDeliveryNotFound
	}
	cp := *rec
	return &cp, nil
}

// Deliveries returns copies of all delivery records.
func (s *Service) Deliveries() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Prune drops records created before the cutoff and returns how many
// were removed.
func (s *Service) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.records {
		if rec.Status != StatusPending && rec.CreatedAt.Before(cutoff) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

func (s *Service) encode(cfg Config, payload any) ([]byte, error) {
	if cfg.Transform != nil {
		transformed, err := cfg.Transform(payload)
		if err != nil {
			return nil, fmt.Errorf("webhook: transform: %w", err)
		}
		payload = transformed
	}
	body, err := s.codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}
	return body, nil
}

func (s *Service) attempt(ctx context.Context, method string, cfg Config, body []byte, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType(s.codec))
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.EnableAuth && cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (s *Service) finish(rec *Record, status Status, code int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Status = status
	rec.ResponseCode = code
	if err != nil {
		rec.Error = err.Error()
	}
}

func contentType(c codec.Codec) string {
	if c.Name() == "msgpack" {
		return "application/msgpack"
	}
	return "application/json"
}
