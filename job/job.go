package job

import (
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting in the scheduler.
	StatePending State = "pending"
	// StateRunning means the job's handler is currently executing.
	StateRunning State = "running"
	// StateRetrying means the job failed and is waiting out a retry delay.
	StateRetrying State = "retrying"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed with no retries remaining.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions
// (except an explicit RetryJob on a failed job).
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Origin carries caller-supplied correlation data. It is opaque to the
// engine and flows unchanged into progress and result notifications so
// external surfaces can route updates back to whatever initiated the job.
type Origin struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// Ref points at whatever caller-side element should receive updates
	// (a message handle, a request ID; the engine never interprets it).
	Ref string `json:"ref,omitempty"`
}

// Progress is a point-in-time progress snapshot. Only the latest value
// is retained on the job.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	// ETA is the estimated time remaining, zero when unknown.
	ETA time.Duration `json:"eta,omitempty"`
}

// Result is the terminal outcome of a job execution.
type Result struct {
	Success       bool          `json:"success"`
	Data          []byte        `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	RetryCount    int           `json:"retry_count"`
	CacheHit      bool          `json:"cache_hit,omitempty"`
	Logs          []string      `json:"logs,omitempty"`
}

// Job represents one schedulable unit of work.
type Job struct {
	ID      id.ID   `json:"id"`
	Type    string  `json:"type"`
	Payload []byte  `json:"payload,omitempty"`
	Origin  Origin  `json:"origin"`
	Options Options `json:"options"`
	State   State   `json:"state"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	// Logs is an append-only trace for diagnostics, never control flow.
	Logs []string `json:"logs,omitempty"`

	Progress *Progress `json:"progress,omitempty"`
	Result   *Result   `json:"result,omitempty"`

	// Version increments on each retry so external consumers can detect
	// stale snapshots.
	Version int `json:"version"`
}

// Log appends a timestamped trace line.
func (j *Job) Log(msg string) {
	j.Logs = append(j.Logs, time.Now().UTC().Format(time.RFC3339)+" "+msg)
}

// Reset returns a fresh pending copy of the job for re-execution:
// retry count zeroed, result/progress/error cleared, version bumped.
// The original value is not mutated.
func (j *Job) Reset() *Job {
	cp := *j
	cp.State = StatePending
	cp.RetryCount = 0
	cp.LastError = ""
	cp.Progress = nil
	cp.Result = nil
	cp.StartedAt = nil
	cp.CompletedAt = nil
	cp.Version++
	cp.Logs = append([]string(nil), j.Logs...)
	cp.Log("job reset for retry")
	return &cp
}
