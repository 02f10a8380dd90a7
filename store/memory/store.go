// Package memory provides the in-process job store. It is the only
// store: engine state is deliberately non-durable and lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

var _ job.Store = (*Store)(nil)

// Store is a mutex-guarded map of job ID to record. Jobs are copied on
// the way in and out so callers never share memory with the store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Create persists a new job.
func (m *Store) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrInvalidState
	}
	cp := clone(j)
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// Get retrieves a job by ID.
func (m *Store) Get(_ context.Context, jobID id.ID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	return clone(j), nil
}

// Update persists changes to an existing job. A job that already
// reached a terminal state never transitions again, with one exception:
// a failed job may be reset to pending (the explicit retry path). This
// guard is what settles the race between a handler finalizing and a
// concurrent cancel: whichever terminal write lands first wins.
func (m *Store) Update(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	cur, ok := m.jobs[key]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if cur.State.Terminal() && j.State != cur.State {
		if !(cur.State == job.StateFailed && j.State == job.StatePending) {
			return conveyor.ErrInvalidState
		}
	}
	cp := clone(j)
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// Delete removes a job by ID.
func (m *Store) Delete(_ context.Context, jobID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// List returns jobs matching the filter, newest-first.
func (m *Store) List(_ context.Context, f job.Filter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !matches(j, f) {
			continue
		}
		result = append(result, clone(j))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}

	return result, nil
}

// Count returns the total number of jobs held, regardless of state.
func (m *Store) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs), nil
}

// CountByState returns the number of jobs in the given state.
func (m *Store) CountByState(_ context.Context, state job.State) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, j := range m.jobs {
		if j.State == state {
			n++
		}
	}
	return n, nil
}

// PurgeTerminal deletes jobs in the given terminal state that reached it
// before the cutoff.
func (m *Store) PurgeTerminal(_ context.Context, state job.State, cutoff time.Time) (int, error) {
	if !state.Terminal() {
		return 0, conveyor.ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, j := range m.jobs {
		if j.State != state {
			continue
		}
		settled := j.UpdatedAt
		if j.CompletedAt != nil {
			settled = *j.CompletedAt
		}
		if settled.Before(cutoff) {
			delete(m.jobs, key)
			removed++
		}
	}
	return removed, nil
}

func matches(j *job.Job, f job.Filter) bool {
	if len(f.States) > 0 && !containsState(f.States, j.State) {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, j.Type) {
		return false
	}
	if f.UserID != "" && j.Origin.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && j.Origin.SessionID != f.SessionID {
		return false
	}
	for _, tag := range f.Tags {
		if !containsString(j.Options.Tags, tag) {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && j.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && j.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

func containsState(states []job.State, s job.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// clone deep-copies a job so store internals never leak.
func clone(j *job.Job) *job.Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Progress != nil {
		p := *j.Progress
		cp.Progress = &p
	}
	if j.Result != nil {
		r := *j.Result
		r.Data = append([]byte(nil), j.Result.Data...)
		r.Logs = append([]string(nil), j.Result.Logs...)
		cp.Result = &r
	}
	cp.Payload = append([]byte(nil), j.Payload...)
	cp.Logs = append([]string(nil), j.Logs...)
	cp.Options.Tags = append([]string(nil), j.Options.Tags...)
	return &cp
}
