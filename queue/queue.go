package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// item is a lightweight scheduler entry: just enough to order the job
// and find it again in the store.
type item struct {
	id        id.ID
	jobType   string
	priority  int
	createdAt time.Time
}

// Scheduler holds the pending queue. It is safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	items []item
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Push inserts a job reference and re-sorts: priority descending, then
// creation time ascending. Re-queued retries go through here too.
func (s *Scheduler) Push(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, item{
		id:        j.ID,
		jobType:   j.Type,
		priority:  j.Options.Priority,
		createdAt: j.CreatedAt,
	})
	sort.SliceStable(s.items, func(i, k int) bool {
		if s.items[i].priority != s.items[k].priority {
			return s.items[i].priority > s.items[k].priority
		}
		return s.items[i].createdAt.Before(s.items[k].createdAt)
	})
}

// Pop removes and returns the highest-priority pending job ID.
func (s *Scheduler) Pop() (id.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return id.Nil, false
	}
	head := s.items[0]
	s.items = s.items[1:]
	return head.id, true
}

// Remove deletes the entry for the given job ID, if present.
func (s *Scheduler) Remove(jobID id.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobID.String()
	for i, it := range s.items {
		if it.id.String() == key {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clear empties the queue and returns the removed job IDs.
func (s *Scheduler) Clear() []id.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]id.ID, len(s.items))
	for i, it := range s.items {
		ids[i] = it.id
	}
	s.items = nil
	return ids
}

// Snapshot returns the pending job IDs in dequeue order.
func (s *Scheduler) Snapshot() []id.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]id.ID, len(s.items))
	for i, it := range s.items {
		ids[i] = it.id
	}
	return ids
}
