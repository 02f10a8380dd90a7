package job

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// Filter selects jobs in Store.List. All predicates combine with AND;
// zero values are ignored.
type Filter struct {
	// States matches any of the given states.
	States []State
	// Types matches any of the given job types.
	Types []string
	// UserID and SessionID match the job's origin.
	UserID    string
	SessionID string
	// Tags requires every listed tag to be present on the job.
	Tags []string
	// CreatedAfter / CreatedBefore bound the creation time.
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// Offset and Limit paginate. Zero Limit means no limit.
	Offset int
	Limit  int
}

// Store is the authoritative record of all jobs. Implementations must
// copy on read and write so callers never share memory with the store.
// List results are always newest-first.
type Store interface {
	// Create persists a new job.
	Create(ctx context.Context, j *Job) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID id.ID) (*Job, error)

	// Update persists changes to an existing job.
	Update(ctx context.Context, j *Job) error

	// Delete removes a job by ID.
	Delete(ctx context.Context, jobID id.ID) error

	// List returns jobs matching the filter, newest-first.
	List(ctx context.Context, f Filter) ([]*Job, error)

	// Count returns the total number of jobs held, regardless of state.
	Count(ctx context.Context) (int, error)

	// CountByState returns the number of jobs in the given state.
	CountByState(ctx context.Context, state State) (int, error)

	// PurgeTerminal deletes jobs in the given terminal state that
	// reached it before the cutoff. Returns the number removed.
	PurgeTerminal(ctx context.Context, state State, cutoff time.Time) (int, error)
}
