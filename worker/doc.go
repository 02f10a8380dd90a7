// Package worker contains the execution machinery: the controller that
// dispatches pending jobs under the concurrency ceiling, the executor
// that runs a single job through the middleware chain with timeout and
// cache handling, and the retry manager that schedules failed jobs for
// re-execution with exponential backoff.
//
// The store remains the authoritative record throughout. Every state
// transition re-reads the job from the store first, so a cancellation
// that lands while a handler is running is honored at finalization time
// and the stale result is discarded.
package worker
