// Package queue holds the pending-job scheduler and per-type admission
// limits.
//
// The Scheduler orders pending jobs by priority (descending) then
// creation time (ascending, stable; earlier jobs win a tie). It stores
// lightweight references, not job records; the store stays authoritative.
// A full re-sort runs on every insertion, which is fine at the queue
// sizes this engine targets.
//
// Limits applies optional token-bucket rate limiting and an active-count
// ceiling per job type, checked by the controller before a job starts.
package queue
