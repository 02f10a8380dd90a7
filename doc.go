// Package conveyor provides an in-process asynchronous job queue engine
// for Go. It offers priority scheduling, bounded concurrency, automatic
// retry with backoff, result caching, and reliable webhook delivery.
//
// Conveyor is a library, not a service. Register handlers for job types,
// enqueue jobs with a payload and per-job options, and the engine drains
// the queue into your handlers up to a configured concurrency ceiling.
//
// # Quick Start
//
//	eng := engine.New(
//	    engine.WithConcurrency(5),
//	    engine.WithMaxQueueSize(1000),
//	)
//
// State lives in process memory and is lost on restart. Conveyor does not
// guarantee exactly-once execution and does not coordinate across
// processes; it is the execution core for a single application instance.
//
// All entity IDs are TypeIDs: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
