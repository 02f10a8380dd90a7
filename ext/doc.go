// Package ext defines the extension system for Conveyor.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, rendering progress to a UI, writing audit logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, res *job.Result) error {
//	    log.Printf("job %s completed in %s", j.ID, res.ExecutionTime)
//	    return nil
//	}
//
// # Lifecycle Hooks
//
//   - [JobEnqueued]: job was accepted into the queue
//   - [JobStarted]: the engine began executing the job
//   - [JobProgress]: the handler reported progress
//   - [JobCompleted]: job finished successfully
//   - [JobFailed]: job failed with no retries remaining
//   - [JobRetrying]: job failed but will be retried
//   - [JobCancelled]: job was explicitly cancelled
//   - [QueueFull]: an enqueue was rejected at capacity
//   - [QueueEmpty]: the pending queue and in-flight set both drained
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface, in registration order, so
// events for a given job are observed in the order they occurred.
package ext
