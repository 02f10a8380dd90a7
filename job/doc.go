// Package job defines the core job model: the Job record and its state
// machine, per-job options, progress and result snapshots, typed job
// definitions, the type-erased handler registry, and the Store contract.
//
// # Lifecycle
//
// A job moves through:
//
//	pending → running → {completed | failed | retrying | cancelled}
//	retrying → pending → running (again)
//
// Cancelled, completed, and failed are terminal (failed can be revived
// only by an explicit engine RetryJob call). Retrying is a transient
// marker held while the retry delay elapses; the scheduler never hands
// out a retrying job.
//
// # Handlers
//
// Handlers are registered per job type via a typed Definition:
//
//	def := job.NewDefinition("thumbnail",
//	    func(ctx context.Context, p ThumbReq, report job.ProgressFunc) (ThumbResult, error) {
//	        report(job.Progress{Current: 1, Total: 2, Message: "decoding"})
//	        ...
//	    },
//	    job.WithMaxRetries(2),
//	)
//
// The registry erases the payload and result types at registration time
// by closing over codec encode/decode, so the engine core stays fully
// generic over job types.
package job
