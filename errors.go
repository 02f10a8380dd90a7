package conveyor

import "errors"

var (
	// Enqueue errors. Returned synchronously to the caller.
	ErrQueueFull       = errors.New("conveyor: queue is full")
	ErrHandlerNotFound = errors.New("conveyor: no handler registered for job type")

	// Execution errors. Folded into the job's terminal state and never
	// propagated out of the controller loop.
	ErrJobTimeout = errors.New("conveyor: job execution timed out")

	// Lookup errors.
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrDeliveryNotFound = errors.New("conveyor: delivery record not found")

	// State errors.
	ErrInvalidState = errors.New("conveyor: invalid state transition")
	ErrEngineClosed = errors.New("conveyor: engine is shut down")

	// Webhook errors. Logged only; delivery failure never changes a
	// job's own status.
	ErrWebhookExhausted = errors.New("conveyor: webhook delivery attempts exhausted")
)
