package worker

import (
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/cache"
	"github.com/conveyorhq/conveyor/ext"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/webhook"
)

// Deps bundles the collaborators shared by the controller, executor and
// retry manager. All fields except Chain are required.
type Deps struct {
	Store     job.Store
	Registry  *job.Registry
	Scheduler *queue.Scheduler
	Limits    *queue.Limits
	Cache     *cache.Cache
	Webhooks  *webhook.Service
	Exts      *ext.Registry

	// Chain wraps each handler invocation. Nil means no middleware.
	Chain middleware.Middleware

	Logger *slog.Logger

	// Config returns the current engine configuration. Read on each
	// use so runtime updates take effect without a restart.
	Config func() conveyor.Config

	// WebhookDefaults is the delivery configuration (method, headers,
	// auth, transform, retry policy) applied to every outbound webhook.
	// The per-job URL overrides the default target.
	WebhookDefaults webhook.Config
}

// Retry policy used when the engine-level defaults leave it unset.
const (
	webhookRetries    = 3
	webhookRetryDelay = 2 * time.Second
)

// deliveryConfig merges the engine-level webhook defaults with the
// job's own options.
func deliveryConfig(defaults webhook.Config, opts job.Options) webhook.Config {
	cfg := defaults
	if opts.WebhookURL != "" {
		cfg.URL = opts.WebhookURL
	}
	if cfg.Retries <= 0 {
		cfg.Retries = webhookRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = webhookRetryDelay
	}
	return cfg
}

// deliveryTarget reports whether a finished job should produce a
// webhook delivery at all.
func deliveryTarget(defaults webhook.Config, opts job.Options) bool {
	return opts.DeliverWebhook && (opts.WebhookURL != "" || defaults.URL != "")
}
