// Package steve is a PostgreSQL backed background job manager. Jobs are
// durable rows claimed with FOR UPDATE SKIP LOCKED, executed by a pool of
// workers, retried with configurable backoff, and observable through typed
// events and per-job callbacks.
//
// The minimal setup is a pgx pool and at least one handler:
//
//	mgr, err := steve.New(steve.Config{Pool: pool})
//	if err != nil { ... }
//	mgr.SetHandler("email", sendEmail)
//	if err := mgr.Start(ctx, 4); err != nil { ... }
//	job, err := mgr.CreateJob(ctx, steve.CreateParams{Type: "email"})
package steve

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marianmeres/steve/internal/dbhealth"
	"github.com/marianmeres/steve/internal/dbretry"
	"github.com/marianmeres/steve/internal/domain"
	"github.com/marianmeres/steve/internal/store"
)

// Core domain types, re-exported so consumers only import this package.
type (
	Job             = domain.Job
	Attempt         = domain.Attempt
	Status          = domain.Status
	AttemptStatus   = domain.AttemptStatus
	BackoffStrategy = domain.BackoffStrategy
	Handler         = domain.Handler
	CreateParams    = domain.CreateParams
	ListParams      = store.ListParams
	HealthRow       = store.HealthRow

	// DBRetryConfig tunes the transient-error retry wrapper around store
	// operations.
	DBRetryConfig = dbretry.Config
	// DBHealthConfig tunes the periodic connectivity probe.
	DBHealthConfig = dbhealth.Config
	// DBHealthStatus is one connectivity observation.
	DBHealthStatus = dbhealth.Status
)

const (
	StatusPending   = domain.StatusPending
	StatusRunning   = domain.StatusRunning
	StatusCompleted = domain.StatusCompleted
	StatusFailed    = domain.StatusFailed
	StatusExpired   = domain.StatusExpired

	BackoffNone = domain.BackoffNone
	BackoffExp  = domain.BackoffExp

	AttemptSuccess = domain.AttemptSuccess
	AttemptError   = domain.AttemptError
)

var (
	ErrBadInput               = domain.ErrBadInput
	ErrEmptyJobType           = domain.ErrEmptyJobType
	ErrInvalidMaxAttempts     = domain.ErrInvalidMaxAttempts
	ErrUnknownBackoff         = domain.ErrUnknownBackoff
	ErrInvalidAttemptDuration = domain.ErrInvalidAttemptDuration
	ErrInvalidUID             = domain.ErrInvalidUID
	ErrUnknownStatus          = domain.ErrUnknownStatus
	ErrShuttingDown           = domain.ErrShuttingDown
)

// IsTimeout reports whether err is a per-attempt timeout.
func IsTimeout(err error) bool { return domain.IsTimeout(err) }

// IsPanic reports whether err was recovered from a handler panic.
func IsPanic(err error) bool { return domain.IsPanic(err) }

// DefaultDBRetryConfig returns the stock retry tuning for store operations.
func DefaultDBRetryConfig() DBRetryConfig { return dbretry.DefaultConfig() }

const (
	// DefaultConcurrency is used when Start is given a non-positive worker
	// count.
	DefaultConcurrency = 2
	// DefaultPollInterval is the idle wait between empty claim attempts.
	DefaultPollInterval = time.Second
	// DefaultCleanupMaxRunning is the running-time threshold after which
	// Cleanup declares a job expired.
	DefaultCleanupMaxRunning = time.Hour
)

// Config configures a Manager. Pool is the only required field.
type Config struct {
	// Pool is the pgx connection pool the manager operates on. Required.
	Pool *pgxpool.Pool

	// TablePrefix is prepended to both table names and may carry a schema
	// qualifier ("myschema.queue_"). Empty means unprefixed tables in the
	// default schema.
	TablePrefix string

	// PollInterval is the idle wait between empty claim attempts.
	// Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Handlers maps job types to handlers. Types can also be registered
	// later with SetHandler.
	Handlers map[string]Handler

	// FallbackHandler runs for job types with no registered handler. When
	// nil, unmatched jobs complete via a no-op handler.
	FallbackHandler Handler

	// DisableGracefulShutdown skips the SIGINT/SIGTERM handler that drains
	// workers before returning.
	DisableGracefulShutdown bool

	// DisableSubscriptionDedup allows the same callback function to be
	// subscribed to the same topic multiple times.
	DisableSubscriptionDedup bool

	// DBRetry enables retrying store operations on transient connection
	// errors. Nil disables retrying.
	DBRetry *DBRetryConfig

	// DBHealthCheck enables the periodic connectivity probe. Nil disables
	// it; CheckDBHealth still works for one-off probes.
	DBHealthCheck *DBHealthConfig

	// CleanupSchedule is an optional cron expression (robfig/cron syntax,
	// e.g. "*/10 * * * *") on which Cleanup runs while the manager is
	// started. Empty disables scheduled cleanup.
	CleanupSchedule string

	// CleanupMaxRunning is the running-time threshold used by Cleanup.
	// Defaults to DefaultCleanupMaxRunning.
	CleanupMaxRunning time.Duration

	// MetricsRegisterer receives the Prometheus instruments. Nil disables
	// metrics.
	MetricsRegisterer prometheus.Registerer
}
