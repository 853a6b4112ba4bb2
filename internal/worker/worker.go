// Package worker runs the claim-or-sleep loops. Each worker repeatedly
// claims the next eligible job and hands it to the executor; database errors
// back off with muted logging so a flapping connection does not flood the
// log.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marianmeres/steve/internal/domain"
	"github.com/marianmeres/steve/internal/metrics"
)

// DefaultPollInterval is the idle wait between empty claim attempts.
const DefaultPollInterval = time.Second

// claimErrorLogLimit caps consecutive claim-error log lines per worker.
const claimErrorLogLimit = 10

// Claimer claims the next eligible job, returning nil when none exists.
type Claimer interface {
	ClaimNext(ctx context.Context) (*domain.Job, error)
}

// Runner executes one attempt of a claimed job.
type Runner interface {
	Execute(ctx context.Context, job *domain.Job, handler domain.Handler)
}

// ActiveSet tracks the ids of jobs currently executing. It is shared across
// workers and used to drain on stop.
type ActiveSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewActiveSet returns an empty set.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{ids: make(map[int64]struct{})}
}

func (s *ActiveSet) Add(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *ActiveSet) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Len returns the number of jobs currently executing.
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Worker is a single long-running claim loop.
type Worker struct {
	id           string
	store        Claimer
	exec         Runner
	resolve      func(jobType string) domain.Handler
	pollInterval time.Duration
	active       *ActiveSet
	logger       *slog.Logger
	metrics      *metrics.Collector

	claimErrors int
}

// Config bundles the worker dependencies.
type Config struct {
	ID           string
	Store        Claimer
	Exec         Runner
	Resolve      func(jobType string) domain.Handler
	PollInterval time.Duration
	Active       *ActiveSet
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// New creates a worker. Resolve must never return nil; callers fall back to
// domain.NoopHandler for unregistered types.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Active == nil {
		cfg.Active = NewActiveSet()
	}
	return &Worker{
		id:           cfg.ID,
		store:        cfg.Store,
		exec:         cfg.Exec,
		resolve:      cfg.Resolve,
		pollInterval: cfg.PollInterval,
		active:       cfg.Active,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// Run loops until ctx is cancelled. The loop context covers claiming and
// sleeping only; in-flight handlers run under a background context so that
// shutdown waits for them instead of interrupting them.
func (w *Worker) Run(ctx context.Context) {
	w.logger.DebugContext(ctx, "worker started", "worker_id", w.id, "poll_interval", w.pollInterval)

	for {
		select {
		case <-ctx.Done():
			w.logger.DebugContext(ctx, "worker stopped", "worker_id", w.id)
			return
		default:
		}

		job, err := w.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.onClaimError(ctx, err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.execute(job)
		w.claimErrors = 0
	}
}

func (w *Worker) execute(job *domain.Job) {
	w.active.Add(job.ID)
	w.metrics.JobClaimed()
	defer func() {
		w.active.Remove(job.ID)
		w.metrics.JobFinished()
	}()

	// Detached from the loop context: stop drains, it does not interrupt.
	w.exec.Execute(context.Background(), job, w.resolve(job.Type))
}

// onClaimError logs the first claimErrorLogLimit consecutive errors, then a
// single muted notice, then swallows until a claim succeeds.
func (w *Worker) onClaimError(ctx context.Context, err error) {
	w.claimErrors++
	w.metrics.ClaimError()

	switch {
	case w.claimErrors < claimErrorLogLimit:
		w.logger.ErrorContext(ctx, "failed to claim job",
			"worker_id", w.id, "consecutive_errors", w.claimErrors, "error", err)
	case w.claimErrors == claimErrorLogLimit:
		w.logger.ErrorContext(ctx, "failed to claim job, muting further claim errors",
			"worker_id", w.id, "consecutive_errors", w.claimErrors, "error", err)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}
