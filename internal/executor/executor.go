// Package executor drives a single claimed job through one attempt: log the
// attempt start, publish the running view, run the handler under its
// optional deadline, apply the transactional success or failure transition,
// and publish the resulting events.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/marianmeres/steve/internal/bus"
	"github.com/marianmeres/steve/internal/domain"
	"github.com/marianmeres/steve/internal/metrics"
)

// Store is the subset of the job store the executor needs.
type Store interface {
	LogAttemptStart(ctx context.Context, job *domain.Job) (int64, error)
	Complete(ctx context.Context, jobID, attemptID int64, result map[string]any) (*domain.Job, error)
	FailOrRequeue(ctx context.Context, job *domain.Job, attemptID int64, errMsg string, errDetails map[string]any) (*domain.Job, error)
}

// Executor runs claimed jobs. Safe for concurrent use by multiple workers.
type Executor struct {
	store      Store
	attemptBus *bus.Bus
	doneBus    *bus.Bus
	uidAttempt *bus.UIDRegistry
	uidDone    *bus.UIDRegistry
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// New wires an executor to its store and event dispatchers. metrics may be
// nil.
func New(store Store, attemptBus, doneBus *bus.Bus, uidAttempt, uidDone *bus.UIDRegistry, logger *slog.Logger, m *metrics.Collector) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      store,
		attemptBus: attemptBus,
		doneBus:    doneBus,
		uidAttempt: uidAttempt,
		uidDone:    uidDone,
		logger:     logger,
		metrics:    m,
	}
}

// Execute runs one attempt of a claimed job. It never returns an error to
// the worker loop; all outcomes are recorded on the job and attempt rows and
// published as events.
func (e *Executor) Execute(ctx context.Context, job *domain.Job, handler domain.Handler) {
	attemptID, err := e.store.LogAttemptStart(ctx, job)
	if err != nil {
		// Without an attempt row the state machine cannot progress; the row
		// stays running until the expiry sweep picks it up.
		e.logger.ErrorContext(ctx, "failed to log attempt start",
			"job_uid", job.UID, "job_type", job.Type, "error", err)
		return
	}

	// Running view: subscribers observe the attempt start before the handler
	// runs.
	e.publishAttempt(ctx, job)

	start := time.Now()
	result, handlerErr := e.runHandler(ctx, job, handler)
	e.metrics.ObserveAttempt(time.Since(start))

	if handlerErr == nil {
		e.finishSuccess(ctx, job, attemptID, result)
		return
	}
	e.finishFailure(ctx, job, attemptID, handlerErr)
}

// runHandler invokes the handler, optionally racing it against the
// per-attempt deadline. On timeout the handler's context is cancelled but
// the goroutine is not terminated; work that ignores cancellation continues
// in the background.
func (e *Executor) runHandler(ctx context.Context, job *domain.Job, handler domain.Handler) (map[string]any, error) {
	if job.MaxAttemptDuration <= 0 {
		return runRecovered(ctx, job, handler)
	}

	hctx, cancel := context.WithTimeout(ctx, job.MaxAttemptDuration)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := runRecovered(hctx, job, handler)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		// A handler that surfaces its context error after the deadline is
		// still a timeout.
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && hctx.Err() != nil {
			return nil, domain.TimeoutError{}
		}
		return out.result, out.err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, domain.TimeoutError{}
		}
		return nil, hctx.Err()
	}
}

// runRecovered converts handler panics into errors carrying the stack trace.
func runRecovered(ctx context.Context, job *domain.Job, handler domain.Handler) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return handler(ctx, job)
}

func (e *Executor) finishSuccess(ctx context.Context, job *domain.Job, attemptID int64, result map[string]any) {
	updated, err := e.store.Complete(ctx, job.ID, attemptID, result)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to complete job",
			"job_uid", job.UID, "job_type", job.Type, "error", err)
		return
	}
	e.metrics.JobCompleted()

	e.publishAttempt(ctx, updated)
	e.publishDone(ctx, updated)
}

func (e *Executor) finishFailure(ctx context.Context, job *domain.Job, attemptID int64, handlerErr error) {
	var details map[string]any
	var panicErr domain.PanicError
	if errors.As(handlerErr, &panicErr) {
		details = map[string]any{"stack": panicErr.StackTrace}
	}

	updated, err := e.store.FailOrRequeue(ctx, job, attemptID, handlerErr.Error(), details)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to record job failure",
			"job_uid", job.UID, "job_type", job.Type, "error", err)
		return
	}

	e.logger.WarnContext(ctx, "job attempt failed",
		"job_uid", job.UID,
		"job_type", job.Type,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"status", string(updated.Status),
		"error", handlerErr)

	e.publishAttempt(ctx, updated)
	if updated.Status == domain.StatusFailed {
		e.metrics.JobFailed()
		e.publishDone(ctx, updated)
	} else {
		e.metrics.JobRequeued()
	}
}

func (e *Executor) publishAttempt(ctx context.Context, job *domain.Job) {
	e.attemptBus.Publish(ctx, job)
	e.uidAttempt.Invoke(ctx, job)
}

// publishDone fires the done event and clears both per-UID callback sets;
// the job is terminal and its UID will not be seen again.
func (e *Executor) publishDone(ctx context.Context, job *domain.Job) {
	e.doneBus.Publish(ctx, job)
	e.uidDone.InvokeAndRemove(ctx, job)
	e.uidAttempt.Remove(job.UID)
}
