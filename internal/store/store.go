// Package store is the transactional accessor for the two job tables. Job
// rows are mutated only through these methods; the claim protocol guarantees
// at most one worker holds a row in running state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marianmeres/steve/internal/dbretry"
	"github.com/marianmeres/steve/internal/domain"
	"github.com/marianmeres/steve/internal/schema"
)

const serializationStub = "Unable to serialize completed job result"

// Store executes all reads and writes against the job and attempt tables.
// Safe for concurrent use by multiple workers.
type Store struct {
	pool   *pgxpool.Pool
	schema *schema.Manager
	logger *slog.Logger
	retry  *dbretry.Config // nil disables the retry wrapper
}

// New creates a store bound to the given pool and schema. A non-nil retry
// config wraps every operation in the transient-error retry helper.
func New(pool *pgxpool.Pool, sm *schema.Manager, logger *slog.Logger, retry *dbretry.Config) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, schema: sm, logger: logger, retry: retry}
}

// do runs op directly or under the retry wrapper, depending on configuration.
func (s *Store) do(ctx context.Context, op func(context.Context) error) error {
	if s.retry == nil {
		return op(ctx)
	}
	return dbretry.Do(ctx, *s.retry, s.logger, op)
}

const jobColumns = `id, uid::text, type, payload, status, result, attempts, max_attempts,
	max_attempt_duration_ms, created_at, updated_at, run_at, started_at, completed_at, backoff_strategy`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var durationMS int32
	err := row.Scan(
		&j.ID, &j.UID, &j.Type, &j.Payload, (*string)(&j.Status), &j.Result,
		&j.Attempts, &j.MaxAttempts, &durationMS,
		&j.CreatedAt, &j.UpdatedAt, &j.RunAt, &j.StartedAt, &j.CompletedAt,
		(*string)(&j.Backoff),
	)
	if err != nil {
		return nil, err
	}
	j.MaxAttemptDuration = time.Duration(durationMS) * time.Millisecond
	return &j, nil
}

// Insert durably records a new job and returns the full row. The UID is
// generated server-side.
func (s *Store) Insert(ctx context.Context, params domain.CreateParams) (*domain.Job, error) {
	if err := params.Normalize(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (type, payload, max_attempts, backoff_strategy, max_attempt_duration_ms, run_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING %s`, s.schema.JobTable(), jobColumns)

	var runAt *time.Time
	if params.RunAt != nil {
		t := params.RunAt.UTC()
		runAt = &t
	}

	var job *domain.Job
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		job, err = scanJob(s.pool.QueryRow(ctx, query,
			params.Type,
			params.Payload,
			params.MaxAttempts,
			string(params.Backoff),
			int32(params.MaxAttemptDuration/time.Millisecond),
			runAt,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest pending job whose run_at has passed.
// The same statement moves the row to running, stamps started_at, and
// increments attempts, so under N concurrent claimers each eligible row is
// returned to exactly one of them. Returns nil when no job is eligible.
func (s *Store) ClaimNext(ctx context.Context) (*domain.Job, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'running', started_at = NOW(), updated_at = NOW(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE status = 'pending' AND run_at <= NOW()
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s`, s.schema.JobTable(), jobColumns)

	var job *domain.Job
	err := s.do(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		job, err = scanJob(tx.QueryRow(ctx, query))
		if errors.Is(err, pgx.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// LogAttemptStart inserts an attempt row for the current (already
// incremented, 1-based) attempt number and returns its id.
func (s *Store) LogAttemptStart(ctx context.Context, job *domain.Job) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, attempt_number)
		VALUES ($1, $2)
		RETURNING id`, s.schema.AttemptTable())

	var id int64
	err := s.do(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, job.ID, job.Attempts).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to log attempt start: %w", err)
	}
	return id, nil
}

// Complete transitions the job to completed and closes its attempt row as
// success, in one transaction. A result that cannot be serialized is replaced
// by a fixed stub so the job still completes.
func (s *Store) Complete(ctx context.Context, jobID, attemptID int64, result map[string]any) (*domain.Job, error) {
	result = serializableResult(result)

	jobQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', completed_at = NOW(), updated_at = NOW(), result = $2
		WHERE id = $1
		RETURNING %s`, s.schema.JobTable(), jobColumns)
	attemptQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'success', completed_at = NOW()
		WHERE id = $1`, s.schema.AttemptTable())

	var job *domain.Job
	err := s.do(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		job, err = scanJob(tx.QueryRow(ctx, jobQuery, jobID, result))
		if err != nil {
			return fmt.Errorf("failed to mark job completed: %w", err)
		}
		if _, err := tx.Exec(ctx, attemptQuery, attemptID); err != nil {
			return fmt.Errorf("failed to close attempt row: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// FailOrRequeue closes the attempt row as error and either fails the job
// terminally (attempts exhausted) or requeues it with a backoff-computed
// run_at, in one transaction. Returns the updated job for event publication.
func (s *Store) FailOrRequeue(ctx context.Context, job *domain.Job, attemptID int64, errMsg string, errDetails map[string]any) (*domain.Job, error) {
	attemptQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'error', completed_at = NOW(), error_message = $2, error_details = $3
		WHERE id = $1`, s.schema.AttemptTable())

	failQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, s.schema.JobTable(), jobColumns)

	requeueQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', run_at = NOW() + make_interval(secs => $2), updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, s.schema.JobTable(), jobColumns)

	if !job.Backoff.Known() {
		s.logger.WarnContext(ctx, "unknown backoff strategy, falling back to exp",
			"job_uid", job.UID, "strategy", string(job.Backoff))
	}

	var updated *domain.Job
	err := s.do(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, attemptQuery, attemptID, errMsg, errDetails); err != nil {
			return fmt.Errorf("failed to close attempt row: %w", err)
		}

		if job.Attempts >= job.MaxAttempts {
			updated, err = scanJob(tx.QueryRow(ctx, failQuery, job.ID))
		} else {
			delay := domain.BackoffDelay(job.Attempts, job.Backoff)
			updated, err = scanJob(tx.QueryRow(ctx, requeueQuery, job.ID, delay.Seconds()))
		}
		if err != nil {
			return fmt.Errorf("failed to transition failed job: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindByUID returns the job with the given UID, or nil if absent.
func (s *Store) FindByUID(ctx context.Context, uid string) (*domain.Job, error) {
	if _, err := uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidUID, err)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE uid = $1", jobColumns, s.schema.JobTable())

	var job *domain.Job
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		job, err = scanJob(s.pool.QueryRow(ctx, query, uid))
		if errors.Is(err, pgx.ErrNoRows) {
			job = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return job, nil
}

// ListParams filters and pages List results.
type ListParams struct {
	Statuses     []domain.Status
	Limit        int
	Offset       int
	Ascending    bool
	SinceMinutes int // 0 means no creation-time window
}

// List returns jobs ordered by id, newest first unless Ascending is set.
func (s *Store) List(ctx context.Context, params ListParams) ([]*domain.Job, error) {
	for _, st := range params.Statuses {
		if !st.Known() {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownStatus, st)
		}
	}
	if params.Limit <= 0 {
		params.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	if len(params.Statuses) > 0 {
		statuses := make([]string, len(params.Statuses))
		for i, st := range params.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if params.SinceMinutes > 0 {
		args = append(args, params.SinceMinutes)
		where = append(where, fmt.Sprintf("created_at > NOW() - make_interval(mins => $%d)", len(args)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", jobColumns, s.schema.JobTable())
	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}
	direction := "DESC"
	if params.Ascending {
		direction = "ASC"
	}
	args = append(args, params.Limit, params.Offset)
	query += fmt.Sprintf(" ORDER BY id %s LIMIT $%d OFFSET $%d", direction, len(args)-1, len(args))

	var jobs []*domain.Job
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListAttempts returns the attempt rows for a job, oldest first.
func (s *Store) ListAttempts(ctx context.Context, jobID int64) ([]*domain.Attempt, error) {
	query := fmt.Sprintf(`
		SELECT id, job_id, attempt_number, started_at, completed_at, status, error_message, error_details
		FROM %s
		WHERE job_id = $1
		ORDER BY id ASC`, s.schema.AttemptTable())

	var attempts []*domain.Attempt
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()

		attempts = attempts[:0]
		for rows.Next() {
			var a domain.Attempt
			var status, errMsg *string
			if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNumber, &a.StartedAt,
				&a.CompletedAt, &status, &errMsg, &a.ErrorDetails); err != nil {
				return err
			}
			if status != nil {
				a.Status = domain.AttemptStatus(*status)
			}
			if errMsg != nil {
				a.ErrorMessage = *errMsg
			}
			attempts = append(attempts, &a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// MarkExpired transitions rows stuck in running longer than maxRunning to
// expired. Attempt rows are left untouched. Returns the number of rows moved.
func (s *Store) MarkExpired(ctx context.Context, maxRunning time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'expired', completed_at = NOW(), updated_at = NOW()
		WHERE status = 'running' AND started_at < NOW() - make_interval(secs => $1)`,
		s.schema.JobTable())

	var count int64
	err := s.do(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, maxRunning.Seconds())
		if err != nil {
			return err
		}
		count = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired jobs: %w", err)
	}
	return count, nil
}

// HealthRow is one per-status aggregate from HealthPreview.
type HealthRow struct {
	Status             domain.Status
	Count              int64
	AvgDurationSeconds *float64
}

// HealthPreview aggregates jobs created in the window grouped by status,
// with the average attempt duration where both timestamps are set.
func (s *Store) HealthPreview(ctx context.Context, since time.Duration) ([]HealthRow, error) {
	query := fmt.Sprintf(`
		SELECT status, COUNT(*),
			AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))::float8
		FROM %s
		WHERE created_at > NOW() - make_interval(secs => $1)
		GROUP BY status
		ORDER BY status`, s.schema.JobTable())

	var result []HealthRow
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, since.Seconds())
		if err != nil {
			return err
		}
		defer rows.Close()

		result = result[:0]
		for rows.Next() {
			var r HealthRow
			if err := rows.Scan((*string)(&r.Status), &r.Count, &r.AvgDurationSeconds); err != nil {
				return err
			}
			result = append(result, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate job health: %w", err)
	}
	return result, nil
}

// serializableResult returns the result if it JSON-serializes, otherwise a
// fixed stub that keeps the row schema valid.
func serializableResult(result map[string]any) map[string]any {
	if result == nil {
		return map[string]any{}
	}
	if _, err := json.Marshal(result); err != nil {
		return map[string]any{
			"message": serializationStub,
			"details": err.Error(),
		}
	}
	return result
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}
