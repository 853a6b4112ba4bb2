package steve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/marianmeres/steve/internal/bus"
	"github.com/marianmeres/steve/internal/dbhealth"
	"github.com/marianmeres/steve/internal/domain"
	"github.com/marianmeres/steve/internal/executor"
	"github.com/marianmeres/steve/internal/metrics"
	"github.com/marianmeres/steve/internal/schema"
	"github.com/marianmeres/steve/internal/store"
	"github.com/marianmeres/steve/internal/worker"
)

// Manager owns the schema, the worker pool, and the event dispatchers.
// All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	schema *schema.Manager
	store  *store.Store

	attemptBus *bus.Bus
	doneBus    *bus.Bus
	uidAttempt *bus.UIDRegistry
	uidDone    *bus.UIDRegistry

	exec    *executor.Executor
	health  *dbhealth.Monitor
	metrics *metrics.Collector

	handlersMu sync.RWMutex
	handlers   map[string]domain.Handler
	fallback   domain.Handler

	initOnce sync.Once
	initErr  error

	signalOnce sync.Once

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	active       *worker.ActiveSet
	cronRunner   *cron.Cron
}

// New validates the configuration and builds a manager. The database is not
// touched until the first operation needing the schema runs.
func New(cfg Config) (*Manager, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("%w: pool is required", domain.ErrBadInput)
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CleanupMaxRunning <= 0 {
		cfg.CleanupMaxRunning = DefaultCleanupMaxRunning
	}
	if cfg.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
			return nil, fmt.Errorf("%w: invalid cleanup schedule: %w", domain.ErrBadInput, err)
		}
	}

	m := &Manager{
		cfg:        cfg,
		schema:     schema.New(cfg.Pool, cfg.TablePrefix, cfg.Logger),
		attemptBus: bus.New(!cfg.DisableSubscriptionDedup, cfg.Logger),
		doneBus:    bus.New(!cfg.DisableSubscriptionDedup, cfg.Logger),
		uidAttempt: bus.NewUIDRegistry(cfg.Logger),
		uidDone:    bus.NewUIDRegistry(cfg.Logger),
		handlers:   make(map[string]domain.Handler, len(cfg.Handlers)),
		fallback:   cfg.FallbackHandler,
		active:     worker.NewActiveSet(),
	}
	for jobType, h := range cfg.Handlers {
		m.handlers[jobType] = h
	}

	if cfg.MetricsRegisterer != nil {
		m.metrics = metrics.NewCollector(cfg.MetricsRegisterer)
	}
	m.store = store.New(cfg.Pool, m.schema, cfg.Logger, cfg.DBRetry)
	m.exec = executor.New(m.store, m.attemptBus, m.doneBus, m.uidAttempt, m.uidDone, cfg.Logger, m.metrics)
	if cfg.DBHealthCheck != nil {
		m.health = dbhealth.New(cfg.Pool, *cfg.DBHealthCheck, cfg.Logger)
	}

	return m, nil
}

// ensureInit runs the idempotent schema initialization once per manager.
func (m *Manager) ensureInit(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.schema.Init(ctx, false)
	})
	return m.initErr
}

// Start initializes the schema if needed and launches concurrency workers.
// A non-positive concurrency uses DefaultConcurrency. Starting an already
// started manager is a no-op; starting during or after Stop returns
// ErrShuttingDown.
func (m *Manager) Start(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if err := m.ensureInit(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return domain.ErrShuttingDown
	}
	if m.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	host, _ := os.Hostname()
	for i := 0; i < concurrency; i++ {
		w := worker.New(worker.Config{
			// Host and pid make worker ids meaningful across machines.
			ID:           fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
			Store:        m.store,
			Exec:         m.exec,
			Resolve:      m.resolveHandler,
			PollInterval: m.cfg.PollInterval,
			Active:       m.active,
			Logger:       m.cfg.Logger,
			Metrics:      m.metrics,
		})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Run(loopCtx)
		}()
	}
	m.cfg.Logger.InfoContext(ctx, "job manager started",
		"concurrency", concurrency, "poll_interval", m.cfg.PollInterval)

	if m.health != nil {
		m.health.Start(context.Background())
	}
	if m.cfg.CleanupSchedule != "" {
		m.startCleanupCron()
	}
	if !m.cfg.DisableGracefulShutdown {
		m.registerSignalHandler()
	}
	return nil
}

// Stop drains the worker pool: claiming stops immediately, in-flight handlers
// run to completion. After Stop the manager cannot be started again.
// Safe to call multiple times.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.shuttingDown = true
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	cronRunner := m.cronRunner
	m.cronRunner = nil
	m.mu.Unlock()

	m.cfg.Logger.Info("job manager stopping", "in_flight", m.active.Len())
	cancel()
	m.wg.Wait()

	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
	if m.health != nil {
		m.health.Stop()
	}
	m.cfg.Logger.Info("job manager stopped")
}

// registerSignalHandler drains the pool on SIGINT or SIGTERM. It never exits
// the process; the host keeps control after the drain.
func (m *Manager) registerSignalHandler() {
	m.signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			signal.Stop(ch)
			m.cfg.Logger.Info("signal received, draining workers", "signal", sig.String())
			m.Stop()
		}()
	})
}

func (m *Manager) startCleanupCron() {
	c := cron.New()
	// Schedule already validated in New.
	_, _ = c.AddFunc(m.cfg.CleanupSchedule, func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()
		if _, err := m.Cleanup(ctx); err != nil {
			m.cfg.Logger.ErrorContext(ctx, "scheduled cleanup failed", "error", err)
		}
	})
	c.Start()
	m.cronRunner = c
}

// resolveHandler picks the handler for a job type: registered handler, then
// fallback, then no-op.
func (m *Manager) resolveHandler(jobType string) domain.Handler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	if h, ok := m.handlers[jobType]; ok && h != nil {
		return h
	}
	if m.fallback != nil {
		return m.fallback
	}
	return domain.NoopHandler
}

// SetHandler registers or replaces the handler for a job type. A nil handler
// removes the registration.
func (m *Manager) SetHandler(jobType string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if h == nil {
		delete(m.handlers, jobType)
		return
	}
	m.handlers[jobType] = h
}

// ResetHandlers removes all registered handlers and the fallback.
func (m *Manager) ResetHandlers() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = make(map[string]domain.Handler)
	m.fallback = nil
}

// CreateJob durably records a new job and returns the stored row. Optional
// onDone callbacks fire once when this job reaches a terminal state, then are
// discarded. Creation is accepted while draining; the job waits for the next
// started manager.
func (m *Manager) CreateJob(ctx context.Context, params CreateParams, onDone ...JobCallback) (*Job, error) {
	if err := m.ensureInit(ctx); err != nil {
		return nil, err
	}
	job, err := m.store.Insert(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(onDone) > 0 {
		for _, fn := range onDone {
			m.uidDone.Add(job.UID, bus.Callback(fn))
		}
		m.settleIfDone(ctx, job.UID)
	}
	m.cfg.Logger.DebugContext(ctx, "job created",
		"job_uid", job.UID, "job_type", job.Type, "run_at", job.RunAt)
	return job, nil
}

// settleIfDone closes the window between the insert and the callback
// registration: a fast worker may already have finished the job, in which
// case the done event has passed and the fresh registration would sit unfired
// forever. Re-reading the row and invoking on a terminal status keeps the
// once-per-job contract; InvokeAndRemove takes the entry under lock, so a
// concurrently finishing worker and this check cannot both fire it.
func (m *Manager) settleIfDone(ctx context.Context, uid string) {
	current, err := m.store.FindByUID(ctx, uid)
	if err != nil {
		m.cfg.Logger.WarnContext(ctx, "failed to re-check job after callback registration",
			"job_uid", uid, "error", err)
		return
	}
	if current == nil || !current.Status.Terminal() {
		return
	}
	m.uidDone.InvokeAndRemove(ctx, current)
	m.uidAttempt.Remove(uid)
}

// Find returns the job with the given UID, or nil if absent. With
// withAttempts set the attempt log is returned as well, oldest first.
func (m *Manager) Find(ctx context.Context, uid string, withAttempts bool) (*Job, []*Attempt, error) {
	if err := m.ensureInit(ctx); err != nil {
		return nil, nil, err
	}
	job, err := m.store.FindByUID(ctx, uid)
	if err != nil || job == nil {
		return job, nil, err
	}
	if !withAttempts {
		return job, nil, nil
	}
	attempts, err := m.store.ListAttempts(ctx, job.ID)
	if err != nil {
		return nil, nil, err
	}
	return job, attempts, nil
}

// List returns jobs matching the filter, newest first unless
// params.Ascending is set.
func (m *Manager) List(ctx context.Context, params ListParams) ([]*Job, error) {
	if err := m.ensureInit(ctx); err != nil {
		return nil, err
	}
	return m.store.List(ctx, params)
}

// Cleanup transitions jobs stuck in running longer than the configured
// threshold to expired and returns how many rows moved. Expired jobs are
// never requeued automatically.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	if err := m.ensureInit(ctx); err != nil {
		return 0, err
	}
	count, err := m.store.MarkExpired(ctx, m.cfg.CleanupMaxRunning)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.cfg.Logger.WarnContext(ctx, "expired stuck jobs",
			"count", count, "max_running", m.cfg.CleanupMaxRunning)
	}
	return count, nil
}

// HealthPreview aggregates jobs created in the window grouped by status.
func (m *Manager) HealthPreview(ctx context.Context, since time.Duration) ([]HealthRow, error) {
	if err := m.ensureInit(ctx); err != nil {
		return nil, err
	}
	return m.store.HealthPreview(ctx, since)
}

// ResetHard drops and recreates both tables, discarding all jobs.
func (m *Manager) ResetHard(ctx context.Context) error {
	return m.schema.Init(ctx, true)
}

// Uninstall drops both tables.
func (m *Manager) Uninstall(ctx context.Context) error {
	return m.schema.Uninstall(ctx)
}

// InFlight returns the number of jobs currently executing.
func (m *Manager) InFlight() int {
	return m.active.Len()
}

// DBHealth returns the latest periodic probe observation, or nil when the
// probe is disabled or has not run yet.
func (m *Manager) DBHealth() *DBHealthStatus {
	if m.health == nil {
		return nil
	}
	return m.health.Last()
}

// CheckDBHealth performs a one-off connectivity probe regardless of whether
// periodic probing is enabled.
func (m *Manager) CheckDBHealth(ctx context.Context) DBHealthStatus {
	if m.health != nil {
		return m.health.Check(ctx)
	}
	return dbhealth.New(m.cfg.Pool, dbhealth.Config{}, m.cfg.Logger).Check(ctx)
}
