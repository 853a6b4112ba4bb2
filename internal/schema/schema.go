// Package schema owns creation and teardown of the two job tables and their
// indexes. Initialization is idempotent and safe to run on every start.
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	jobSuffix     = "job"
	attemptSuffix = "job_attempt_log"
)

// Manager brings the schema to the expected shape. Table names are formed by
// concatenating the configured prefix with fixed suffixes; the prefix may
// include a schema qualifier followed by a dot.
type Manager struct {
	pool   *pgxpool.Pool
	prefix string
	logger *slog.Logger
}

// New creates a schema manager for the given pool and table prefix.
func New(pool *pgxpool.Pool, prefix string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pool: pool, prefix: prefix, logger: logger}
}

// JobTable returns the quoted, possibly schema-qualified job table identifier.
func (m *Manager) JobTable() string {
	return QuoteQualified(m.prefix + jobSuffix)
}

// AttemptTable returns the quoted attempt log table identifier.
func (m *Manager) AttemptTable() string {
	return QuoteQualified(m.prefix + attemptSuffix)
}

// Init creates the tables and indexes if absent. With hard set, it drops both
// tables first. Calling Init(false) repeatedly leaves the schema unchanged.
func (m *Manager) Init(ctx context.Context, hard bool) error {
	if hard {
		if err := m.Uninstall(ctx); err != nil {
			return err
		}
	}

	for _, stmt := range m.statements() {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	m.logger.DebugContext(ctx, "schema initialized", "job_table", m.JobTable(), "hard", hard)
	return nil
}

// Uninstall drops both tables. The attempt log goes first because of its
// foreign key on the job table.
func (m *Manager) Uninstall(ctx context.Context) error {
	drops := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", m.AttemptTable()),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", m.JobTable()),
	}
	for _, stmt := range drops {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop tables: %w", err)
		}
	}
	return nil
}

func (m *Manager) statements() []string {
	job := m.JobTable()
	attempt := m.AttemptTable()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	uid UUID NOT NULL DEFAULT gen_random_uuid(),
	type VARCHAR(255) NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	result JSONB NOT NULL DEFAULT '{}',
	attempts INTEGER DEFAULT 0,
	max_attempts INTEGER DEFAULT 3,
	max_attempt_duration_ms INTEGER DEFAULT 0,
	created_at TIMESTAMPTZ DEFAULT NOW(),
	updated_at TIMESTAMPTZ DEFAULT NOW(),
	run_at TIMESTAMPTZ DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	backoff_strategy VARCHAR(20) NOT NULL DEFAULT 'exp'
)`, job),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	job_id INTEGER REFERENCES %s(id),
	attempt_number INTEGER NOT NULL,
	started_at TIMESTAMPTZ DEFAULT NOW(),
	completed_at TIMESTAMPTZ,
	status VARCHAR(20),
	error_message TEXT,
	error_details JSONB
)`, attempt, job),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, run_at)",
			IndexName(m.prefix+jobSuffix, "status_run_at"), job),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (uid)",
			IndexName(m.prefix+jobSuffix, "uid"), job),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status)",
			IndexName(m.prefix+jobSuffix, "status"), job),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (job_id)",
			IndexName(m.prefix+attemptSuffix, "job_id"), attempt),
	}
}

// QuoteQualified quotes a possibly schema-qualified identifier for PostgreSQL.
// A single dot separates schema and relation; each part is double-quoted with
// embedded quotes escaped.
func QuoteQualified(ident string) string {
	parts := strings.SplitN(ident, ".", 2)
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

var nonWord = regexp.MustCompile(`\W`)

// IndexName forms a valid index identifier from a table name (which may carry
// a schema qualifier) and a column hint, stripping non-word characters.
func IndexName(table, hint string) string {
	return "idx_" + nonWord.ReplaceAllString(table, "") + "_" + hint
}
