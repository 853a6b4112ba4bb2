package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteQualified(t *testing.T) {
	assert.Equal(t, `"job"`, QuoteQualified("job"))
	assert.Equal(t, `"myapp_job"`, QuoteQualified("myapp_job"))
	assert.Equal(t, `"queue"."job"`, QuoteQualified("queue.job"))
	assert.Equal(t, `"we""ird"`, QuoteQualified(`we"ird`))
}

func TestIndexName_StripsNonWordCharacters(t *testing.T) {
	assert.Equal(t, "idx_job_status", IndexName("job", "status"))
	assert.Equal(t, "idx_queuejob_uid", IndexName("queue.job", "uid"))
	assert.Equal(t, "idx_myapp_job_status_run_at", IndexName("myapp_job", "status_run_at"))
}

func TestStatements_UsePrefixedTables(t *testing.T) {
	m := New(nil, "myapp_", nil)

	assert.Equal(t, `"myapp_job"`, m.JobTable())
	assert.Equal(t, `"myapp_job_attempt_log"`, m.AttemptTable())

	stmts := m.statements()
	assert.Len(t, stmts, 6)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "myapp_job"`)
	assert.Contains(t, stmts[0], "gen_random_uuid()")
	assert.Contains(t, stmts[1], `REFERENCES "myapp_job"(id)`)
	assert.Contains(t, stmts[2], "idx_myapp_job_status_run_at")
	assert.Contains(t, stmts[5], `ON "myapp_job_attempt_log" (job_id)`)
}

func TestStatements_SchemaQualifiedPrefix(t *testing.T) {
	m := New(nil, "queue.", nil)

	assert.Equal(t, `"queue"."job"`, m.JobTable())
	stmts := m.statements()
	assert.Contains(t, stmts[2], "idx_queuejob_status_run_at")
}
