package dbhealth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	version string
	err     error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.version
	*dest[1].(*time.Time) = time.Now()
	return nil
}

type fakeDB struct {
	err error
}

func (db *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return fakeRow{version: "PostgreSQL 16.2 on x86_64-pc-linux-gnu, compiled by gcc", err: db.err}
}

func TestCheck_Healthy(t *testing.T) {
	m := New(&fakeDB{}, Config{}, nil)

	status := m.Check(context.Background())

	assert.True(t, status.Healthy)
	assert.Empty(t, status.Error)
	assert.Equal(t, "PostgreSQL 16.2", status.ServerVersion)
	assert.False(t, status.CheckedAt.IsZero())

	last := m.Last()
	require.NotNil(t, last)
	assert.True(t, last.Healthy)
}

func TestCheck_Unhealthy(t *testing.T) {
	m := New(&fakeDB{err: errors.New("connection refused")}, Config{}, nil)

	status := m.Check(context.Background())

	assert.False(t, status.Healthy)
	assert.Contains(t, status.Error, "connection refused")
}

func TestTransitionCallbacks_OncePerEdge(t *testing.T) {
	db := &fakeDB{}
	var healthy, unhealthy int
	m := New(db, Config{
		OnHealthy:   func(Status) { healthy++ },
		OnUnhealthy: func(Status) { unhealthy++ },
	}, nil)
	ctx := context.Background()

	m.Check(ctx) // first observation healthy: no edge
	m.Check(ctx) // still healthy
	assert.Equal(t, 0, healthy)
	assert.Equal(t, 0, unhealthy)

	db.err = errors.New("down")
	m.Check(ctx) // healthy -> unhealthy
	m.Check(ctx) // still unhealthy
	assert.Equal(t, 1, unhealthy)

	db.err = nil
	m.Check(ctx) // unhealthy -> healthy
	m.Check(ctx)
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 1, unhealthy)
}

func TestLast_NilBeforeFirstProbe(t *testing.T) {
	m := New(&fakeDB{}, Config{}, nil)
	assert.Nil(t, m.Last())
}

func TestStartStop(t *testing.T) {
	m := New(&fakeDB{}, Config{Interval: 5 * time.Millisecond}, nil)

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.Last() != nil }, time.Second, time.Millisecond)

	m.Stop()
	m.Stop() // second stop is a no-op
}

func TestVersionToken(t *testing.T) {
	assert.Equal(t, "PostgreSQL 16.2", versionToken("PostgreSQL 16.2 on aarch64-apple-darwin"))
	assert.Equal(t, "weird", versionToken("weird"))
}
