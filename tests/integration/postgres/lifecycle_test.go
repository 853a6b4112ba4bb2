package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marianmeres/steve"
)

func TestHappyPath(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{})

	var handled sync.Map
	mgr.SetHandler("email", func(_ context.Context, job *steve.Job) (map[string]any, error) {
		handled.Store(job.UID, true)
		return map[string]any{"sent_to": job.Payload["to"]}, nil
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 2))

	doneCh := make(chan *steve.Job, 1)
	job, err := mgr.CreateJob(ctx, steve.CreateParams{
		Type:    "email",
		Payload: map[string]any{"to": "someone@example.com"},
	}, func(j *steve.Job) { doneCh <- j })
	require.NoError(t, err)
	assert.Equal(t, steve.StatusPending, job.Status)
	assert.NotEmpty(t, job.UID)

	select {
	case done := <-doneCh:
		assert.Equal(t, steve.StatusCompleted, done.Status)
		assert.Equal(t, "someone@example.com", done.Result["sent_to"])
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}

	stored := waitDone(t, mgr, job.UID, 5*time.Second)
	assert.Equal(t, steve.StatusCompleted, stored.Status)
	assert.Equal(t, int32(1), stored.Attempts)
	assert.NotNil(t, stored.CompletedAt)

	_, ok := handled.Load(job.UID)
	assert.True(t, ok)
}

// TestDoneCallbacksFireUnderFastWorkers hammers the window between the
// insert and the callback registration: with an aggressive poll interval a
// worker can finish a job before CreateJob returns, and the done callback
// must fire regardless of which side wins.
func TestDoneCallbacksFireUnderFastWorkers(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{PollInterval: time.Millisecond})

	mgr.SetHandler("instant", func(context.Context, *steve.Job) (map[string]any, error) {
		return nil, nil
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 4))

	const jobCount = 50
	var fired sync.WaitGroup
	fired.Add(jobCount)
	for i := 0; i < jobCount; i++ {
		_, err := mgr.CreateJob(ctx, steve.CreateParams{Type: "instant"},
			func(j *steve.Job) {
				assert.Equal(t, steve.StatusCompleted, j.Status)
				fired.Done()
			})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() { fired.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("not every done callback fired")
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{})

	var calls sync.Map
	mgr.SetHandler("flaky", func(_ context.Context, job *steve.Job) (map[string]any, error) {
		n, _ := calls.LoadOrStore(job.UID, new(int32))
		count := n.(*int32)
		*count++
		if *count == 1 {
			return nil, errors.New("transient failure")
		}
		return map[string]any{"ok": true}, nil
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 2))

	// No backoff so the retry is eligible immediately.
	job, err := mgr.CreateJob(ctx, steve.CreateParams{Type: "flaky", Backoff: steve.BackoffNone})
	require.NoError(t, err)

	stored := waitDone(t, mgr, job.UID, 10*time.Second)
	assert.Equal(t, steve.StatusCompleted, stored.Status)
	assert.Equal(t, int32(2), stored.Attempts)

	_, attempts, err := mgr.Find(ctx, job.UID, true)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, steve.AttemptError, attempts[0].Status)
	assert.Equal(t, "transient failure", attempts[0].ErrorMessage)
	assert.Equal(t, steve.AttemptSuccess, attempts[1].Status)
}

func TestExhaustedRetriesFail(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{})

	mgr.SetHandler("doomed", func(context.Context, *steve.Job) (map[string]any, error) {
		return nil, errors.New("always fails")
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 2))

	doneCh := make(chan *steve.Job, 1)
	job, err := mgr.CreateJob(ctx, steve.CreateParams{
		Type:        "doomed",
		MaxAttempts: 2,
		Backoff:     steve.BackoffNone,
	}, func(j *steve.Job) { doneCh <- j })
	require.NoError(t, err)

	select {
	case done := <-doneCh:
		assert.Equal(t, steve.StatusFailed, done.Status)
	case <-time.After(15 * time.Second):
		t.Fatal("job never reached terminal state")
	}

	stored, attempts, err := mgr.Find(ctx, job.UID, true)
	require.NoError(t, err)
	assert.Equal(t, steve.StatusFailed, stored.Status)
	assert.Equal(t, int32(2), stored.Attempts)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, steve.AttemptError, a.Status)
		assert.Equal(t, "always fails", a.ErrorMessage)
	}
}

func TestScheduledJobWaitsForRunAt(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{})

	started := make(chan time.Time, 1)
	mgr.SetHandler("later", func(context.Context, *steve.Job) (map[string]any, error) {
		started <- time.Now()
		return nil, nil
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 2))

	delay := 2 * time.Second
	runAt := time.Now().Add(delay)
	createdAt := time.Now()
	job, err := mgr.CreateJob(ctx, steve.CreateParams{Type: "later", RunAt: &runAt})
	require.NoError(t, err)

	// Mid-window the job must still be waiting, not claimed.
	time.Sleep(delay / 2)
	stored, _, err := mgr.Find(ctx, job.UID, false)
	require.NoError(t, err)
	assert.Equal(t, steve.StatusPending, stored.Status)

	select {
	case at := <-started:
		// Allow modest clock skew between test host and database.
		assert.GreaterOrEqual(t, at.Sub(createdAt), delay-500*time.Millisecond)
	case <-time.After(15 * time.Second):
		t.Fatal("scheduled job never ran")
	}
}

func TestPerAttemptTimeout(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{})

	mgr.SetHandler("slow", func(ctx context.Context, _ *steve.Job) (map[string]any, error) {
		select {
		case <-time.After(30 * time.Second):
			return map[string]any{"finished": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 2))

	job, err := mgr.CreateJob(ctx, steve.CreateParams{
		Type:               "slow",
		MaxAttempts:        1,
		MaxAttemptDuration: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	stored := waitDone(t, mgr, job.UID, 10*time.Second)
	assert.Equal(t, steve.StatusFailed, stored.Status)

	_, attempts, err := mgr.Find(ctx, job.UID, true)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "Execution timed out", attempts[0].ErrorMessage)
}

func TestAttemptEventsOrdering(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{})
	mgr.SetHandler("observed", func(context.Context, *steve.Job) (map[string]any, error) {
		return nil, nil
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 1))

	statuses := make(chan steve.Status, 4)
	mgr.OnAttempt(func(j *steve.Job) { statuses <- j.Status }, "observed")

	job, err := mgr.CreateJob(ctx, steve.CreateParams{Type: "observed"})
	require.NoError(t, err)
	waitDone(t, mgr, job.UID, 10*time.Second)

	first := <-statuses
	second := <-statuses
	assert.Equal(t, steve.StatusRunning, first)
	assert.Equal(t, steve.StatusCompleted, second)
}

func TestUnregisteredTypeCompletesViaNoop(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, steve.Config{})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, 1))

	job, err := mgr.CreateJob(ctx, steve.CreateParams{Type: "nobody-registered-this"})
	require.NoError(t, err)

	stored := waitDone(t, mgr, job.UID, 10*time.Second)
	assert.Equal(t, steve.StatusCompleted, stored.Status)
	assert.Equal(t, true, stored.Result["noop"])
}
