package dbretry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:     maxRetries,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2,
		RetryableCodes: DefaultRetryableCodes,
	}
}

func TestIsRetryable_SQLState(t *testing.T) {
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "08006"}, DefaultRetryableCodes))
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "57P03"}, DefaultRetryableCodes))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}, DefaultRetryableCodes))
}

func TestIsRetryable_MessageSubstring(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("dial tcp: ECONNREFUSED"), DefaultRetryableCodes))
	assert.False(t, IsRetryable(errors.New("syntax error"), DefaultRetryableCodes))
	assert.False(t, IsRetryable(nil, DefaultRetryableCodes))
}

func TestIsRetryable_WrappedPgError(t *testing.T) {
	wrapped := errors.Join(errors.New("query failed"), &pgconn.PgError{Code: "08003"})
	assert.True(t, IsRetryable(wrapped, DefaultRetryableCodes))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "08006"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableSurfacesImmediately(t *testing.T) {
	permanent := errors.New("relation does not exist")
	calls := 0
	err := Do(context.Background(), fastConfig(3), nil, func(context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), nil, func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "08000"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial call + 2 retries
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
}

func TestDo_ContextCancelsBetweenRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Second

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, nil, func(context.Context) error {
			return &pgconn.PgError{Code: "08006"}
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not observe context cancellation")
	}
}
