package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Wait: time.Millisecond, MaxWait: 5 * time.Millisecond}
}

func deadlock() error {
	return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultPolicy(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesDeadlock(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return deadlock()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return deadlock()
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40P01", pgErr.Code)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return &pgconn.PgError{Code: "42P01", Message: `relation "county" does not exist`}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := Policy{Attempts: 5, Wait: 50 * time.Millisecond}

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return deadlock()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_CustomRetryableAndOnRetry(t *testing.T) {
	var attempts []int
	cfg := fastPolicy(3)
	cfg.Retryable = func(err error) bool { return err.Error() == "again" }
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	var calls int
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastPolicy(3), func(_ context.Context) (int64, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(errors.New("flaky"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)

	val, err = DoVal(context.Background(), fastPolicy(2), func(_ context.Context) (int64, error) {
		return 7, deadlock()
	})
	require.Error(t, err)
	assert.Zero(t, val)
}

func TestPause_GrowsToMaxWait(t *testing.T) {
	p := Policy{Wait: 100 * time.Millisecond, MaxWait: 500 * time.Millisecond}.withDefaults()

	assert.Equal(t, 100*time.Millisecond, p.pause(0))
	assert.Equal(t, 200*time.Millisecond, p.pause(1))
	assert.Equal(t, 400*time.Millisecond, p.pause(2))
	assert.Equal(t, 500*time.Millisecond, p.pause(3))
}

func TestPause_Jitter(t *testing.T) {
	p := Policy{Wait: time.Second, Jitter: 0.5}.withDefaults()

	seen := make(map[time.Duration]bool)
	for range 100 {
		d := p.pause(0)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Greater(t, len(seen), 1)
}

func TestWithDefaults(t *testing.T) {
	p := Policy{Jitter: -1}.withDefaults()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 500*time.Millisecond, p.Wait)
	assert.Equal(t, 30*time.Second, p.MaxWait)
	assert.Equal(t, 2.0, p.Growth)
	assert.Zero(t, p.Jitter)
	assert.True(t, p.Retryable(deadlock()))
}

func TestLogRetries(t *testing.T) {
	LogRetries("link", "neighborhood__parcel")(1, errors.New("deadlock detected"))
}
