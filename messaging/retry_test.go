package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingSleep captures requested delays without actually waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func alwaysRetryable(error) ErrorClass { return ClassRetryable }
func alwaysFatal(error) ErrorClass     { return ClassFatal }

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	sleep := &recordingSleep{}
	attempts, err := withRetry(context.Background(), core.SinkBus, 3, alwaysRetryable, sleep.sleep, zaptest.NewLogger(t).Sugar(), func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleep.delays)
}

func TestWithRetry_ThirdAttemptSucceeds(t *testing.T) {
	sleep := &recordingSleep{}
	calls := 0
	attempts, err := withRetry(context.Background(), core.SinkBus, 3, alwaysRetryable, sleep.sleep, zaptest.NewLogger(t).Sugar(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleep.delays)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	sleep := &recordingSleep{}
	cause := errors.New("still busy")
	attempts, err := withRetry(context.Background(), core.SinkStore, 3, alwaysRetryable, sleep.sleep, zaptest.NewLogger(t).Sugar(), func(ctx context.Context) error {
		return cause
	})

	require.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleep.delays)
}

func TestWithRetry_FatalStopsImmediately(t *testing.T) {
	sleep := &recordingSleep{}
	cause := errors.New("schema mismatch")
	attempts, err := withRetry(context.Background(), core.SinkStore, 3, alwaysFatal, sleep.sleep, zaptest.NewLogger(t).Sugar(), func(ctx context.Context) error {
		return cause
	})

	require.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleep.delays)
}

func TestWithRetry_CancellationSurfacesContextError(t *testing.T) {
	sleep := &recordingSleep{}
	ctx, cancel := context.WithCancel(context.Background())

	attempts, err := withRetry(ctx, core.SinkBus, 3, alwaysRetryable, sleep.sleep, zaptest.NewLogger(t).Sugar(), func(ctx context.Context) error {
		cancel()
		return errors.New("interrupted mid-flight")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps++
		cancel()
		return ctx.Err()
	}

	attempts, err := withRetry(ctx, core.SinkBus, 3, alwaysRetryable, sleep, zaptest.NewLogger(t).Sugar(), func(ctx context.Context) error {
		return errors.New("busy")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, sleeps)
}

func TestMarkTransient(t *testing.T) {
	cause := errors.New("quota exceeded")
	marked := MarkTransient(cause)

	assert.True(t, IsTransient(marked))
	assert.False(t, IsTransient(cause))
	assert.True(t, errors.Is(marked, cause))
	assert.Nil(t, MarkTransient(nil))

	assert.Equal(t, ClassRetryable, ClassifyBusError(marked))
}

func TestClassifyBusError(t *testing.T) {
	assert.Equal(t, ClassRetryable, ClassifyBusError(errors.New("LOADING Redis is loading the dataset in memory")))
	assert.Equal(t, ClassRetryable, ClassifyBusError(errors.New("BUSYGROUP consumer group exists")))
	assert.Equal(t, ClassFatal, ClassifyBusError(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
	assert.Equal(t, ClassFatal, ClassifyBusError(errors.New("ERR unknown command")))
}
