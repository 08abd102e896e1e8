package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/metrics"

	"go.uber.org/zap"
)

// ErrorClass is the retry classification of a sink error.
type ErrorClass int

const (
	// ClassRetryable errors are retried until the attempt budget runs out
	ClassRetryable ErrorClass = iota
	// ClassFatal errors surface immediately with no further attempts
	ClassFatal
)

// Classifier decides whether a sink error is worth retrying. Classifiers are
// sink-specific; see ClassifyBusError and storage.ClassifyStoreError.
type Classifier func(error) ErrorClass

// sleepFunc waits for d or until ctx is cancelled. Injectable so retry
// timing is testable without real multi-second sleeps.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transientError marks an error as retryable regardless of its type.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so sink classifiers treat it as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked transient with MarkTransient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// withRetry runs op up to maxAttempts times. The delay before retry n is
// 2^n seconds (2s, 4s, ...), exponential and unjittered so tests are
// deterministic. Fatal errors and cancellation stop immediately; after the
// budget is exhausted the last error is surfaced. Returns the number of
// attempts issued alongside the final error.
func withRetry(ctx context.Context, sink core.Sink, maxAttempts int, classify Classifier, sleep sleepFunc, logger *zap.SugaredLogger, op func(context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		metrics.SinkAttempts.WithLabelValues(string(sink)).Inc()

		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if cerr := ctx.Err(); cerr != nil {
			return attempt, cerr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return attempt, err
		}
		if classify(err) == ClassFatal {
			return attempt, err
		}
		if attempt == maxAttempts {
			return attempt, lastErr
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		metrics.SinkRetries.WithLabelValues(string(sink)).Inc()
		logger.Warnw("Sink operation failed, retrying",
			"sink", sink,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		if serr := sleep(ctx, delay); serr != nil {
			return attempt, serr
		}
	}
}
