package dimension

import (
	"context"
	"sync"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/metrics"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/util/goroutine"

	"go.uber.org/zap"
)

// Refresher is the slice of a Dimension the scheduler drives.
type Refresher interface {
	Name() string
	Refresh(ctx context.Context) error
}

// Scheduler periodically refreshes a single dimension in the background: one
// refresh immediately on start, then one per tick. A failed refresh is
// logged and the next tick still fires; only cancellation stops the loop.
// Each dimension gets its own scheduler with its own lifecycle handle.
type Scheduler struct {
	dim      Refresher
	interval time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewScheduler creates a scheduler that refreshes dim every interval.
func NewScheduler(dim Refresher, interval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		dim:      dim,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the refresh loop. Cancelling ctx stops it; Stop does too.
// Starting an already started scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Infow("Starting dimension refresh scheduler",
		"dimension", s.dim.Name(),
		"interval", s.interval)

	go s.run(runCtx)
}

// Stop cancels the refresh loop and waits for it to exit. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer goroutine.Recover("dimension-scheduler-"+s.dim.Name(), s.logger)

	s.refreshOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Dimension refresh scheduler stopped", "dimension", s.dim.Name())
			return
		case <-ticker.C:
			s.refreshOnce(ctx)
		}
	}
}

func (s *Scheduler) refreshOnce(ctx context.Context) {
	if err := s.dim.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.DimensionRefreshes.WithLabelValues(s.dim.Name(), "error").Inc()
		s.logger.Errorw("Dimension refresh failed",
			"dimension", s.dim.Name(),
			"error", err)
		return
	}
	metrics.DimensionRefreshes.WithLabelValues(s.dim.Name(), "ok").Inc()
}
