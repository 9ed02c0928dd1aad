package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs cleanup on a fixed interval until stopped.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	last    *CleanupReport
	lastErr error
}

// NewScheduler creates a scheduler for engine.
func NewScheduler(engine *Engine, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins the schedule. The first run happens after one interval.
func (s *Scheduler) Start() {
	go s.loop()
	s.logger.Info("retention scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels any running cleanup and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("retention scheduler stopped")
}

// Last returns the most recent report and error.
func (s *Scheduler) Last() (*CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	report, err := s.engine.RunCleanup(s.ctx, false)
	if err != nil {
		s.logger.Error("scheduled retention cleanup failed", zap.Error(err))
	}

	s.mu.Lock()
	s.last, s.lastErr = report, err
	s.mu.Unlock()
}
