// Package workerpool provides a bounded worker pool for controlled concurrency.
// Used for fan-out work such as re-verifying ledger fingerprints.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned when submitting to a stopped pool.
var ErrPoolClosed = errors.New("worker pool is shutting down")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload any
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    any
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the delay between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued work
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for background verification jobs
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              0,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	drained    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
	submitMu  sync.RWMutex

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		drained:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	return pool, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	go func() {
		p.wg.Wait()
		close(p.resultChan)
		close(p.drained)
	}()
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task *Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// SubmitContext adds a task, waiting for queue capacity until ctx is done.
// Results must be drained concurrently or the pool can stall.
func (p *Pool) SubmitContext(ctx context.Context, task *Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	}
}

// Results returns the result channel. It is closed once every worker exits.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop stops intake and waits for queued tasks to finish. On timeout the
// pool context is cancelled so in-flight tasks abort.
func (p *Pool) Stop() error {
	p.closeOnce.Do(func() {
		p.submitMu.Lock()
		p.closed.Store(true)
		close(p.taskChan)
		p.submitMu.Unlock()
	})

	select {
	case <-p.drained:
		p.cancel()
		p.logger.Debug("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

// worker is the main worker goroutine
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

// processTask handles a single task with retries
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	result := p.run(ctx, task)

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}

	p.resultChan <- result
}

func (p *Pool) run(ctx context.Context, task *Task) *Result {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err}
		}

		result := p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Error: fmt.Errorf("worker returned no result")}
		}
		if result.Success {
			return result
		}
		lastErr = result.Error

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			select {
			case <-ctx.Done():
				return &Result{TaskID: task.ID, Error: ctx.Err()}
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	if p.config.MaxRetries == 0 {
		return &Result{TaskID: task.ID, Error: lastErr}
	}
	return &Result{
		TaskID: task.ID,
		Error:  fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, lastErr),
	}
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}
