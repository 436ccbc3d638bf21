package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned when work is submitted after Stop
var ErrPoolStopped = fmt.Errorf("worker pool is stopped")

// Task is one unit of per-node work
type Task struct {
	ID  string
	Fn  func(context.Context) error
	ctx context.Context

	done func(error)
}

// Pool runs tasks on a fixed number of goroutines. All fleet jobs share one
// pool so the number of concurrent node touch-points is bounded globally.
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	queue      chan Task
	logger     *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates a pool and starts its workers
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "fleet"
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		queue:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(task)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)))
	}

	if task.done != nil {
		task.done(err)
	}
}

// safeExecute runs the task, converting a panic into an error
func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task.Fn(ctx)
}

// Submit blocks until the task is queued, ctx is done or the pool stops
func (p *Pool) Submit(ctx context.Context, task Task) error {
	task.ctx = ctx
	return p.enqueue(ctx, task)
}

func (p *Pool) enqueue(ctx context.Context, task Task) error {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ErrPoolStopped
	default:
	}

	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ErrPoolStopped
	case <-ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ctx.Err()
	case p.queue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	}
}

// TrySubmit queues the task without blocking
func (p *Pool) TrySubmit(ctx context.Context, task Task) bool {
	task.ctx = ctx
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return false
	case p.queue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return true
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return false
	}
}

// Batch submits tasks and waits for every one of them. The result slice is
// indexed like tasks; a task that could not be queued carries the submit error.
func (p *Pool) Batch(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i := range tasks {
		i := i
		task := tasks[i]
		task.ctx = ctx
		wg.Add(1)
		task.done = func(err error) {
			errs[i] = err
			wg.Done()
		}
		if err := p.enqueue(ctx, task); err != nil {
			errs[i] = err
			wg.Done()
		}
	}

	wg.Wait()
	return errs
}

// Stop stops accepting work and waits for workers to finish their current task
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}

		// Tasks still queued never ran; release any Batch waiting on them.
		for {
			select {
			case task := <-p.queue:
				if task.done != nil {
					task.done(ErrPoolStopped)
				}
			default:
				return
			}
		}
	})
	return err
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.queue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedTasks) / float64(s.QueueSize) * 100.0
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	finished := s.CompletedTasks + s.FailedTasks
	if finished == 0 {
		return 100.0
	}
	return float64(s.CompletedTasks) / float64(finished) * 100.0
}
