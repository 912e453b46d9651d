package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work run by the pool
type Task struct {
	ID  string
	Fn  func(context.Context) error
	Ctx context.Context
}

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	tasks      chan Task
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New starts a pool
func New(cfg *Config) *Pool {
	c := *cfg
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	p := &Pool{
		name:       c.Name,
		maxWorkers: c.MaxWorkers,
		queueSize:  c.QueueSize,
		tasks:      make(chan Task, c.QueueSize),
		logger:     c.Logger,
		stopChan:   make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.tasks:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	if err := p.safeExecute(task); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

// safeExecute runs a task, turning a panic into an error
func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// SubmitWithContext queues a task, blocking until there is room, the
// context ends or the pool stops.
func (p *Pool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.tasks <- task:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	}
}

// Run executes every fn on the pool and waits for all of them. The
// returned slice holds each fn's error at its index; a fn that could not
// be queued gets the submission error.
func (p *Pool) Run(ctx context.Context, fns []func(context.Context) error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup

	for i, fn := range fns {
		i, fn := i, fn
		wg.Add(1)
		task := Task{
			ID:  fmt.Sprintf("%s-%d", p.name, i),
			Ctx: ctx,
			Fn: func(ctx context.Context) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("task panicked: %v", r)
					}
					errs[i] = err
					wg.Done()
				}()
				return fn(ctx)
			},
		}
		if err := p.SubmitWithContext(ctx, task); err != nil {
			errs[i] = err
			wg.Done()
		}
	}

	wg.Wait()
	return errs
}

// Stop stops the workers, waiting up to timeout for running tasks
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		QueuedTasks:   len(p.tasks),
		Submitted:     atomic.LoadUint64(&p.submitted),
		Completed:     atomic.LoadUint64(&p.completed),
		Failed:        atomic.LoadUint64(&p.failed),
		Rejected:      atomic.LoadUint64(&p.rejected),
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	Name          string `json:"name"`
	MaxWorkers    int    `json:"max_workers"`
	ActiveWorkers int    `json:"active_workers"`
	QueuedTasks   int    `json:"queued_tasks"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
}
