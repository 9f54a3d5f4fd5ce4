// Package workerpool runs batches of independent tasks with bounded
// concurrency. A task's failure or panic is confined to its own result.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
}

// Result represents the outcome of task processing. Retryable failures are
// attempted again up to Config.MaxRetries.
type Result struct {
	TaskID    string
	Success   bool
	Retryable bool
	Error     error
	Data      interface{}
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// MaxRetries is the maximum number of retries for retryable failures
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
}

// DefaultConfig returns defaults for claim batches.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		MaxRetries: 2,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Pool runs batches of tasks
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	tasksPanicked  int64
	activeWorkers  int64
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
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
	}, nil
}

// Run processes every task and returns one result per task, in task order.
// Tasks not started before ctx is cancelled fail with ctx.Err().
func (p *Pool) Run(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	atomic.AddInt64(&p.tasksSubmitted, int64(len(tasks)))

	workers := p.config.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			atomic.AddInt64(&p.activeWorkers, 1)
			defer atomic.AddInt64(&p.activeWorkers, -1)
			for i := range jobs {
				results[i] = p.processTask(ctx, workerID, tasks[i])
			}
		}(w)
	}

	for i := range tasks {
		select {
		case jobs <- i:
		case <-ctx.Done():
			for j := i; j < len(tasks); j++ {
				results[j] = &Result{TaskID: tasks[j].ID, Error: ctx.Err()}
				atomic.AddInt64(&p.tasksFailed, 1)
			}
			close(jobs)
			wg.Wait()
			return results
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

// processTask handles a single task with retries
func (p *Pool) processTask(ctx context.Context, workerID int, task *Task) *Result {
	var result *Result
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			break
		}

		result = p.call(ctx, task)
		if result.Success || !result.Retryable || attempt >= p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}
	return result
}

// call runs the worker function, converting a panic into a failed result.
func (p *Pool) call(ctx context.Context, task *Task) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.tasksPanicked, 1)
			p.logger.Error("task panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = &Result{TaskID: task.ID, Error: fmt.Errorf("task %s panicked: %v", task.ID, r)}
		}
	}()

	result = p.workerFunc(ctx, task)
	if result == nil {
		result = &Result{Error: fmt.Errorf("task %s returned no result", task.ID)}
	}
	if result.TaskID == "" {
		result.TaskID = task.ID
	}
	return result
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksPanicked  int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		TasksPanicked:  atomic.LoadInt64(&p.tasksPanicked),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}
