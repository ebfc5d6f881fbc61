// Package workerpool provides a bounded goroutine pool. The datanode runs
// replica transfers through it so a large transfer command cannot spawn
// unbounded outbound copies, and the live task count feeds the heartbeat's
// xmits-in-progress field.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Pool manages a fixed set of workers pulling from a bounded queue.
type Pool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	logger     *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	active    int32
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool configuration.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates and starts a pool.
func New(cfg *Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(context.Background())
}

// Submit enqueues a task without blocking. It fails when the pool is
// stopped or the queue is full.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}
	select {
	case p.taskQueue <- task:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %q queue is full", p.name)
	}
}

// InProgress counts tasks currently executing or queued.
func (p *Pool) InProgress() int {
	return int(atomic.LoadInt32(&p.active)) + len(p.taskQueue)
}

// Stop halts the workers, waiting up to timeout for in-flight tasks.
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
			p.logger.Info("worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
		}
	})
	return err
}
