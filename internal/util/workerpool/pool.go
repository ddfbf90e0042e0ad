package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned when a non-blocking submit finds no free slot
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is a unit of work. Context defaults to the pool's base context.
// Tasks sharing a non-empty Key run on the same worker in submission order.
type Task struct {
	ID      string
	Key     string
	Fn      func(context.Context) error
	Context context.Context
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// WorkerPool runs tasks on a fixed set of goroutines, each fed by its own
// bounded queue. Keyed tasks are sharded by key, the rest spread round-robin.
// Stop drains whatever is queued before the workers exit.
type WorkerPool struct {
	name      string
	workers   int
	queueSize int
	queues    []chan Task
	next      uint32
	logger    *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// NewWorkerPool creates and starts a pool
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	perWorker := (cfg.QueueSize + cfg.MaxWorkers - 1) / cfg.MaxWorkers
	p := &WorkerPool{
		name:      cfg.Name,
		workers:   cfg.MaxWorkers,
		queueSize: perWorker * cfg.MaxWorkers,
		queues:    make([]chan Task, cfg.MaxWorkers),
		logger:    cfg.Logger,
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, perWorker)
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.workers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queues[id] {
		p.run(id, task)
	}
}

// queueFor picks the queue of the worker that runs task
func (p *WorkerPool) queueFor(task Task) chan Task {
	if task.Key == "" {
		return p.queues[atomic.AddUint32(&p.next, 1)%uint32(p.workers)]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(task.Key))
	return p.queues[h.Sum32()%uint32(p.workers)]
}

func (p *WorkerPool) run(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// TrySubmit queues task without blocking
func (p *WorkerPool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	}
	select {
	case p.queueFor(task) <- task:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return ErrQueueFull
	}
}

// Submit queues task, waiting for a free slot until ctx is done
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	}
	select {
	case p.queueFor(task) <- task:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	}
}

// Stop rejects new tasks and waits up to timeout for queued ones to finish
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		return fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	QueueSize int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current counters
func (p *WorkerPool) Stats() Stats {
	queued := 0
	for _, q := range p.queues {
		queued += len(q)
	}
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    queued,
		QueueSize: p.queueSize,
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Pending is the number of submitted tasks not yet finished
func (s Stats) Pending() uint64 {
	return s.Submitted - s.Completed - s.Failed
}
