package broker

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"batchd/db"
)

// WorkerPoolConfig contains configuration for the worker pool.
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`
	Queue        string        `json:"queue"`
	PollInterval time.Duration `json:"poll_interval"`
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      4,
		Queue:        "default",
		PollInterval: time.Second,
	}
}

// WorkerPool runs a fixed set of workers that claim and execute due tasks
// from one queue.
type WorkerPool struct {
	queue     *Queue
	registry  *HandlerRegistry
	config    WorkerPoolConfig
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
}

// NewWorkerPool creates a worker pool over the shared database. Register
// handlers on Registry() before calling Start.
func NewWorkerPool(ctx context.Context, conn *sql.DB, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:     NewQueue(NewStore(conn)),
		registry:  NewHandlerRegistry(),
		config:    cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    logger.Named("broker"),
	}
}

// Queue returns the pool's queue for enqueuing tasks.
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Registry returns the handler registry for registering task handlers.
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// Start re-queues tasks orphaned by a previous crash, then spawns workers.
func (wp *WorkerPool) Start() {
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}

	requeued, err := wp.queue.Store().RequeueRunning(wp.config.Queue)
	if err != nil {
		wp.logger.Warnw("Failed to requeue orphaned tasks", "error", err)
	} else if requeued > 0 {
		wp.logger.Infow("Requeued tasks orphaned by previous crash",
			"queue", wp.config.Queue,
			"count", requeued)
	}

	if warning := checkMemoryPressure(wp.config.Workers); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.config.Workers)
	}

	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.logger.Infow("Worker pool started",
		"queue", wp.config.Queue,
		"workers", wp.config.Workers,
		"targets", wp.registry.Targets())
}

// Stop cancels the workers and waits for in-flight tasks, bounded by a
// 30-second timeout so shutdown never wedges on a stuck handler.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped cleanly")
	case <-time.After(30 * time.Second):
		wp.logger.Warnw("Worker pool stop timed out; tasks may still be finishing")
	}
}

// Reconfigure applies a new pool configuration by restarting the workers.
// In-flight tasks finish under Stop's timeout before the new workers spawn.
func (wp *WorkerPool) Reconfigure(cfg WorkerPoolConfig) {
	wp.logger.Infow("Reconfiguring worker pool",
		"workers", cfg.Workers,
		"queue", cfg.Queue,
		"poll_interval", cfg.PollInterval)
	wp.Stop()
	wp.config = cfg
	wp.Start()
}

// worker claims and executes tasks until the pool is stopped. Consecutive
// errors back off exponentially so a broken database does not spin the loop.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNext(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if db.IsDatabaseClosed(err) {
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error processing task",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off after consecutive errors",
						"worker_id", id,
						"backoff", backoff)
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// processNext claims one due task and runs its handler. Returns nil when
// nothing is due.
func (wp *WorkerPool) processNext() error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	task, err := wp.queue.Dequeue(wp.config.Queue, time.Now().UTC())
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	handler, err := wp.registry.Get(task.TaskTarget)
	if err != nil {
		return wp.queue.Fail(task, err)
	}

	if err := handler(wp.ctx, task); err != nil {
		select {
		case <-wp.ctx.Done():
			// Shutdown mid-task: put it back for the next worker start.
			wp.logger.Warnw("Task interrupted by shutdown, requeuing",
				"task_id", task.ID,
				"target", task.TaskTarget)
			if _, reqErr := wp.queue.Store().RequeueRunning(wp.config.Queue); reqErr != nil {
				wp.logger.Errorw("Failed to requeue interrupted task", "task_id", task.ID, "error", reqErr)
			}
			return nil
		default:
		}
		return wp.queue.Fail(task, err)
	}

	return wp.queue.Complete(task, "")
}
