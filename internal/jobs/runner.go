package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/lore"
)

// Handler executes one task kind. The context is canceled when the job is
// canceled; handlers must check it at every suspension point and return its
// error to acknowledge cancellation.
type Handler interface {
	Run(ctx context.Context, job lore.Job) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job lore.Job) (map[string]any, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, job lore.Job) (map[string]any, error) {
	return f(ctx, job)
}

// Enqueuer is the narrow queueing surface handed to components that chain
// follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// Runner executes queued jobs on a bounded worker pool.
type Runner struct {
	manager  *Manager
	queue    chan uuid.UUID
	workers  int
	logger   *zap.Logger
	handlers map[lore.TaskName]Handler
	wg       sync.WaitGroup
}

// NewRunner creates a Runner with the given pool size and queue depth.
func NewRunner(manager *Manager, workers, queueDepth int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		manager:  manager,
		queue:    make(chan uuid.UUID, queueDepth),
		workers:  workers,
		logger:   logger.Named("runner"),
		handlers: make(map[lore.TaskName]Handler),
	}
}

// Register binds a handler to a task kind. Must be called before Run.
func (r *Runner) Register(task lore.TaskName, h Handler) {
	r.handlers[task] = h
}

// Enqueue places a job on the queue, blocking if it is full until space
// frees up or ctx expires.
func (r *Runner) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	select {
	case r.queue <- jobID:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue job %s: %w", jobID, ctx.Err())
	}
}

// Run starts the worker pool and blocks until ctx is canceled and all
// workers have drained their current job.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner starting", zap.Int("workers", r.workers))
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func(worker int) {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID := <-r.queue:
					r.process(ctx, worker, jobID)
				}
			}
		}(i)
	}
	r.wg.Wait()
	r.logger.Info("runner stopped")
}

func (r *Runner) process(ctx context.Context, worker int, jobID uuid.UUID) {
	job, jobCtx, err := r.manager.Begin(ctx, jobID)
	if err != nil {
		r.logger.Debug("skipping job",
			zap.Int("worker", worker),
			zap.String("job_id", jobID.String()),
			zap.Error(err))
		return
	}

	logger := r.logger.With(
		zap.Int("worker", worker),
		zap.String("job_id", job.ID.String()),
		zap.String("task", string(job.Task)))
	logger.Info("job started")

	handler, ok := r.handlers[job.Task]
	if !ok {
		r.manager.Finish(context.WithoutCancel(ctx), jobID, nil, fmt.Errorf("no handler registered for task %s", job.Task))
		return
	}

	result, runErr := r.safeRun(handler, jobCtx, job, logger)

	// The final status write must survive both job cancellation and
	// runner shutdown.
	r.manager.Finish(context.WithoutCancel(ctx), jobID, result, runErr)
}

func (r *Runner) safeRun(h Handler, ctx context.Context, job lore.Job, logger *zap.Logger) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panicked", zap.Any("panic", rec))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Run(ctx, job)
}
