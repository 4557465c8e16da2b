package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/events"
	"github.com/creeklabs/loreforge/internal/lore"
	"github.com/creeklabs/loreforge/internal/metrics"
)

// ErrNotRunnable is returned by Begin for a job no longer in pending, for
// example one canceled while it sat in the queue. It wraps
// lore.ErrInvalidTransition.
var ErrNotRunnable = fmt.Errorf("job is not runnable: %w", lore.ErrInvalidTransition)

// Manager owns job records: creation, every status transition, progress
// writes and cooperative cancellation. All transitions funnel through one
// mutex so concurrent updates cannot race the state machine.
type Manager struct {
	store  lore.JobStore
	events *events.Broadcaster
	clock  lore.Clock
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(store lore.JobStore, broadcaster *events.Broadcaster, clock lore.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = lore.SystemClock{}
	}
	return &Manager{
		store:   store,
		events:  broadcaster,
		clock:   clock,
		logger:  logger.Named("jobs"),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Create persists a new pending job and announces it.
func (m *Manager) Create(ctx context.Context, projectID string, task lore.TaskName, payload lore.JobPayload) (lore.Job, error) {
	now := m.clock.Now()
	job := lore.Job{
		ID:        uuid.New(),
		ProjectID: projectID,
		Task:      task,
		Status:    lore.JobPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return lore.Job{}, fmt.Errorf("create job: %w", err)
	}
	m.logger.Info("job created",
		zap.String("job_id", job.ID.String()),
		zap.String("project_id", projectID),
		zap.String("task", string(task)))
	m.publish(job)
	return job, nil
}

// Get returns a job by ID.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (lore.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns a project's jobs, newest first.
func (m *Manager) List(ctx context.Context, projectID string, limit, offset int) ([]lore.Job, error) {
	return m.store.ListJobs(ctx, projectID, limit, offset)
}

// Begin moves a pending job to in_progress and returns it together with a
// cancellable context the handler must run under. Jobs canceled while
// queued return ErrNotRunnable.
func (m *Manager) Begin(ctx context.Context, id uuid.UUID) (lore.Job, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return lore.Job{}, nil, fmt.Errorf("load job: %w", err)
	}
	if !CanTransition(job.Status, lore.JobInProgress) {
		return lore.Job{}, nil, fmt.Errorf("%w: status is %s", ErrNotRunnable, job.Status)
	}

	job.Status = lore.JobInProgress
	job.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return lore.Job{}, nil, fmt.Errorf("start job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	m.cancels[id] = cancel

	metrics.IncActiveJobs()
	m.publish(job)
	return job, jobCtx, nil
}

// Finish records the handler outcome. A job observed in cancelling, or a
// handler that returned the job context's cancellation error, lands in
// canceled; any other error lands in failed; otherwise completed with the
// handler's result attached.
func (m *Manager) Finish(ctx context.Context, id uuid.UUID, result map[string]any, runErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		m.logger.Error("finish: load job failed", zap.String("job_id", id.String()), zap.Error(err))
		return
	}

	var target lore.JobStatus
	switch {
	case job.Status == lore.JobCancelling || errors.Is(runErr, context.Canceled):
		target = lore.JobCanceled
	case runErr != nil:
		target = lore.JobFailed
	default:
		target = lore.JobCompleted
	}
	// A handler can observe its context's cancellation before the
	// cancelling write lands; the cancel still passes through cancelling.
	if target == lore.JobCanceled && job.Status == lore.JobInProgress {
		job.Status = lore.JobCancelling
	}
	if !CanTransition(job.Status, target) {
		m.logger.Error("finish: transition rejected",
			zap.String("job_id", id.String()),
			zap.String("from", string(job.Status)),
			zap.String("to", string(target)),
			zap.Error(lore.ErrInvalidTransition))
		return
	}

	job.Status = target
	switch target {
	case lore.JobFailed:
		job.ErrorMessage = runErr.Error()
	case lore.JobCompleted:
		job.Result = result
		job.Progress = 1
		if job.TotalItems > 0 {
			job.ProcessedItems = min(job.ProcessedItems, job.TotalItems)
		}
	}
	job.UpdatedAt = m.clock.Now()

	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error("finish: persist failed", zap.String("job_id", id.String()), zap.Error(err))
		return
	}

	metrics.DecActiveJobs()
	metrics.ObserveJobFinished(string(job.Task), string(job.Status), job.UpdatedAt.Sub(job.CreatedAt))
	m.logger.Info("job finished",
		zap.String("job_id", id.String()),
		zap.String("task", string(job.Task)),
		zap.String("status", string(job.Status)),
		zap.Error(runErr))
	m.publish(job)
}

// RequestCancel asks a job to stop. Pending jobs move straight to canceled;
// in_progress jobs move to cancelling and have their context canceled.
// Repeated cancels of a cancelling job are no-ops; terminal jobs return
// ErrTerminalState.
func (m *Manager) RequestCancel(ctx context.Context, id uuid.UUID) (lore.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return lore.Job{}, fmt.Errorf("load job: %w", err)
	}

	var target lore.JobStatus
	switch job.Status {
	case lore.JobPending:
		target = lore.JobCanceled
	case lore.JobInProgress:
		target = lore.JobCancelling
	case lore.JobCancelling:
		return job, nil
	default:
		return lore.Job{}, fmt.Errorf("cancel job %s: %w", id, lore.ErrTerminalState)
	}
	if !CanTransition(job.Status, target) {
		return lore.Job{}, fmt.Errorf("cancel job %s: %s -> %s: %w",
			id, job.Status, target, lore.ErrInvalidTransition)
	}

	job.Status = target
	job.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return lore.Job{}, fmt.Errorf("cancel job: %w", err)
	}

	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	if job.Status == lore.JobCanceled {
		metrics.ObserveJobFinished(string(job.Task), string(job.Status), job.UpdatedAt.Sub(job.CreatedAt))
	}

	m.logger.Info("job cancel requested",
		zap.String("job_id", id.String()),
		zap.String("status", string(job.Status)))
	m.publish(job)
	return job, nil
}

// UpdateProgress writes item counts for an in-flight job. Terminal jobs
// reject the write.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, processed, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if IsTerminal(job.Status) {
		return fmt.Errorf("progress for job %s: %w", id, lore.ErrTerminalState)
	}

	job.ProcessedItems = processed
	job.TotalItems = total
	if total > 0 {
		job.Progress = float64(processed) / float64(total)
	}
	job.UpdatedAt = m.clock.Now()

	if err := m.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	m.publish(job)
	return nil
}

// Recover resets jobs stranded by an unclean shutdown back to pending.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	n, err := m.store.ResetStaleJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	if n > 0 {
		m.logger.Warn("recovered stale jobs", zap.Int("count", n))
	}
	return n, nil
}

func (m *Manager) publish(job lore.Job) {
	if m.events == nil {
		return
	}
	m.events.Publish(job.ProjectID, events.TypeJobStatusUpdate, job)
}
