package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultProgressInterval is the minimum spacing between coalesced progress
// writes.
const DefaultProgressInterval = 500 * time.Millisecond

// Reporter throttles progress writes for one job. Step coalesces bursts of
// updates to at most one write per interval; Flush always writes, so the
// final counts are exact.
type Reporter struct {
	m           *Manager
	jobID       uuid.UUID
	total       int
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// Reporter creates a progress reporter for the job and records the initial
// total. A non-positive interval disables coalescing so every Step writes.
func (m *Manager) Reporter(ctx context.Context, jobID uuid.UUID, total int, interval time.Duration) *Reporter {
	r := &Reporter{m: m, jobID: jobID, total: total, minInterval: interval}
	if err := m.UpdateProgress(ctx, jobID, 0, total); err != nil {
		m.logger.Debug("initial progress write failed", zap.Error(err))
	}
	r.last = m.clock.Now()
	return r
}

// SetTotal changes the expected item count for later writes.
func (r *Reporter) SetTotal(total int) {
	r.mu.Lock()
	r.total = total
	r.mu.Unlock()
}

// Step records progress, skipping the write when the previous one was less
// than the configured interval ago.
func (r *Reporter) Step(ctx context.Context, processed int) {
	r.mu.Lock()
	now := r.m.clock.Now()
	if r.minInterval > 0 && now.Sub(r.last) < r.minInterval {
		r.mu.Unlock()
		return
	}
	r.last = now
	total := r.total
	r.mu.Unlock()

	if err := r.m.UpdateProgress(ctx, r.jobID, processed, total); err != nil {
		r.m.logger.Debug("progress write failed", zap.Error(err))
	}
}

// Flush writes the exact current progress, bypassing coalescing.
func (r *Reporter) Flush(ctx context.Context, processed int) {
	r.mu.Lock()
	r.last = r.m.clock.Now()
	total := r.total
	r.mu.Unlock()

	if err := r.m.UpdateProgress(ctx, r.jobID, processed, total); err != nil {
		r.m.logger.Debug("final progress write failed", zap.Error(err))
	}
}
