// Package events implements the per-project publish/subscribe channel that
// feeds SSE clients. Publishing is best-effort: a slow subscriber drops
// events, it never blocks the pipeline.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/metrics"
)

// Type names an event kind as delivered on the SSE stream.
type Type string

const (
	TypeJobStatusUpdate     Type = "job_status_update"
	TypeLinkUpdated         Type = "link_updated"
	TypeLinksCreated        Type = "links_created"
	TypeEntryCreated        Type = "entry_created"
	TypeCharacterCardUpdate Type = "character_card_update"
	TypeSourceUpdated       Type = "source_updated"
)

// Event is one notification scoped to a project.
type Event struct {
	Type      Type      `json:"type"`
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

const (
	defaultBufferSize = 32
	dropLogInterval   = 5 * time.Second
)

type subscriber struct {
	ch chan Event
}

// Broadcaster fans events out to per-project subscribers. It is safe for
// concurrent use and Publish never blocks.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[int]*subscriber
	nextID int
	buffer int
	closed bool

	logger      *zap.Logger
	dropped     atomic.Int64
	lastDropLog atomic.Int64
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold up to
// bufferSize undelivered events each.
func NewBroadcaster(bufferSize int, logger *zap.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]map[int]*subscriber),
		buffer: bufferSize,
		logger: logger,
	}
}

// Publish delivers the event to every subscriber of the project. Full
// subscriber buffers drop the event with a rate-limited warning.
func (b *Broadcaster) Publish(projectID string, typ Type, payload any) {
	if b == nil {
		return
	}
	evt := Event{
		Type:      typ,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[projectID] {
		select {
		case sub.ch <- evt:
			metrics.ObserveEventPublished(string(typ))
		default:
			b.dropped.Add(1)
			metrics.ObserveEventDropped()
			if b.allowDropLog(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("events dropped due to slow subscriber",
					zap.String("project_id", projectID),
					zap.Int64("dropped", count))
			}
		}
	}
}

// Subscribe registers a new subscriber for the project and returns its
// channel plus a cancel function. Cancel is idempotent; after it returns the
// channel is closed and receives nothing further.
func (b *Broadcaster) Subscribe(projectID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, b.buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[int]*subscriber)
	}
	b.subs[projectID][id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if group, ok := b.subs[projectID]; ok {
				if s, ok := group[id]; ok {
					delete(group, id)
					if len(group) == 0 {
						delete(b.subs, projectID)
					}
					close(s.ch)
				}
			}
		})
	}
	return sub.ch, cancel
}

// SubscriberCount reports the number of live subscribers for the project.
func (b *Broadcaster) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}

// Close shuts the broadcaster down, closing every subscriber channel.
// Publish and Subscribe become no-ops afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for projectID, group := range b.subs {
		for id, sub := range group {
			close(sub.ch)
			delete(group, id)
		}
		delete(b.subs, projectID)
	}
}

func (b *Broadcaster) allowDropLog(now time.Time) bool {
	nano := now.UnixNano()
	last := b.lastDropLog.Load()
	if nano-last < dropLogInterval.Nanoseconds() {
		return false
	}
	return b.lastDropLog.CompareAndSwap(last, nano)
}
