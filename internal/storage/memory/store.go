// Package memory provides in-memory store implementations backed by maps
// under a RWMutex. Suitable for tests and single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creeklabs/loreforge/internal/lore"
)

// Store implements every persistence interface of the domain in memory.
type Store struct {
	mu       sync.RWMutex
	jobs     map[uuid.UUID]lore.Job
	sources  map[uuid.UUID]lore.Source
	edges    map[string]map[lore.SourceEdge]struct{}
	links    map[uuid.UUID]lore.Link
	linkURLs map[string]map[string]uuid.UUID
	entries  map[uuid.UUID]lore.LorebookEntry
	cards    map[string]lore.CharacterCard
	projects map[string]lore.Project
	logs     []lore.RequestLog
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[uuid.UUID]lore.Job),
		sources:  make(map[uuid.UUID]lore.Source),
		edges:    make(map[string]map[lore.SourceEdge]struct{}),
		links:    make(map[uuid.UUID]lore.Link),
		linkURLs: make(map[string]map[string]uuid.UUID),
		entries:  make(map[uuid.UUID]lore.LorebookEntry),
		cards:    make(map[string]lore.CharacterCard),
		projects: make(map[string]lore.Project),
	}
}

// --- JobStore ---

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job lore.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(_ context.Context, id uuid.UUID) (lore.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return lore.Job{}, lore.ErrNotFound
	}
	return job, nil
}

// UpdateJob replaces a stored job.
func (s *Store) UpdateJob(_ context.Context, job lore.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return lore.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// ListJobs returns a project's jobs, newest first.
func (s *Store) ListJobs(_ context.Context, projectID string, limit, offset int) ([]lore.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []lore.Job
	for _, job := range s.jobs {
		if job.ProjectID == projectID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

// ResetStaleJobs moves in_progress and cancelling jobs back to pending.
func (s *Store) ResetStaleJobs(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.Status == lore.JobInProgress || job.Status == lore.JobCancelling {
			job.Status = lore.JobPending
			job.UpdatedAt = time.Now().UTC()
			s.jobs[id] = job
			n++
		}
	}
	return n, nil
}

// --- SourceStore ---

// CreateSource stores a new source.
func (s *Store) CreateSource(_ context.Context, src lore.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
	return nil
}

// GetSource returns a source by ID.
func (s *Store) GetSource(_ context.Context, id uuid.UUID) (lore.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return lore.Source{}, lore.ErrNotFound
	}
	return src, nil
}

// GetSourceByURL returns the project's source with the given URL.
func (s *Store) GetSourceByURL(_ context.Context, projectID, url string) (lore.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if src.ProjectID == projectID && src.URL == url {
			return src, nil
		}
	}
	return lore.Source{}, lore.ErrNotFound
}

// UpdateSource replaces a stored source.
func (s *Store) UpdateSource(_ context.Context, src lore.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.ID]; !ok {
		return lore.ErrNotFound
	}
	s.sources[src.ID] = src
	return nil
}

// ListSources returns a project's sources ordered by creation time.
func (s *Store) ListSources(_ context.Context, projectID string) ([]lore.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []lore.Source
	for _, src := range s.sources {
		if src.ProjectID == projectID {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddEdge records parent -> child, merging duplicates.
func (s *Store) AddEdge(_ context.Context, projectID string, parentID, childID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edges[projectID] == nil {
		s.edges[projectID] = make(map[lore.SourceEdge]struct{})
	}
	s.edges[projectID][lore.SourceEdge{ParentID: parentID, ChildID: childID}] = struct{}{}
	return nil
}

// ListEdges returns the project's hierarchy edges.
func (s *Store) ListEdges(_ context.Context, projectID string) ([]lore.SourceEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lore.SourceEdge, 0, len(s.edges[projectID]))
	for e := range s.edges[projectID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParentID != out[j].ParentID {
			return out[i].ParentID.String() < out[j].ParentID.String()
		}
		return out[i].ChildID.String() < out[j].ChildID.String()
	})
	return out, nil
}

// --- LinkStore ---

// GetLink returns a link by ID.
func (s *Store) GetLink(_ context.Context, id uuid.UUID) (lore.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[id]
	if !ok {
		return lore.Link{}, lore.ErrNotFound
	}
	return link, nil
}

// GetLinks returns the links with the given IDs, skipping missing ones.
func (s *Store) GetLinks(_ context.Context, ids []uuid.UUID) ([]lore.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lore.Link, 0, len(ids))
	for _, id := range ids {
		if link, ok := s.links[id]; ok {
			out = append(out, link)
		}
	}
	return out, nil
}

// ListLinkURLs returns every link URL the project has.
func (s *Store) ListLinkURLs(_ context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := make([]string, 0, len(s.linkURLs[projectID]))
	for u := range s.linkURLs[projectID] {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

// ListProcessableLinks returns the project's pending and failed links,
// oldest first.
func (s *Store) ListProcessableLinks(_ context.Context, projectID string) ([]lore.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []lore.Link
	for _, link := range s.links {
		if link.ProjectID == projectID &&
			(link.Status == lore.LinkPending || link.Status == lore.LinkFailed) {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertLinks inserts the URLs the project does not already have as pending
// links and returns only the new ones.
func (s *Store) UpsertLinks(_ context.Context, projectID string, urls []string) ([]lore.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkURLs[projectID] == nil {
		s.linkURLs[projectID] = make(map[string]uuid.UUID)
	}
	now := time.Now().UTC()
	var created []lore.Link
	for _, u := range urls {
		if _, exists := s.linkURLs[projectID][u]; exists {
			continue
		}
		link := lore.Link{
			ID:        uuid.New(),
			ProjectID: projectID,
			URL:       u,
			Status:    lore.LinkPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.links[link.ID] = link
		s.linkURLs[projectID][u] = link.ID
		created = append(created, link)
	}
	return created, nil
}

// UpdateLink replaces a stored link.
func (s *Store) UpdateLink(_ context.Context, link lore.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.ID]; !ok {
		return lore.ErrNotFound
	}
	s.links[link.ID] = link
	return nil
}

// ResetProcessingLinks moves processing links back to pending.
func (s *Store) ResetProcessingLinks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, link := range s.links {
		if link.Status == lore.LinkProcessing {
			link.Status = lore.LinkPending
			link.UpdatedAt = time.Now().UTC()
			s.links[id] = link
			n++
		}
	}
	return n, nil
}

// --- EntryStore ---

// CreateEntry stores a generated entry.
func (s *Store) CreateEntry(_ context.Context, entry lore.LorebookEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// ListEntries returns a project's entries ordered by creation time. Not part
// of the store interfaces; used by tests and debugging endpoints.
func (s *Store) ListEntries(projectID string) []lore.LorebookEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []lore.LorebookEntry
	for _, e := range s.entries {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- CardStore ---

// GetCard returns the project's character card.
func (s *Store) GetCard(_ context.Context, projectID string) (lore.CharacterCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[projectID]
	if !ok {
		return lore.CharacterCard{}, lore.ErrNotFound
	}
	return card, nil
}

// PutCard replaces the project's card in one atomic write.
func (s *Store) PutCard(_ context.Context, card lore.CharacterCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.ProjectID] = card
	return nil
}

// --- ProjectStore ---

// PutProject stores project settings.
func (s *Store) PutProject(project lore.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
}

// GetProject returns project settings by ID.
func (s *Store) GetProject(_ context.Context, id string) (lore.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return lore.Project{}, lore.ErrNotFound
	}
	return project, nil
}

// --- RequestLogStore ---

// CreateRequestLog appends a provider call record.
func (s *Store) CreateRequestLog(_ context.Context, log lore.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

// RequestLogCount reports the number of recorded provider calls.
func (s *Store) RequestLogCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
