package lore

import (
	"context"

	"github.com/google/uuid"
)

// JobStore persists jobs. Implementations must be safe for concurrent use.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	ListJobs(ctx context.Context, projectID string, limit, offset int) ([]Job, error)
	// ResetStaleJobs moves jobs stranded in in_progress or cancelling back
	// to pending. Used at startup after an unclean shutdown.
	ResetStaleJobs(ctx context.Context) (int, error)
}

// SourceStore persists sources and the discovery hierarchy between them.
type SourceStore interface {
	CreateSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id uuid.UUID) (Source, error)
	GetSourceByURL(ctx context.Context, projectID, url string) (Source, error)
	UpdateSource(ctx context.Context, src Source) error
	ListSources(ctx context.Context, projectID string) ([]Source, error)
	// AddEdge records parent -> child, merging duplicates.
	AddEdge(ctx context.Context, projectID string, parentID, childID uuid.UUID) error
	ListEdges(ctx context.Context, projectID string) ([]SourceEdge, error)
}

// LinkStore persists confirmed links.
type LinkStore interface {
	GetLink(ctx context.Context, id uuid.UUID) (Link, error)
	GetLinks(ctx context.Context, ids []uuid.UUID) ([]Link, error)
	ListLinkURLs(ctx context.Context, projectID string) ([]string, error)
	// ListProcessableLinks returns the project's links in pending or failed
	// status, oldest first.
	ListProcessableLinks(ctx context.Context, projectID string) ([]Link, error)
	// UpsertLinks inserts the given URLs as pending links, skipping URLs the
	// project already has, and returns only the newly created links.
	UpsertLinks(ctx context.Context, projectID string, urls []string) ([]Link, error)
	UpdateLink(ctx context.Context, link Link) error
	// ResetProcessingLinks moves links stranded in processing back to
	// pending. Used at startup after an unclean shutdown.
	ResetProcessingLinks(ctx context.Context) (int, error)
}

// EntryStore persists generated lorebook entries.
type EntryStore interface {
	CreateEntry(ctx context.Context, entry LorebookEntry) error
}

// CardStore persists character cards. PutCard replaces the whole card in a
// single call so readers never observe a partial update.
type CardStore interface {
	GetCard(ctx context.Context, projectID string) (CharacterCard, error)
	PutCard(ctx context.Context, card CharacterCard) error
}

// ProjectStore resolves project settings.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (Project, error)
}

// RequestLogStore records outbound AI provider calls.
type RequestLogStore interface {
	CreateRequestLog(ctx context.Context, log RequestLog) error
}

// Provider performs chat completions against an AI backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}
