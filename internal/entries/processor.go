// Package entries implements per-link lorebook entry generation: fetch the
// link's page, ask the model for an entry, and record the outcome on the
// link.
package entries

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/events"
	"github.com/creeklabs/loreforge/internal/fetch"
	"github.com/creeklabs/loreforge/internal/jobs"
	"github.com/creeklabs/loreforge/internal/lore"
	"github.com/creeklabs/loreforge/internal/provider"
	"github.com/creeklabs/loreforge/internal/ratelimit"
	"github.com/creeklabs/loreforge/internal/templates"
)

// entryReply is the JSON shape the model must answer with.
type entryReply struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
	Entry  struct {
		Title    string   `json:"title"`
		Content  string   `json:"content"`
		Keywords []string `json:"keywords"`
	} `json:"entry"`
}

// Processor runs the process_project_entries task.
type Processor struct {
	projects lore.ProjectStore
	links    lore.LinkStore
	entries  lore.EntryStore
	logs     lore.RequestLogStore
	ai       lore.Provider
	fetcher  lore.Fetcher
	limiter  *ratelimit.Limiter
	jobs     *jobs.Manager
	events   *events.Broadcaster
	clock    lore.Clock
	logger   *zap.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(
	projects lore.ProjectStore,
	links lore.LinkStore,
	entries lore.EntryStore,
	logs lore.RequestLogStore,
	ai lore.Provider,
	fetcher lore.Fetcher,
	limiter *ratelimit.Limiter,
	manager *jobs.Manager,
	broadcaster *events.Broadcaster,
	clock lore.Clock,
	logger *zap.Logger,
) *Processor {
	if clock == nil {
		clock = lore.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		projects: projects,
		links:    links,
		entries:  entries,
		logs:     logs,
		ai:       ai,
		fetcher:  fetcher,
		limiter:  limiter,
		jobs:     manager,
		events:   broadcaster,
		clock:    clock,
		logger:   logger.Named("entries"),
	}
}

// Run handles the process_project_entries task. Links are processed
// sequentially; each link lands in completed, skipped or failed without
// affecting the others. Progress is written after every link. Cancellation
// is observed between links, so unstarted links keep their prior status and
// the job is resumable.
func (p *Processor) Run(ctx context.Context, job lore.Job) (map[string]any, error) {
	project, err := p.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	targets, err := p.targetLinks(ctx, job)
	if err != nil {
		return nil, err
	}

	tmpl := templates.ForProject(project)

	var created, skipped, failed int
	var lastErr error

	reporter := p.jobs.Reporter(ctx, job.ID, len(targets), 0)
	for i, link := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome, err := p.processLink(ctx, project, job, tmpl, link)
		if err != nil {
			// Only cancellation aborts the loop; everything else was
			// already recorded on the link.
			return nil, err
		}
		switch outcome.status {
		case lore.LinkCompleted:
			created++
		case lore.LinkSkipped:
			skipped++
		case lore.LinkFailed:
			failed++
			lastErr = outcome.err
		}
		reporter.Step(ctx, i+1)
	}

	if len(targets) > 0 && created == 0 && skipped == 0 && lastErr != nil {
		return nil, fmt.Errorf("all %d links failed: %w", len(targets), lastErr)
	}

	return map[string]any{
		"entries_created": created,
		"links_skipped":   skipped,
		"links_failed":    failed,
	}, nil
}

func (p *Processor) targetLinks(ctx context.Context, job lore.Job) ([]lore.Link, error) {
	if len(job.Payload.LinkIDs) > 0 {
		links, err := p.links.GetLinks(ctx, job.Payload.LinkIDs)
		if err != nil {
			return nil, fmt.Errorf("load links: %w", err)
		}
		return links, nil
	}
	links, err := p.links.ListProcessableLinks(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list processable links: %w", err)
	}
	return links, nil
}

type linkOutcome struct {
	status lore.LinkStatus
	err    error
}

func (p *Processor) processLink(
	ctx context.Context,
	project lore.Project,
	job lore.Job,
	tmpl templates.Set,
	link lore.Link,
) (linkOutcome, error) {
	link.Status = lore.LinkProcessing
	link.ErrorMessage = ""
	link.SkipReason = ""
	if err := p.updateLink(ctx, link); err != nil {
		return linkOutcome{}, err
	}

	if err := p.limiter.Acquire(ctx, project.ID, project.RequestsPerMinute); err != nil {
		// Canceled while waiting for a token: the link never started, put
		// it back.
		link.Status = lore.LinkPending
		_ = p.updateLink(context.WithoutCancel(ctx), link)
		return linkOutcome{}, err
	}

	content, err := p.linkContent(ctx, &link)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			link.Status = lore.LinkPending
			_ = p.updateLink(context.WithoutCancel(ctx), link)
			return linkOutcome{}, err
		}
		return p.failLink(ctx, link, err)
	}

	prompt, err := tmpl.EntryCreation(templates.EntryData{
		ProjectName: project.Name,
		Content:     content,
		SourceURL:   link.URL,
	})
	if err != nil {
		return p.failLink(ctx, link, err)
	}

	resp, err := p.ai.Complete(ctx, lore.CompletionRequest{
		Model:       project.Model,
		Temperature: project.Temperature,
		Messages: []lore.Message{
			{Role: "system", Content: prompt},
		},
	})
	p.recordCall(ctx, project.ID, job.ID, project.Model, resp, err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			link.Status = lore.LinkPending
			_ = p.updateLink(context.WithoutCancel(ctx), link)
			return linkOutcome{}, err
		}
		return p.failLink(ctx, link, err)
	}

	var reply entryReply
	if err := provider.DecodeJSON(resp.Content, &reply); err != nil {
		return p.failLink(ctx, link, err)
	}

	if !reply.Valid || strings.TrimSpace(reply.Entry.Title) == "" || strings.TrimSpace(reply.Entry.Content) == "" {
		reason := reply.Reason
		if reason == "" {
			reason = "model returned no usable entry"
		}
		link.Status = lore.LinkSkipped
		link.SkipReason = reason
		if err := p.updateLink(ctx, link); err != nil {
			return linkOutcome{}, err
		}
		return linkOutcome{status: lore.LinkSkipped}, nil
	}

	entry := lore.LorebookEntry{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Title:     reply.Entry.Title,
		Content:   reply.Entry.Content,
		Keywords:  reply.Entry.Keywords,
		SourceURL: link.URL,
		CreatedAt: p.clock.Now(),
	}
	if err := p.entries.CreateEntry(ctx, entry); err != nil {
		return p.failLink(ctx, link, fmt.Errorf("save entry: %w", err))
	}
	if p.events != nil {
		p.events.Publish(project.ID, events.TypeEntryCreated, entry)
	}

	link.Status = lore.LinkCompleted
	link.EntryID = &entry.ID
	if err := p.updateLink(ctx, link); err != nil {
		return linkOutcome{}, err
	}
	return linkOutcome{status: lore.LinkCompleted}, nil
}

// linkContent returns the link's cached content, fetching and caching it on
// first use.
func (p *Processor) linkContent(ctx context.Context, link *lore.Link) (string, error) {
	if strings.TrimSpace(link.Content) != "" {
		return link.Content, nil
	}
	page, err := p.fetcher.Fetch(ctx, link.URL)
	if err != nil {
		return "", err
	}
	text, err := fetch.CleanHTML(page.HTML)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("page %s has no readable content", link.URL)
	}
	link.Content = text
	return text, nil
}

func (p *Processor) failLink(ctx context.Context, link lore.Link, cause error) (linkOutcome, error) {
	p.logger.Warn("link processing failed",
		zap.String("link_id", link.ID.String()),
		zap.String("url", link.URL),
		zap.Error(cause))
	link.Status = lore.LinkFailed
	link.ErrorMessage = cause.Error()
	if err := p.updateLink(ctx, link); err != nil {
		return linkOutcome{}, err
	}
	return linkOutcome{status: lore.LinkFailed, err: cause}, nil
}

// recordCall writes one request log row. Logging failures never fail the
// job.
func (p *Processor) recordCall(ctx context.Context, projectID string, jobID uuid.UUID, model string, resp lore.CompletionResponse, callErr error) {
	row := lore.RequestLog{
		ID:               uuid.New(),
		ProjectID:        projectID,
		JobID:            jobID,
		Model:            model,
		LatencyMS:        resp.Latency.Milliseconds(),
		Failed:           callErr != nil,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CreatedAt:        p.clock.Now(),
	}
	if err := p.logs.CreateRequestLog(context.WithoutCancel(ctx), row); err != nil {
		p.logger.Warn("request log write failed", zap.Error(err))
	}
}

func (p *Processor) updateLink(ctx context.Context, link lore.Link) error {
	link.UpdatedAt = p.clock.Now()
	if err := p.links.UpdateLink(ctx, link); err != nil {
		return fmt.Errorf("update link %s: %w", link.ID, err)
	}
	if p.events != nil {
		p.events.Publish(link.ProjectID, events.TypeLinkUpdated, link)
	}
	return nil
}
