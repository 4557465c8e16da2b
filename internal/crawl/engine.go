package crawl

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/events"
	"github.com/creeklabs/loreforge/internal/fetch"
	"github.com/creeklabs/loreforge/internal/jobs"
	"github.com/creeklabs/loreforge/internal/lore"
)

// Defaults applied when a source leaves its crawl limits unset.
type Defaults struct {
	MaxPagesToCrawl int
	MaxCrawlDepth   int
}

// Engine runs the discovery crawl: BFS over the source hierarchy, one
// pagination loop per source, bounded by per-source page caps and the
// depth limit.
type Engine struct {
	sources  lore.SourceStore
	links    lore.LinkStore
	fetcher  lore.Fetcher
	jobs     *jobs.Manager
	events   *events.Broadcaster
	clock    lore.Clock
	logger   *zap.Logger
	defaults Defaults
}

// NewEngine creates an Engine.
func NewEngine(
	sources lore.SourceStore,
	links lore.LinkStore,
	fetcher lore.Fetcher,
	manager *jobs.Manager,
	broadcaster *events.Broadcaster,
	clock lore.Clock,
	defaults Defaults,
	logger *zap.Logger,
) *Engine {
	if clock == nil {
		clock = lore.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.MaxPagesToCrawl <= 0 {
		defaults.MaxPagesToCrawl = 10
	}
	if defaults.MaxCrawlDepth <= 0 {
		defaults.MaxCrawlDepth = 1
	}
	return &Engine{
		sources:  sources,
		links:    links,
		fetcher:  fetcher,
		jobs:     manager,
		events:   broadcaster,
		clock:    clock,
		logger:   logger.Named("crawl"),
		defaults: defaults,
	}
}

type queueItem struct {
	sourceID uuid.UUID
	depth    int
}

// DiscoverAndCrawl handles the discover_and_crawl task.
func (e *Engine) DiscoverAndCrawl(ctx context.Context, job lore.Job) (map[string]any, error) {
	return e.crawl(ctx, job, false)
}

// RescanLinks handles the rescan_links task: the same crawl, restricted to
// sources that have been crawled before.
func (e *Engine) RescanLinks(ctx context.Context, job lore.Job) (map[string]any, error) {
	return e.crawl(ctx, job, true)
}

func (e *Engine) crawl(ctx context.Context, job lore.Job, requireCrawled bool) (map[string]any, error) {
	if len(job.Payload.SourceIDs) == 0 {
		return nil, &lore.ValidationError{Field: "source_ids", Message: "at least one source is required"}
	}

	roots := FilterDominated(job.Payload.SourceIDs, mustEdges(ctx, e.sources, job.ProjectID))

	existing, err := e.existingLinkSet(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}

	visited := make(map[string]struct{})
	queue := make([]queueItem, 0, len(roots))
	for _, id := range roots {
		src, err := e.sources.GetSource(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load source %s: %w", id, err)
		}
		if requireCrawled && src.LastCrawledAt == nil {
			e.logger.Warn("skipping source never crawled",
				zap.String("source_id", id.String()), zap.String("url", src.URL))
			continue
		}
		visited[src.URL] = struct{}{}
		queue = append(queue, queueItem{sourceID: id, depth: 1})
	}

	reporter := e.jobs.Reporter(ctx, job.ID, len(queue), jobs.DefaultProgressInterval)

	var (
		discovered    []string
		failedSources []string
		newSources    int
		crawled       int
	)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := queue[0]
		queue = queue[1:]

		src, err := e.sources.GetSource(ctx, item.sourceID)
		if err != nil {
			return nil, fmt.Errorf("load source %s: %w", item.sourceID, err)
		}

		found, rootFailed, err := e.crawlSource(ctx, src)
		if err != nil {
			return nil, err
		}
		crawled++
		if rootFailed {
			// The whole subtree under this source is unreachable.
			failedSources = append(failedSources, src.ID.String())
			reporter.Step(ctx, crawled)
			continue
		}

		now := e.clock.Now()
		src.LastCrawledAt = &now
		if err := e.sources.UpdateSource(ctx, src); err != nil {
			return nil, fmt.Errorf("update source %s: %w", src.ID, err)
		}
		e.publishSource(src)

		discovered = append(discovered, found...)

		maxDepth := src.MaxCrawlDepth
		if maxDepth <= 0 {
			maxDepth = e.defaults.MaxCrawlDepth
		}
		if item.depth < maxDepth {
			for _, childURL := range found {
				if _, seen := visited[childURL]; seen {
					continue
				}
				visited[childURL] = struct{}{}
				child, created, err := e.ensureChildSource(ctx, src, childURL)
				if err != nil {
					return nil, err
				}
				if created {
					newSources++
				}
				if err := e.sources.AddEdge(ctx, job.ProjectID, src.ID, child.ID); err != nil {
					return nil, fmt.Errorf("record edge: %w", err)
				}
				queue = append(queue, queueItem{sourceID: child.ID, depth: item.depth + 1})
			}
			reporter.SetTotal(crawled + len(queue))
		}
		reporter.Step(ctx, crawled)
	}

	newURLs, existingURLs := PartitionURLs(discovered, existing)
	sort.Strings(newURLs)
	sort.Strings(existingURLs)

	reporter.Flush(ctx, crawled)
	return map[string]any{
		"new_links":       newURLs,
		"existing_links":  existingURLs,
		"new_sources":     newSources,
		"sources_crawled": crawled,
		"failed_sources":  failedSources,
	}, nil
}

// crawlSource walks one source's pagination chain. Pagination stays at the
// source's depth and counts against its page cap; a next link equal to the
// current page terminates the chain. A failure on the first page reports
// rootFailed; later pages fail soft and just end the chain.
func (e *Engine) crawlSource(ctx context.Context, src lore.Source) (found []string, rootFailed bool, err error) {
	maxPages := src.MaxPagesToCrawl
	if maxPages <= 0 {
		maxPages = e.defaults.MaxPagesToCrawl
	}

	seen := make(map[string]struct{})
	current := src.URL
	pages := 0

	for current != "" && pages < maxPages {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}

		page, fetchErr := e.fetcher.Fetch(ctx, current)
		if fetchErr != nil {
			if errors.Is(fetchErr, context.Canceled) {
				return nil, false, fetchErr
			}
			e.logger.Warn("page fetch failed",
				zap.String("source_id", src.ID.String()),
				zap.String("url", current),
				zap.Error(fetchErr))
			return found, pages == 0, nil
		}
		pages++

		links, extractErr := fetch.ExtractLinks(page.HTML, current, src.LinkSelectors)
		if extractErr != nil {
			e.logger.Warn("link extraction failed",
				zap.String("url", current), zap.Error(extractErr))
			links = nil
		}
		for _, raw := range links {
			normalized, normErr := lore.NormalizeURL(raw)
			if normErr != nil {
				continue
			}
			if normalized == src.URL || lore.MatchesAnyPattern(normalized, src.ExcludePatterns) {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			found = append(found, normalized)
		}

		next, ok := fetch.ExtractPagination(page.HTML, current, src.PaginationSelector)
		if !ok {
			break
		}
		normalizedNext, normErr := lore.NormalizeURL(next)
		if normErr != nil || normalizedNext == current {
			break
		}
		current = normalizedNext
	}

	return found, false, nil
}

func (e *Engine) ensureChildSource(ctx context.Context, parent lore.Source, childURL string) (lore.Source, bool, error) {
	child, err := e.sources.GetSourceByURL(ctx, parent.ProjectID, childURL)
	if err == nil {
		return child, false, nil
	}
	if !errors.Is(err, lore.ErrNotFound) {
		return lore.Source{}, false, fmt.Errorf("look up source by url: %w", err)
	}

	child = lore.Source{
		ID:                 uuid.New(),
		ProjectID:          parent.ProjectID,
		URL:                childURL,
		MaxPagesToCrawl:    parent.MaxPagesToCrawl,
		MaxCrawlDepth:      parent.MaxCrawlDepth,
		LinkSelectors:      parent.LinkSelectors,
		PaginationSelector: parent.PaginationSelector,
		ExcludePatterns:    parent.ExcludePatterns,
		CreatedAt:          e.clock.Now(),
	}
	if err := e.sources.CreateSource(ctx, child); err != nil {
		return lore.Source{}, false, fmt.Errorf("create child source: %w", err)
	}
	e.publishSource(child)
	return child, true, nil
}

func (e *Engine) existingLinkSet(ctx context.Context, projectID string) (map[string]struct{}, error) {
	urls, err := e.links.ListLinkURLs(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list link urls: %w", err)
	}
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	return set, nil
}

func (e *Engine) publishSource(src lore.Source) {
	if e.events == nil {
		return
	}
	e.events.Publish(src.ProjectID, events.TypeSourceUpdated, src)
}

func mustEdges(ctx context.Context, sources lore.SourceStore, projectID string) []lore.SourceEdge {
	edges, err := sources.ListEdges(ctx, projectID)
	if err != nil {
		return nil
	}
	return edges
}

// ConfirmLinks handles the confirm_links task: normalize the submitted
// URLs, insert the ones the project does not already have, and announce
// them.
func (e *Engine) ConfirmLinks(ctx context.Context, job lore.Job) (map[string]any, error) {
	if len(job.Payload.URLs) == 0 {
		return nil, &lore.ValidationError{Field: "urls", Message: "at least one url is required"}
	}

	seen := make(map[string]struct{}, len(job.Payload.URLs))
	normalized := make([]string, 0, len(job.Payload.URLs))
	for _, raw := range job.Payload.URLs {
		u, err := lore.NormalizeURL(raw)
		if err != nil {
			return nil, &lore.ValidationError{Field: "urls", Message: err.Error()}
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		normalized = append(normalized, u)
	}

	created, err := e.links.UpsertLinks(ctx, job.ProjectID, normalized)
	if err != nil {
		return nil, fmt.Errorf("save links: %w", err)
	}

	if len(created) > 0 && e.events != nil {
		e.events.Publish(job.ProjectID, events.TypeLinksCreated, created)
	}

	return map[string]any{
		"links_saved":        len(created),
		"duplicates_skipped": len(normalized) - len(created),
	}, nil
}
