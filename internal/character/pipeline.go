// Package character implements the character card tasks: full card
// generation, single-field regeneration, batch lorebook generation and the
// source content fetch that feeds them.
package character

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

const sourceSeparator = "\n\n---\n\n"

// cardReply is the JSON shape expected from full card generation.
type cardReply struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	Persona         string `json:"persona"`
	Scenario        string `json:"scenario"`
	FirstMessage    string `json:"first_message"`
	ExampleMessages string `json:"example_messages"`
}

// fieldReply is the JSON shape expected from field regeneration.
type fieldReply struct {
	NewContent string `json:"new_content"`
}

// lorebookReply is the JSON shape expected from batch lorebook generation.
type lorebookReply struct {
	Entries []struct {
		Title    string   `json:"title"`
		Content  string   `json:"content"`
		Keywords []string `json:"keywords"`
	} `json:"entries"`
}

// Pipeline runs the card-facing tasks.
type Pipeline struct {
	projects lore.ProjectStore
	sources  lore.SourceStore
	cards    lore.CardStore
	entries  lore.EntryStore
	logs     lore.RequestLogStore
	ai       lore.Provider
	fetcher  lore.Fetcher
	limiter  *ratelimit.Limiter
	jobs     *jobs.Manager
	enqueuer jobs.Enqueuer
	events   *events.Broadcaster
	clock    lore.Clock
	logger   *zap.Logger
}

// NewPipeline creates a Pipeline. The enqueuer may be set later with
// SetEnqueuer when the runner is constructed after its handlers.
func NewPipeline(
	projects lore.ProjectStore,
	sources lore.SourceStore,
	cards lore.CardStore,
	entries lore.EntryStore,
	logs lore.RequestLogStore,
	ai lore.Provider,
	fetcher lore.Fetcher,
	limiter *ratelimit.Limiter,
	manager *jobs.Manager,
	broadcaster *events.Broadcaster,
	clock lore.Clock,
	logger *zap.Logger,
) *Pipeline {
	if clock == nil {
		clock = lore.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		projects: projects,
		sources:  sources,
		cards:    cards,
		entries:  entries,
		logs:     logs,
		ai:       ai,
		fetcher:  fetcher,
		limiter:  limiter,
		jobs:     manager,
		events:   broadcaster,
		clock:    clock,
		logger:   logger.Named("character"),
	}
}

// SetEnqueuer wires the runner used to start chained jobs.
func (p *Pipeline) SetEnqueuer(e jobs.Enqueuer) { p.enqueuer = e }

// Generate handles the generate_character task: merge the fetched content of
// the selected sources and write a complete card in one atomic store call.
func (p *Pipeline) Generate(ctx context.Context, job lore.Job) (map[string]any, error) {
	project, err := p.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	content, err := p.mergedSourceContent(ctx, job.Payload.SourceIDs, job.ProjectID)
	if err != nil {
		return nil, err
	}

	existing, err := p.cards.GetCard(ctx, job.ProjectID)
	haveCard := err == nil
	if err != nil && !errors.Is(err, lore.ErrNotFound) {
		return nil, fmt.Errorf("load card: %w", err)
	}

	data := templates.CharacterData{
		ProjectName:   project.Name,
		Content:       content,
		MergeExisting: job.Payload.MergeExisting && haveCard,
	}
	if data.MergeExisting {
		data.ExistingFields = existing.Fields()
	}
	prompt, err := templates.ForProject(project).CharacterGeneration(data)
	if err != nil {
		return nil, err
	}

	resp, err := p.complete(ctx, project, job.ID, prompt)
	if err != nil {
		return nil, err
	}

	var reply cardReply
	if err := provider.DecodeJSON(resp.Content, &reply); err != nil {
		return nil, fmt.Errorf("parse card: %w", err)
	}
	if strings.TrimSpace(reply.Name) == "" {
		return nil, errors.New("model returned a card without a name")
	}

	card := lore.CharacterCard{
		ID:              uuid.New(),
		ProjectID:       job.ProjectID,
		Name:            reply.Name,
		Description:     reply.Description,
		Persona:         reply.Persona,
		Scenario:        reply.Scenario,
		FirstMessage:    reply.FirstMessage,
		ExampleMessages: reply.ExampleMessages,
		UpdatedAt:       p.clock.Now(),
	}
	if haveCard {
		card.ID = existing.ID
		card.AvatarURL = existing.AvatarURL
	}
	if err := p.cards.PutCard(ctx, card); err != nil {
		return nil, fmt.Errorf("save card: %w", err)
	}
	p.publishCard(card)

	return map[string]any{"card_id": card.ID.String()}, nil
}

// RegenerateField handles the regenerate_field task: rewrite one card field
// and persist the whole card atomically.
func (p *Pipeline) RegenerateField(ctx context.Context, job lore.Job) (map[string]any, error) {
	project, err := p.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	card, err := p.cards.GetCard(ctx, job.ProjectID)
	if err != nil {
		if errors.Is(err, lore.ErrNotFound) {
			return nil, &lore.ValidationError{Field: "field", Message: "project has no character card yet"}
		}
		return nil, fmt.Errorf("load card: %w", err)
	}

	// Validate the field name up front, before spending a provider call.
	probe := card
	if err := probe.SetField(job.Payload.Field, ""); err != nil {
		return nil, err
	}

	content, err := p.mergedSourceContent(ctx, job.Payload.SourceIDs, job.ProjectID)
	if err != nil && !errors.Is(err, errNoContent) {
		return nil, err
	}

	data := templates.FieldData{
		ProjectName:  project.Name,
		Field:        job.Payload.Field,
		CurrentValue: card.Fields()[job.Payload.Field],
		CustomPrompt: job.Payload.CustomPrompt,
		Content:      content,
	}
	if job.Payload.IncludeExistingFields {
		data.ExistingFields = card.Fields()
	}
	prompt, err := templates.ForProject(project).FieldRegeneration(data)
	if err != nil {
		return nil, err
	}

	resp, err := p.complete(ctx, project, job.ID, prompt)
	if err != nil {
		return nil, err
	}

	var reply fieldReply
	if err := provider.DecodeJSON(resp.Content, &reply); err != nil {
		return nil, fmt.Errorf("parse field: %w", err)
	}
	if strings.TrimSpace(reply.NewContent) == "" {
		return nil, errors.New("model returned empty field content")
	}

	if err := card.SetField(job.Payload.Field, reply.NewContent); err != nil {
		return nil, err
	}
	card.UpdatedAt = p.clock.Now()
	if err := p.cards.PutCard(ctx, card); err != nil {
		return nil, fmt.Errorf("save card: %w", err)
	}
	p.publishCard(card)

	return map[string]any{"field": job.Payload.Field}, nil
}

// GenerateLorebookEntries handles the generate_lorebook_entries task: one
// provider call producing a batch of entries from the merged source content.
func (p *Pipeline) GenerateLorebookEntries(ctx context.Context, job lore.Job) (map[string]any, error) {
	project, err := p.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	content, err := p.mergedSourceContent(ctx, job.Payload.SourceIDs, job.ProjectID)
	if err != nil {
		return nil, err
	}

	prompt, err := templates.ForProject(project).LorebookGeneration(templates.EntryData{
		ProjectName: project.Name,
		Content:     content,
	})
	if err != nil {
		return nil, err
	}

	resp, err := p.complete(ctx, project, job.ID, prompt)
	if err != nil {
		return nil, err
	}

	var reply lorebookReply
	if err := provider.DecodeJSON(resp.Content, &reply); err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}

	created := 0
	for _, e := range reply.Entries {
		if strings.TrimSpace(e.Title) == "" || strings.TrimSpace(e.Content) == "" {
			continue
		}
		entry := lore.LorebookEntry{
			ID:        uuid.New(),
			ProjectID: job.ProjectID,
			Title:     e.Title,
			Content:   e.Content,
			Keywords:  e.Keywords,
			CreatedAt: p.clock.Now(),
		}
		if err := p.entries.CreateEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("save entry: %w", err)
		}
		if p.events != nil {
			p.events.Publish(job.ProjectID, events.TypeEntryCreated, entry)
		}
		created++
	}

	return map[string]any{"entries_created": created}, nil
}

// FetchContent handles the fetch_source_content task: fetch each source's
// page, store its cleaned text and images, then start any chained jobs.
// Total failure or cancellation cancels the chained jobs instead so they
// never run against missing content.
func (p *Pipeline) FetchContent(ctx context.Context, job lore.Job) (result map[string]any, err error) {
	if len(job.Payload.SourceIDs) == 0 {
		return nil, &lore.ValidationError{Field: "source_ids", Message: "at least one source is required"}
	}

	fetched := 0
	defer func() {
		p.settleChainedJobs(ctx, job, fetched, err)
	}()

	reporter := p.jobs.Reporter(ctx, job.ID, len(job.Payload.SourceIDs), 0)
	failed := 0
	var lastErr error

	for i, id := range job.Payload.SourceIDs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if fetchErr := p.fetchSource(ctx, job.ProjectID, id); fetchErr != nil {
			if errors.Is(fetchErr, context.Canceled) {
				return nil, fetchErr
			}
			failed++
			lastErr = fetchErr
			p.logger.Warn("source content fetch failed",
				zap.String("source_id", id.String()), zap.Error(fetchErr))
		} else {
			fetched++
		}
		reporter.Step(ctx, i+1)
	}

	if fetched == 0 && lastErr != nil {
		return nil, fmt.Errorf("all %d sources failed: %w", len(job.Payload.SourceIDs), lastErr)
	}

	return map[string]any{
		"sources_fetched": fetched,
		"sources_failed":  failed,
	}, nil
}

func (p *Pipeline) fetchSource(ctx context.Context, projectID string, id uuid.UUID) error {
	src, err := p.sources.GetSource(ctx, id)
	if err != nil {
		return fmt.Errorf("load source %s: %w", id, err)
	}

	page, err := p.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return err
	}
	text, err := fetch.CleanHTML(page.HTML)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("page %s has no readable content", src.URL)
	}

	now := p.clock.Now()
	src.Content = text
	src.ContentCharCount = len(text)
	src.ImageURLs = fetch.ExtractImageURLs(page.HTML, src.URL)
	src.LastCrawledAt = &now
	if err := p.sources.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("update source %s: %w", id, err)
	}
	if p.events != nil {
		p.events.Publish(projectID, events.TypeSourceUpdated, src)
	}

	p.maybeSetAvatar(ctx, projectID, src.ImageURLs)
	return nil
}

// maybeSetAvatar assigns the first fetched image as the card avatar when the
// project has a card with no avatar yet.
func (p *Pipeline) maybeSetAvatar(ctx context.Context, projectID string, imageURLs []string) {
	if len(imageURLs) == 0 {
		return
	}
	card, err := p.cards.GetCard(ctx, projectID)
	if err != nil || card.AvatarURL != "" {
		return
	}
	card.AvatarURL = imageURLs[0]
	card.UpdatedAt = p.clock.Now()
	if err := p.cards.PutCard(ctx, card); err != nil {
		p.logger.Warn("avatar update failed", zap.Error(err))
		return
	}
	p.publishCard(card)
}

// settleChainedJobs starts the pending follow-up jobs after a successful
// fetch and cancels them otherwise, so they never sit in pending forever.
func (p *Pipeline) settleChainedJobs(ctx context.Context, job lore.Job, fetched int, runErr error) {
	if len(job.Payload.ChainJobIDs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	for _, chainID := range job.Payload.ChainJobIDs {
		if runErr == nil && fetched > 0 {
			if p.enqueuer == nil {
				p.logger.Error("chained job cannot start: no enqueuer wired",
					zap.String("job_id", chainID.String()))
				continue
			}
			if err := p.enqueuer.Enqueue(ctx, chainID); err != nil {
				p.logger.Error("chained job enqueue failed",
					zap.String("job_id", chainID.String()), zap.Error(err))
			}
			continue
		}

		if _, err := p.jobs.RequestCancel(ctx, chainID); err != nil && !errors.Is(err, lore.ErrTerminalState) {
			p.logger.Warn("chained job cancel failed",
				zap.String("job_id", chainID.String()), zap.Error(err))
		}
	}
}

var errNoContent = errors.New("no fetched source content available")

// mergedSourceContent joins the stored content of the given sources. With no
// IDs, every source of the project that has content is used.
func (p *Pipeline) mergedSourceContent(ctx context.Context, ids []uuid.UUID, projectID string) (string, error) {
	var sources []lore.Source
	if len(ids) > 0 {
		for _, id := range ids {
			src, err := p.sources.GetSource(ctx, id)
			if err != nil {
				return "", fmt.Errorf("load source %s: %w", id, err)
			}
			sources = append(sources, src)
		}
	} else {
		all, err := p.sources.ListSources(ctx, projectID)
		if err != nil {
			return "", fmt.Errorf("list sources: %w", err)
		}
		sources = all
	}

	var parts []string
	for _, src := range sources {
		if strings.TrimSpace(src.Content) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Source: %s\n\n%s", src.URL, src.Content))
	}
	if len(parts) == 0 {
		return "", errNoContent
	}
	return strings.Join(parts, sourceSeparator), nil
}

func (p *Pipeline) complete(ctx context.Context, project lore.Project, jobID uuid.UUID, prompt string) (lore.CompletionResponse, error) {
	if err := p.limiter.Acquire(ctx, project.ID, project.RequestsPerMinute); err != nil {
		return lore.CompletionResponse{}, err
	}
	resp, err := p.ai.Complete(ctx, lore.CompletionRequest{
		Model:       project.Model,
		Temperature: project.Temperature,
		Messages: []lore.Message{
			{Role: "system", Content: prompt},
		},
	})
	p.recordCall(ctx, project.ID, jobID, project.Model, resp, err)
	return resp, err
}

func (p *Pipeline) recordCall(ctx context.Context, projectID string, jobID uuid.UUID, model string, resp lore.CompletionResponse, callErr error) {
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

func (p *Pipeline) publishCard(card lore.CharacterCard) {
	if p.events == nil {
		return
	}
	p.events.Publish(card.ProjectID, events.TypeCharacterCardUpdate, card)
}
