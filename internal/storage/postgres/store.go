// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creeklabs/loreforge/internal/lore"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements every persistence interface of the domain on Postgres.
type Store struct {
	pool Pool
}

// NewStore connects a pool and returns the store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// --- jobs ---

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job lore.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO jobs (id, project_id, task, status, payload, total_items,
			processed_items, progress, result, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.ProjectID, job.Task, job.Status, payload,
		job.TotalItems, job.ProcessedItems, job.Progress, result,
		job.ErrorMessage, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a single job by its ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (lore.Job, error) {
	query := `
		SELECT id, project_id, task, status, payload, total_items,
			processed_items, progress, result, error_message, created_at, updated_at
		FROM jobs
		WHERE id = $1;
	`
	return scanJob(s.pool.QueryRow(ctx, query, id))
}

// UpdateJob rewrites a job row.
func (s *Store) UpdateJob(ctx context.Context, job lore.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	query := `
		UPDATE jobs
		SET status = $1, payload = $2, total_items = $3, processed_items = $4,
			progress = $5, result = $6, error_message = $7, updated_at = $8
		WHERE id = $9;
	`
	tag, err := s.pool.Exec(ctx, query,
		job.Status, payload, job.TotalItems, job.ProcessedItems,
		job.Progress, result, job.ErrorMessage, job.UpdatedAt, job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lore.ErrNotFound
	}
	return nil
}

// ListJobs retrieves a project's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, projectID string, limit, offset int) ([]lore.Job, error) {
	query := `
		SELECT id, project_id, task, status, payload, total_items,
			processed_items, progress, result, error_message, created_at, updated_at
		FROM jobs
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []lore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ResetStaleJobs moves jobs stranded in in_progress or cancelling back to
// pending.
func (s *Store) ResetStaleJobs(ctx context.Context) (int, error) {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = now()
		WHERE status = $2 OR status = $3;
	`
	tag, err := s.pool.Exec(ctx, query, lore.JobPending, lore.JobInProgress, lore.JobCancelling)
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (lore.Job, error) {
	var (
		job     lore.Job
		payload []byte
		result  []byte
	)
	err := row.Scan(
		&job.ID, &job.ProjectID, &job.Task, &job.Status, &payload,
		&job.TotalItems, &job.ProcessedItems, &job.Progress, &result,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lore.Job{}, lore.ErrNotFound
		}
		return lore.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return lore.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return lore.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return job, nil
}

func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

// --- sources ---

const sourceColumns = `id, project_id, url, max_pages_to_crawl, max_crawl_depth,
	link_selectors, pagination_selector, exclude_patterns, content,
	content_char_count, image_urls, last_crawled_at, created_at`

// CreateSource inserts a source row.
func (s *Store) CreateSource(ctx context.Context, src lore.Source) error {
	query := `
		INSERT INTO sources (` + sourceColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);
	`
	_, err := s.pool.Exec(ctx, query,
		src.ID, src.ProjectID, src.URL, src.MaxPagesToCrawl, src.MaxCrawlDepth,
		src.LinkSelectors, src.PaginationSelector, src.ExcludePatterns,
		src.Content, src.ContentCharCount, src.ImageURLs,
		src.LastCrawledAt, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource retrieves a source by ID.
func (s *Store) GetSource(ctx context.Context, id uuid.UUID) (lore.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1;`
	return scanSource(s.pool.QueryRow(ctx, query, id))
}

// GetSourceByURL retrieves a project's source by its URL.
func (s *Store) GetSourceByURL(ctx context.Context, projectID, url string) (lore.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE project_id = $1 AND url = $2;`
	return scanSource(s.pool.QueryRow(ctx, query, projectID, url))
}

// UpdateSource rewrites a source row.
func (s *Store) UpdateSource(ctx context.Context, src lore.Source) error {
	query := `
		UPDATE sources
		SET max_pages_to_crawl = $1, max_crawl_depth = $2, link_selectors = $3,
			pagination_selector = $4, exclude_patterns = $5, content = $6,
			content_char_count = $7, image_urls = $8, last_crawled_at = $9
		WHERE id = $10;
	`
	tag, err := s.pool.Exec(ctx, query,
		src.MaxPagesToCrawl, src.MaxCrawlDepth, src.LinkSelectors,
		src.PaginationSelector, src.ExcludePatterns, src.Content,
		src.ContentCharCount, src.ImageURLs, src.LastCrawledAt, src.ID)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lore.ErrNotFound
	}
	return nil
}

// ListSources retrieves a project's sources, oldest first.
func (s *Store) ListSources(ctx context.Context, projectID string) ([]lore.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE project_id = $1 ORDER BY created_at;`
	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []lore.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// AddEdge records parent -> child, merging duplicates.
func (s *Store) AddEdge(ctx context.Context, projectID string, parentID, childID uuid.UUID) error {
	query := `
		INSERT INTO source_edges (project_id, parent_id, child_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (parent_id, child_id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, projectID, parentID, childID); err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// ListEdges retrieves a project's discovery hierarchy.
func (s *Store) ListEdges(ctx context.Context, projectID string) ([]lore.SourceEdge, error) {
	query := `SELECT parent_id, child_id FROM source_edges WHERE project_id = $1;`
	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []lore.SourceEdge
	for rows.Next() {
		var e lore.SourceEdge
		if err := rows.Scan(&e.ParentID, &e.ChildID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func scanSource(row pgx.Row) (lore.Source, error) {
	var src lore.Source
	err := row.Scan(
		&src.ID, &src.ProjectID, &src.URL, &src.MaxPagesToCrawl, &src.MaxCrawlDepth,
		&src.LinkSelectors, &src.PaginationSelector, &src.ExcludePatterns,
		&src.Content, &src.ContentCharCount, &src.ImageURLs,
		&src.LastCrawledAt, &src.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lore.Source{}, lore.ErrNotFound
		}
		return lore.Source{}, fmt.Errorf("scan source: %w", err)
	}
	return src, nil
}

// --- links ---

const linkColumns = `id, project_id, url, status, content, entry_id,
	skip_reason, error_message, created_at, updated_at`

// GetLink retrieves a link by ID.
func (s *Store) GetLink(ctx context.Context, id uuid.UUID) (lore.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE id = $1;`
	return scanLink(s.pool.QueryRow(ctx, query, id))
}

// GetLinks retrieves the given links in input order. Unknown IDs are errors.
func (s *Store) GetLinks(ctx context.Context, ids []uuid.UUID) ([]lore.Link, error) {
	links := make([]lore.Link, 0, len(ids))
	for _, id := range ids {
		link, err := s.GetLink(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", id, err)
		}
		links = append(links, link)
	}
	return links, nil
}

// ListLinkURLs retrieves every link URL the project has.
func (s *Store) ListLinkURLs(ctx context.Context, projectID string) ([]string, error) {
	query := `SELECT url FROM links WHERE project_id = $1;`
	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list link urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan link url: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// ListProcessableLinks retrieves the project's pending and failed links,
// oldest first.
func (s *Store) ListProcessableLinks(ctx context.Context, projectID string) ([]lore.Link, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM links
		WHERE project_id = $1 AND (status = $2 OR status = $3)
		ORDER BY created_at;
	`
	rows, err := s.pool.Query(ctx, query, projectID, lore.LinkPending, lore.LinkFailed)
	if err != nil {
		return nil, fmt.Errorf("list processable links: %w", err)
	}
	defer rows.Close()

	var links []lore.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// UpsertLinks inserts the given URLs as pending links, skipping URLs the
// project already has, and returns only the newly created links.
func (s *Store) UpsertLinks(ctx context.Context, projectID string, urls []string) ([]lore.Link, error) {
	query := `
		INSERT INTO links (id, project_id, url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (project_id, url) DO NOTHING
		RETURNING ` + linkColumns + `;
	`
	var created []lore.Link
	for _, u := range urls {
		link, err := scanLink(s.pool.QueryRow(ctx, query, uuid.New(), projectID, u, lore.LinkPending))
		if errors.Is(err, lore.ErrNotFound) {
			continue // already present
		}
		if err != nil {
			return nil, fmt.Errorf("upsert link %s: %w", u, err)
		}
		created = append(created, link)
	}
	return created, nil
}

// UpdateLink rewrites a link row.
func (s *Store) UpdateLink(ctx context.Context, link lore.Link) error {
	query := `
		UPDATE links
		SET status = $1, content = $2, entry_id = $3, skip_reason = $4,
			error_message = $5, updated_at = $6
		WHERE id = $7;
	`
	tag, err := s.pool.Exec(ctx, query,
		link.Status, link.Content, link.EntryID, link.SkipReason,
		link.ErrorMessage, link.UpdatedAt, link.ID)
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lore.ErrNotFound
	}
	return nil
}

// ResetProcessingLinks moves links stranded in processing back to pending.
func (s *Store) ResetProcessingLinks(ctx context.Context) (int, error) {
	query := `
		UPDATE links
		SET status = $1, updated_at = now()
		WHERE status = $2;
	`
	tag, err := s.pool.Exec(ctx, query, lore.LinkPending, lore.LinkProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset processing links: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanLink(row pgx.Row) (lore.Link, error) {
	var link lore.Link
	err := row.Scan(
		&link.ID, &link.ProjectID, &link.URL, &link.Status, &link.Content,
		&link.EntryID, &link.SkipReason, &link.ErrorMessage,
		&link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lore.Link{}, lore.ErrNotFound
		}
		return lore.Link{}, fmt.Errorf("scan link: %w", err)
	}
	return link, nil
}

// --- entries ---

// CreateEntry inserts a lorebook entry row.
func (s *Store) CreateEntry(ctx context.Context, entry lore.LorebookEntry) error {
	query := `
		INSERT INTO lorebook_entries (id, project_id, title, content, keywords, source_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7);
	`
	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.ProjectID, entry.Title, entry.Content,
		entry.Keywords, entry.SourceURL, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// --- character cards ---

// GetCard retrieves a project's character card.
func (s *Store) GetCard(ctx context.Context, projectID string) (lore.CharacterCard, error) {
	query := `
		SELECT id, project_id, name, description, persona, scenario,
			first_message, example_messages, avatar_url, updated_at
		FROM character_cards
		WHERE project_id = $1;
	`
	var card lore.CharacterCard
	err := s.pool.QueryRow(ctx, query, projectID).Scan(
		&card.ID, &card.ProjectID, &card.Name, &card.Description,
		&card.Persona, &card.Scenario, &card.FirstMessage,
		&card.ExampleMessages, &card.AvatarURL, &card.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lore.CharacterCard{}, lore.ErrNotFound
		}
		return lore.CharacterCard{}, fmt.Errorf("scan card: %w", err)
	}
	return card, nil
}

// PutCard replaces the project's whole card in one statement.
func (s *Store) PutCard(ctx context.Context, card lore.CharacterCard) error {
	query := `
		INSERT INTO character_cards (id, project_id, name, description, persona,
			scenario, first_message, example_messages, avatar_url, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (project_id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
			persona = EXCLUDED.persona, scenario = EXCLUDED.scenario,
			first_message = EXCLUDED.first_message,
			example_messages = EXCLUDED.example_messages,
			avatar_url = EXCLUDED.avatar_url, updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		card.ID, card.ProjectID, card.Name, card.Description, card.Persona,
		card.Scenario, card.FirstMessage, card.ExampleMessages,
		card.AvatarURL, card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert card: %w", err)
	}
	return nil
}

// --- projects ---

// GetProject retrieves project settings.
func (s *Store) GetProject(ctx context.Context, id string) (lore.Project, error) {
	query := `
		SELECT id, name, requests_per_minute, model, temperature, templates, created_at
		FROM projects
		WHERE id = $1;
	`
	var (
		project   lore.Project
		templates []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&project.ID, &project.Name, &project.RequestsPerMinute,
		&project.Model, &project.Temperature, &templates, &project.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lore.Project{}, lore.ErrNotFound
		}
		return lore.Project{}, fmt.Errorf("scan project: %w", err)
	}
	if len(templates) > 0 {
		if err := json.Unmarshal(templates, &project.Templates); err != nil {
			return lore.Project{}, fmt.Errorf("unmarshal templates: %w", err)
		}
	}
	return project, nil
}

// --- request logs ---

// CreateRequestLog inserts a provider call record.
func (s *Store) CreateRequestLog(ctx context.Context, log lore.RequestLog) error {
	query := `
		INSERT INTO request_logs (id, project_id, job_id, model, latency_ms,
			failed, prompt_tokens, completion_tokens, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);
	`
	_, err := s.pool.Exec(ctx, query,
		log.ID, log.ProjectID, log.JobID, log.Model, log.LatencyMS,
		log.Failed, log.PromptTokens, log.CompletionTokens, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}
