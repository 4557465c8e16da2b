package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		requests_per_minute INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
		templates JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		project_id TEXT NOT NULL,
		task TEXT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		total_items INTEGER NOT NULL DEFAULT 0,
		processed_items INTEGER NOT NULL DEFAULT 0,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		result JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_project_created_idx ON jobs (project_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sources (
		id UUID PRIMARY KEY,
		project_id TEXT NOT NULL,
		url TEXT NOT NULL,
		max_pages_to_crawl INTEGER NOT NULL DEFAULT 0,
		max_crawl_depth INTEGER NOT NULL DEFAULT 0,
		link_selectors TEXT[] NOT NULL DEFAULT '{}',
		pagination_selector TEXT NOT NULL DEFAULT '',
		exclude_patterns TEXT[] NOT NULL DEFAULT '{}',
		content TEXT NOT NULL DEFAULT '',
		content_char_count INTEGER NOT NULL DEFAULT 0,
		image_urls TEXT[] NOT NULL DEFAULT '{}',
		last_crawled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (project_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS source_edges (
		project_id TEXT NOT NULL,
		parent_id UUID NOT NULL,
		child_id UUID NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	)`,
	`CREATE TABLE IF NOT EXISTS links (
		id UUID PRIMARY KEY,
		project_id TEXT NOT NULL,
		url TEXT NOT NULL,
		status TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		entry_id UUID,
		skip_reason TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (project_id, url)
	)`,
	`CREATE INDEX IF NOT EXISTS links_project_status_idx ON links (project_id, status)`,
	`CREATE TABLE IF NOT EXISTS lorebook_entries (
		id UUID PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		keywords TEXT[] NOT NULL DEFAULT '{}',
		source_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS character_cards (
		id UUID NOT NULL,
		project_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT '',
		scenario TEXT NOT NULL DEFAULT '',
		first_message TEXT NOT NULL DEFAULT '',
		example_messages TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id UUID PRIMARY KEY,
		project_id TEXT NOT NULL,
		job_id UUID NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		latency_ms BIGINT NOT NULL DEFAULT 0,
		failed BOOLEAN NOT NULL DEFAULT false,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
