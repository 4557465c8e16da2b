// Package lore defines the domain model shared by every component of the
// service: jobs and their lifecycle, sources and the crawl hierarchy, links,
// lorebook entries, character cards and projects.
package lore

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
	JobCanceled   JobStatus = "canceled"
)

// TaskName identifies the kind of work a job performs.
type TaskName string

const (
	TaskDiscoverAndCrawl        TaskName = "discover_and_crawl"
	TaskRescanLinks             TaskName = "rescan_links"
	TaskConfirmLinks            TaskName = "confirm_links"
	TaskProcessProjectEntries   TaskName = "process_project_entries"
	TaskFetchContent            TaskName = "fetch_source_content"
	TaskGenerateCharacter       TaskName = "generate_character"
	TaskRegenerateField         TaskName = "regenerate_field"
	TaskGenerateLorebookEntries TaskName = "generate_lorebook_entries"
)

// JobPayload carries the task-specific parameters of a job. Fields not
// relevant to the task are left at their zero values.
type JobPayload struct {
	SourceIDs             []uuid.UUID `json:"source_ids,omitempty"`
	LinkIDs               []uuid.UUID `json:"link_ids,omitempty"`
	URLs                  []string    `json:"urls,omitempty"`
	Field                 string      `json:"field,omitempty"`
	CustomPrompt          string      `json:"custom_prompt,omitempty"`
	IncludeExistingFields bool        `json:"include_existing_fields,omitempty"`
	// MergeExisting asks generation to fold new source material into the
	// already established card instead of starting from scratch.
	MergeExisting bool `json:"merge_existing,omitempty"`
	// ChainJobIDs are pending follow-up jobs enqueued when this job
	// completes successfully, and canceled when it does not.
	ChainJobIDs []uuid.UUID `json:"chain_job_ids,omitempty"`
}

// Job is a unit of asynchronous work tracked through the state machine.
type Job struct {
	ID             uuid.UUID      `json:"id"`
	ProjectID      string         `json:"project_id"`
	Task           TaskName       `json:"task"`
	Status         JobStatus      `json:"status"`
	Payload        JobPayload     `json:"payload"`
	TotalItems     int            `json:"total_items"`
	ProcessedItems int            `json:"processed_items"`
	// Progress is the completed fraction in [0, 1]; clients multiply by
	// 100 for display.
	Progress float64 `json:"progress"`
	Result         map[string]any `json:"result,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LinkStatus is the processing state of a discovered link.
type LinkStatus string

const (
	LinkPending    LinkStatus = "pending"
	LinkProcessing LinkStatus = "processing"
	LinkCompleted  LinkStatus = "completed"
	LinkFailed     LinkStatus = "failed"
	LinkSkipped    LinkStatus = "skipped"
)

// Link is a confirmed URL queued for entry generation. Content caches the
// raw page text so reprocessing does not refetch.
type Link struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    string     `json:"project_id"`
	URL          string     `json:"url"`
	Status       LinkStatus `json:"status"`
	Content      string     `json:"-"`
	EntryID      *uuid.UUID `json:"entry_id,omitempty"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Source is a crawl root or a node discovered beneath one.
type Source struct {
	ID                 uuid.UUID  `json:"id"`
	ProjectID          string     `json:"project_id"`
	URL                string     `json:"url"`
	MaxPagesToCrawl    int        `json:"max_pages_to_crawl"`
	MaxCrawlDepth      int        `json:"max_crawl_depth"`
	LinkSelectors      []string   `json:"link_selectors,omitempty"`
	PaginationSelector string     `json:"pagination_selector,omitempty"`
	ExcludePatterns    []string   `json:"exclude_patterns,omitempty"`
	Content            string     `json:"-"`
	ContentCharCount   int        `json:"content_char_count"`
	ImageURLs          []string   `json:"image_urls,omitempty"`
	LastCrawledAt      *time.Time `json:"last_crawled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// SourceEdge records a parent -> child discovery in the source hierarchy.
type SourceEdge struct {
	ParentID uuid.UUID `json:"parent_id"`
	ChildID  uuid.UUID `json:"child_id"`
}

// LorebookEntry is a generated piece of lore tied to a project.
type LorebookEntry struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Keywords  []string  `json:"keywords,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CharacterCard holds the generated character fields for a project. Writes
// are whole-card and atomic; partial field updates never reach a store.
type CharacterCard struct {
	ID              uuid.UUID `json:"id"`
	ProjectID       string    `json:"project_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Persona         string    `json:"persona"`
	Scenario        string    `json:"scenario"`
	FirstMessage    string    `json:"first_message"`
	ExampleMessages string    `json:"example_messages"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CardFieldNames lists the regenerable card fields in display order.
var CardFieldNames = []string{
	"name", "description", "persona", "scenario", "first_message", "example_messages",
}

// Fields returns the card's regenerable fields keyed by name.
func (c *CharacterCard) Fields() map[string]string {
	return map[string]string{
		"name":             c.Name,
		"description":      c.Description,
		"persona":          c.Persona,
		"scenario":         c.Scenario,
		"first_message":    c.FirstMessage,
		"example_messages": c.ExampleMessages,
	}
}

// SetField assigns a regenerable field by name.
func (c *CharacterCard) SetField(name, value string) error {
	switch name {
	case "name":
		c.Name = value
	case "description":
		c.Description = value
	case "persona":
		c.Persona = value
	case "scenario":
		c.Scenario = value
	case "first_message":
		c.FirstMessage = value
	case "example_messages":
		c.ExampleMessages = value
	default:
		return &ValidationError{Field: "field", Message: "unknown card field " + name}
	}
	return nil
}

// ProjectTemplates holds the per-project prompt template overrides. Empty
// strings fall back to the built-in defaults.
type ProjectTemplates struct {
	EntryCreation       string `json:"entry_creation,omitempty"`
	CharacterGeneration string `json:"character_generation,omitempty"`
	FieldRegeneration   string `json:"field_regeneration,omitempty"`
	LorebookGeneration  string `json:"lorebook_generation,omitempty"`
}

// Project is the unit of isolation: rate limits, events and generated
// artifacts are all scoped to one project.
type Project struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	RequestsPerMinute int              `json:"requests_per_minute"`
	Model             string           `json:"model,omitempty"`
	Temperature       float64          `json:"temperature"`
	Templates         ProjectTemplates `json:"templates"`
	CreatedAt         time.Time        `json:"created_at"`
}

// RequestLog records one outbound AI provider call.
type RequestLog struct {
	ID               uuid.UUID `json:"id"`
	ProjectID        string    `json:"project_id"`
	JobID            uuid.UUID `json:"job_id"`
	Model            string    `json:"model"`
	LatencyMS        int64     `json:"latency_ms"`
	Failed           bool      `json:"failed"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Message is one turn of an AI chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a provider-agnostic chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// CompletionResponse is the provider's reply plus accounting data.
type CompletionResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Page is the result of fetching one URL.
type Page struct {
	URL        string
	StatusCode int
	HTML       string
	Rendered   bool
	Duration   time.Duration
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
