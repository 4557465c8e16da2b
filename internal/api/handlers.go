package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/lore"
)

// taskNames maps the kebab-case URL segment to the task it starts.
var taskNames = map[string]lore.TaskName{
	"discover-and-crawl":        lore.TaskDiscoverAndCrawl,
	"rescan-links":              lore.TaskRescanLinks,
	"confirm-links":             lore.TaskConfirmLinks,
	"process-project-entries":   lore.TaskProcessProjectEntries,
	"fetch-content":             lore.TaskFetchContent,
	"generate-character":        lore.TaskGenerateCharacter,
	"regenerate-field":          lore.TaskRegenerateField,
	"generate-lorebook-entries": lore.TaskGenerateLorebookEntries,
}

type submitJobRequest struct {
	SourceIDs             []uuid.UUID `json:"source_ids"`
	LinkIDs               []uuid.UUID `json:"link_ids"`
	URLs                  []string    `json:"urls"`
	Field                 string      `json:"field"`
	CustomPrompt          string      `json:"custom_prompt"`
	IncludeExistingFields bool        `json:"include_existing_fields"`
	MergeExisting         bool        `json:"merge_existing"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	task, ok := taskNames[chi.URLParam(r, "task")]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if _, err := s.projects.GetProject(r.Context(), projectID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	payload := lore.JobPayload{
		SourceIDs:             req.SourceIDs,
		LinkIDs:               req.LinkIDs,
		URLs:                  req.URLs,
		Field:                 req.Field,
		CustomPrompt:          req.CustomPrompt,
		IncludeExistingFields: req.IncludeExistingFields,
		MergeExisting:         req.MergeExisting,
	}
	if err := validatePayload(task, payload); err != nil {
		s.writeDomainError(w, err)
		return
	}

	job, err := s.startJob(r.Context(), projectID, task, payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func validatePayload(task lore.TaskName, payload lore.JobPayload) error {
	switch task {
	case lore.TaskDiscoverAndCrawl, lore.TaskRescanLinks, lore.TaskFetchContent:
		if len(payload.SourceIDs) == 0 {
			return &lore.ValidationError{Field: "source_ids", Message: "at least one source is required"}
		}
	case lore.TaskConfirmLinks:
		if len(payload.URLs) == 0 {
			return &lore.ValidationError{Field: "urls", Message: "at least one url is required"}
		}
	case lore.TaskRegenerateField:
		if payload.Field == "" {
			return &lore.ValidationError{Field: "field", Message: "field is required"}
		}
	}
	return nil
}

// startJob creates the job and hands it to the worker pool. A job that
// cannot be queued is canceled so it does not dangle in pending.
func (s *Server) startJob(ctx context.Context, projectID string, task lore.TaskName, payload lore.JobPayload) (lore.Job, error) {
	job, err := s.manager.Create(ctx, projectID, task, payload)
	if err != nil {
		return lore.Job{}, err
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.enqueuer.Enqueue(queueCtx, job.ID); err != nil {
		if _, cancelErr := s.manager.RequestCancel(context.WithoutCancel(ctx), job.ID); cancelErr != nil {
			s.logger.Warn("orphaned job cancel failed",
				zap.String("job_id", job.ID.String()), zap.Error(cancelErr))
		}
		return lore.Job{}, err
	}
	return job, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.manager.RequestCancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	list, err := s.manager.List(r.Context(), projectID, limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []lore.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

type appendContentRequest struct {
	URL             string `json:"url"`
	MergeExisting   bool   `json:"merge_existing"`
	IncludeLorebook bool   `json:"include_lorebook"`
}

// appendContent registers a source URL and starts the two-step flow: fetch
// its content, then regenerate the card (and optionally the lorebook) from
// it. All jobs are created up front so the client can track each; the
// generation jobs stay pending until the fetch succeeds.
func (s *Server) appendContent(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if _, err := s.projects.GetProject(r.Context(), projectID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	var req appendContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	normalized, err := lore.NormalizeURL(req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src, err := s.ensureSource(r.Context(), projectID, normalized)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	generateTasks := []lore.TaskName{lore.TaskGenerateCharacter}
	if req.IncludeLorebook {
		generateTasks = append(generateTasks, lore.TaskGenerateLorebookEntries)
	}
	generateIDs := make([]uuid.UUID, 0, len(generateTasks))
	for _, task := range generateTasks {
		generateJob, err := s.manager.Create(r.Context(), projectID, task, lore.JobPayload{
			SourceIDs:     []uuid.UUID{src.ID},
			MergeExisting: req.MergeExisting,
		})
		if err != nil {
			s.cancelChainedJobs(r.Context(), generateIDs)
			s.writeDomainError(w, err)
			return
		}
		generateIDs = append(generateIDs, generateJob.ID)
	}

	fetchJob, err := s.startJob(r.Context(), projectID, lore.TaskFetchContent, lore.JobPayload{
		SourceIDs:   []uuid.UUID{src.ID},
		ChainJobIDs: generateIDs,
	})
	if err != nil {
		s.cancelChainedJobs(r.Context(), generateIDs)
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"source_id":        src.ID,
		"fetch_job_id":     fetchJob.ID,
		"generate_job_ids": generateIDs,
	})
}

// cancelChainedJobs cleans up pre-created generation jobs when the flow
// cannot start.
func (s *Server) cancelChainedJobs(ctx context.Context, ids []uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if _, err := s.manager.RequestCancel(ctx, id); err != nil {
			s.logger.Warn("chained job cancel failed",
				zap.String("job_id", id.String()), zap.Error(err))
		}
	}
}

func (s *Server) ensureSource(ctx context.Context, projectID, url string) (lore.Source, error) {
	src, err := s.sources.GetSourceByURL(ctx, projectID, url)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, lore.ErrNotFound) {
		return lore.Source{}, err
	}
	src = lore.Source{
		ID:        uuid.New(),
		ProjectID: projectID,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sources.CreateSource(ctx, src); err != nil {
		return lore.Source{}, err
	}
	return src, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
