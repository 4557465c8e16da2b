package character

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/creeklabs/loreforge/internal/events"
	"github.com/creeklabs/loreforge/internal/jobs"
	"github.com/creeklabs/loreforge/internal/lore"
	"github.com/creeklabs/loreforge/internal/metrics"
	"github.com/creeklabs/loreforge/internal/ratelimit"
	"github.com/creeklabs/loreforge/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

const testProjectID = "p1"

type stubProvider struct {
	mu    sync.Mutex
	fixed string
	err   error
	calls int
	last  lore.CompletionRequest
}

func (s *stubProvider) Complete(_ context.Context, req lore.CompletionRequest) (lore.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	if s.err != nil {
		return lore.CompletionResponse{}, s.err
	}
	return lore.CompletionResponse{Content: s.fixed, PromptTokens: 10, CompletionTokens: 20, Latency: 5 * time.Millisecond}, nil
}

func (s *stubProvider) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.last.Messages) == 0 {
		return ""
	}
	return s.last.Messages[0].Content
}

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (lore.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return lore.Page{}, err
	}
	html, ok := f.pages[url]
	if !ok {
		return lore.Page{}, &lore.FetchError{URL: url, StatusCode: 404}
	}
	return lore.Page{URL: url, StatusCode: 200, HTML: html}, nil
}

type stubEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (e *stubEnqueuer) Enqueue(_ context.Context, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, id)
	return nil
}

func (e *stubEnqueuer) enqueued() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.ids...)
}

type testEnv struct {
	store    *memory.Store
	manager  *jobs.Manager
	pipeline *Pipeline
	provider *stubProvider
	fetcher  *stubFetcher
	enqueuer *stubEnqueuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	broadcaster := events.NewBroadcaster(64, nil)
	t.Cleanup(broadcaster.Close)
	manager := jobs.NewManager(store, broadcaster, nil, nil)
	provider := &stubProvider{}
	fetcher := &stubFetcher{pages: map[string]string{}, errs: map[string]error{}}
	enqueuer := &stubEnqueuer{}
	pipeline := NewPipeline(
		store, store, store, store, store,
		provider, fetcher,
		ratelimit.New(), manager, broadcaster, nil, nil,
	)
	pipeline.SetEnqueuer(enqueuer)
	store.PutProject(lore.Project{ID: testProjectID, Name: "Test", Model: "test-model"})
	return &testEnv{store: store, manager: manager, pipeline: pipeline, provider: provider, fetcher: fetcher, enqueuer: enqueuer}
}

func (e *testEnv) addSource(t *testing.T, url, content string) lore.Source {
	t.Helper()
	src := lore.Source{
		ID:        uuid.New(),
		ProjectID: testProjectID,
		URL:       url,
		Content:   content,
		CreatedAt: time.Now(),
	}
	require.NoError(t, e.store.CreateSource(context.Background(), src))
	return src
}

func (e *testEnv) newJob(t *testing.T, task lore.TaskName, payload lore.JobPayload) lore.Job {
	t.Helper()
	job, err := e.manager.Create(context.Background(), testProjectID, task, payload)
	require.NoError(t, err)
	return job
}

const cardJSON = `{
	"name": "Arannis",
	"description": "An elven ranger.",
	"persona": "Stoic and dry-witted.",
	"scenario": "Guarding the northern pass.",
	"first_message": "You should not be here.",
	"example_messages": "User: hello\nArannis: state your business."
}`

func TestGenerateWritesWholeCard(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.fixed = cardJSON
	env.addSource(t, "https://example.com/wiki/arannis", "Arannis is an elven ranger.")

	job := env.newJob(t, lore.TaskGenerateCharacter, lore.JobPayload{})
	result, err := env.pipeline.Generate(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, result["card_id"])

	card, err := env.store.GetCard(context.Background(), testProjectID)
	require.NoError(t, err)
	require.Equal(t, "Arannis", card.Name)
	require.Equal(t, "An elven ranger.", card.Description)
	require.Equal(t, "You should not be here.", card.FirstMessage)
	require.Equal(t, 1, env.store.RequestLogCount())

	// The merged source content reaches the prompt.
	require.Contains(t, env.provider.lastPrompt(), "Source: https://example.com/wiki/arannis")
	require.Contains(t, env.provider.lastPrompt(), "Arannis is an elven ranger.")
}

func TestGeneratePreservesIdentityAndAvatar(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.fixed = cardJSON
	env.addSource(t, "https://example.com/wiki/arannis", "content")

	existing := lore.CharacterCard{
		ID:        uuid.New(),
		ProjectID: testProjectID,
		Name:      "Old Name",
		AvatarURL: "https://example.com/avatar.png",
	}
	require.NoError(t, env.store.PutCard(context.Background(), existing))

	job := env.newJob(t, lore.TaskGenerateCharacter, lore.JobPayload{MergeExisting: true})
	_, err := env.pipeline.Generate(context.Background(), job)
	require.NoError(t, err)

	card, err := env.store.GetCard(context.Background(), testProjectID)
	require.NoError(t, err)
	require.Equal(t, existing.ID, card.ID)
	require.Equal(t, existing.AvatarURL, card.AvatarURL)
	require.Equal(t, "Arannis", card.Name)

	// Merge mode feeds the prior fields into the prompt.
	require.Contains(t, env.provider.lastPrompt(), "Old Name")
}

func TestGenerateFailsWithoutContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addSource(t, "https://example.com/wiki/empty", "")

	job := env.newJob(t, lore.TaskGenerateCharacter, lore.JobPayload{})
	_, err := env.pipeline.Generate(context.Background(), job)
	require.ErrorIs(t, err, errNoContent)
	require.Zero(t, env.provider.calls)
}

func TestRegenerateFieldUpdatesOnlyThatField(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.fixed = `{"new_content": "A brooding wanderer."}`
	env.addSource(t, "https://example.com/wiki/arannis", "content")

	card := lore.CharacterCard{
		ID:        uuid.New(),
		ProjectID: testProjectID,
		Name:      "Arannis",
		Persona:   "Cheerful.",
	}
	require.NoError(t, env.store.PutCard(context.Background(), card))

	job := env.newJob(t, lore.TaskRegenerateField, lore.JobPayload{
		Field:        "persona",
		CustomPrompt: "make it darker",
	})
	result, err := env.pipeline.RegenerateField(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "persona", result["field"])

	got, err := env.store.GetCard(context.Background(), testProjectID)
	require.NoError(t, err)
	require.Equal(t, "A brooding wanderer.", got.Persona)
	require.Equal(t, "Arannis", got.Name)
	require.Contains(t, env.provider.lastPrompt(), "make it darker")
}

func TestRegenerateFieldRejectsUnknownField(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	require.NoError(t, env.store.PutCard(context.Background(), lore.CharacterCard{
		ID: uuid.New(), ProjectID: testProjectID, Name: "Arannis",
	}))

	job := env.newJob(t, lore.TaskRegenerateField, lore.JobPayload{Field: "alignment"})
	_, err := env.pipeline.RegenerateField(context.Background(), job)
	var verr *lore.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Zero(t, env.provider.calls)
}

func TestRegenerateFieldRequiresCard(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	job := env.newJob(t, lore.TaskRegenerateField, lore.JobPayload{Field: "persona"})
	_, err := env.pipeline.RegenerateField(context.Background(), job)
	var verr *lore.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGenerateLorebookEntries(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.fixed = `{"entries": [
		{"title": "The Northern Pass", "content": "A mountain route.", "keywords": ["pass"]},
		{"title": "", "content": "dropped, no title"},
		{"title": "Elven Rangers", "content": "An order of scouts.", "keywords": ["rangers", "elves"]}
	]}`
	env.addSource(t, "https://example.com/wiki/world", "Lore about the world.")

	job := env.newJob(t, lore.TaskGenerateLorebookEntries, lore.JobPayload{})
	result, err := env.pipeline.GenerateLorebookEntries(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 2, result["entries_created"])

	entries := env.store.ListEntries(testProjectID)
	require.Len(t, entries, 2)
	titles := []string{entries[0].Title, entries[1].Title}
	require.ElementsMatch(t, []string{"The Northern Pass", "Elven Rangers"}, titles)
}

const pageHTML = `<html><body>
<main>
<img src="https://example.com/portrait.png">
<img src="data:image/png;base64,xxxx">
<p>Arannis is an elven ranger who guards the northern pass.</p>
</main>
</body></html>`

func TestFetchContentStoresCleanedText(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	src := env.addSource(t, "https://example.com/wiki/arannis", "")
	env.fetcher.pages[src.URL] = pageHTML

	job := env.newJob(t, lore.TaskFetchContent, lore.JobPayload{SourceIDs: []uuid.UUID{src.ID}})
	result, err := env.pipeline.FetchContent(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, result["sources_fetched"])
	require.Equal(t, 0, result["sources_failed"])

	got, err := env.store.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Contains(t, got.Content, "elven ranger")
	require.Equal(t, len(got.Content), got.ContentCharCount)
	require.Equal(t, []string{"https://example.com/portrait.png"}, got.ImageURLs)
	require.NotNil(t, got.LastCrawledAt)
}

func TestFetchContentSetsAvatarOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	src := env.addSource(t, "https://example.com/wiki/arannis", "")
	env.fetcher.pages[src.URL] = pageHTML

	require.NoError(t, env.store.PutCard(context.Background(), lore.CharacterCard{
		ID: uuid.New(), ProjectID: testProjectID, Name: "Arannis",
	}))

	job := env.newJob(t, lore.TaskFetchContent, lore.JobPayload{SourceIDs: []uuid.UUID{src.ID}})
	_, err := env.pipeline.FetchContent(context.Background(), job)
	require.NoError(t, err)

	card, err := env.store.GetCard(context.Background(), testProjectID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/portrait.png", card.AvatarURL)
}

func TestFetchContentEnqueuesChainedJobs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	src := env.addSource(t, "https://example.com/wiki/arannis", "")
	env.fetcher.pages[src.URL] = pageHTML

	character := env.newJob(t, lore.TaskGenerateCharacter, lore.JobPayload{})
	lorebook := env.newJob(t, lore.TaskGenerateLorebookEntries, lore.JobPayload{})
	job := env.newJob(t, lore.TaskFetchContent, lore.JobPayload{
		SourceIDs:   []uuid.UUID{src.ID},
		ChainJobIDs: []uuid.UUID{character.ID, lorebook.ID},
	})

	_, err := env.pipeline.FetchContent(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{character.ID, lorebook.ID}, env.enqueuer.enqueued())
}

func TestFetchContentCancelsChainedJobOnFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	src := env.addSource(t, "https://example.com/wiki/arannis", "")
	env.fetcher.errs[src.URL] = errors.New("unreachable")

	chained := env.newJob(t, lore.TaskGenerateCharacter, lore.JobPayload{})
	job := env.newJob(t, lore.TaskFetchContent, lore.JobPayload{
		SourceIDs:   []uuid.UUID{src.ID},
		ChainJobIDs: []uuid.UUID{chained.ID},
	})

	_, err := env.pipeline.FetchContent(context.Background(), job)
	require.Error(t, err)
	require.Empty(t, env.enqueuer.enqueued())

	got, err := env.manager.Get(context.Background(), chained.ID)
	require.NoError(t, err)
	require.Equal(t, lore.JobCanceled, got.Status)
}

func TestFetchContentPartialFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	good := env.addSource(t, "https://example.com/wiki/good", "")
	bad := env.addSource(t, "https://example.com/wiki/bad", "")
	env.fetcher.pages[good.URL] = pageHTML
	env.fetcher.errs[bad.URL] = errors.New("unreachable")

	job := env.newJob(t, lore.TaskFetchContent, lore.JobPayload{
		SourceIDs: []uuid.UUID{good.ID, bad.ID},
	})
	result, err := env.pipeline.FetchContent(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, result["sources_fetched"])
	require.Equal(t, 1, result["sources_failed"])

	untouched, err := env.store.GetSource(context.Background(), bad.ID)
	require.NoError(t, err)
	require.Nil(t, untouched.LastCrawledAt)
}

func TestFetchContentCancellationCancelsChainedJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	src := env.addSource(t, "https://example.com/wiki/arannis", "")
	env.fetcher.pages[src.URL] = pageHTML

	chained := env.newJob(t, lore.TaskGenerateCharacter, lore.JobPayload{})
	job := env.newJob(t, lore.TaskFetchContent, lore.JobPayload{
		SourceIDs:   []uuid.UUID{src.ID},
		ChainJobIDs: []uuid.UUID{chained.ID},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.pipeline.FetchContent(ctx, job)
	require.ErrorIs(t, err, context.Canceled)

	got, err := env.manager.Get(context.Background(), chained.ID)
	require.NoError(t, err)
	require.Equal(t, lore.JobCanceled, got.Status)
}
