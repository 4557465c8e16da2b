package entries

import (
	"context"
	"errors"
	"fmt"
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
	block bool
	calls int
}

func (s *stubProvider) Complete(ctx context.Context, _ lore.CompletionRequest) (lore.CompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	block, err, fixed := s.block, s.err, s.fixed
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return lore.CompletionResponse{}, ctx.Err()
	}
	if err != nil {
		return lore.CompletionResponse{}, err
	}
	return lore.CompletionResponse{Content: fixed, PromptTokens: 10, CompletionTokens: 20, Latency: 5 * time.Millisecond}, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (lore.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return lore.Page{}, err
	}
	html, ok := f.pages[url]
	if !ok {
		return lore.Page{}, &lore.FetchError{URL: url, StatusCode: 404}
	}
	return lore.Page{URL: url, StatusCode: 200, HTML: html}, nil
}

func (f *stubFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	store     *memory.Store
	manager   *jobs.Manager
	processor *Processor
	provider  *stubProvider
	fetcher   *stubFetcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	broadcaster := events.NewBroadcaster(64, nil)
	t.Cleanup(broadcaster.Close)
	manager := jobs.NewManager(store, broadcaster, nil, nil)
	provider := &stubProvider{
		fixed: `{"valid": true, "entry": {"title": "Entry", "content": "Body", "keywords": ["k"]}}`,
	}
	fetcher := &stubFetcher{pages: map[string]string{}, errs: map[string]error{}}
	processor := NewProcessor(
		store, store, store, store,
		provider, fetcher,
		ratelimit.New(), manager, broadcaster, nil, nil,
	)
	store.PutProject(lore.Project{ID: testProjectID, Name: "Test", RequestsPerMinute: 0, Model: "test-model"})
	return &testEnv{store: store, manager: manager, processor: processor, provider: provider, fetcher: fetcher}
}

func (e *testEnv) addLink(t *testing.T, url string) lore.Link {
	t.Helper()
	created, err := e.store.UpsertLinks(context.Background(), testProjectID, []string{url})
	require.NoError(t, err)
	require.Len(t, created, 1)
	return created[0]
}

func (e *testEnv) newJob(t *testing.T, payload lore.JobPayload) lore.Job {
	t.Helper()
	job, err := e.manager.Create(context.Background(), testProjectID, lore.TaskProcessProjectEntries, payload)
	require.NoError(t, err)
	return job
}

func (e *testEnv) getLink(t *testing.T, id uuid.UUID) lore.Link {
	t.Helper()
	link, err := e.store.GetLink(context.Background(), id)
	require.NoError(t, err)
	return link
}

const articleHTML = `<html><body><main><h1>Title</h1><p>A long form article about someone important.</p></main></body></html>`

func TestRunCreatesEntries(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	linkA := env.addLink(t, "https://example.com/wiki/a")
	linkB := env.addLink(t, "https://example.com/wiki/b")
	env.fetcher.pages[linkA.URL] = articleHTML
	env.fetcher.pages[linkB.URL] = articleHTML

	job := env.newJob(t, lore.JobPayload{})
	result, err := env.processor.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 2, result["entries_created"])
	require.Equal(t, 0, result["links_skipped"])
	require.Equal(t, 0, result["links_failed"])

	for _, id := range []uuid.UUID{linkA.ID, linkB.ID} {
		link := env.getLink(t, id)
		require.Equal(t, lore.LinkCompleted, link.Status)
		require.NotNil(t, link.EntryID)
	}
	require.Len(t, env.store.ListEntries(testProjectID), 2)
	require.Equal(t, 2, env.store.RequestLogCount())

	// Fetched content is cached on the link for reprocessing.
	require.NotEmpty(t, env.getLink(t, linkA.ID).Content)
}

func TestRunSkipsInvalidContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	link := env.addLink(t, "https://example.com/wiki/stub")
	env.fetcher.pages[link.URL] = articleHTML
	env.provider.fixed = `{"valid": false, "reason": "page is a stub"}`

	job := env.newJob(t, lore.JobPayload{})
	result, err := env.processor.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 0, result["entries_created"])
	require.Equal(t, 1, result["links_skipped"])

	got := env.getLink(t, link.ID)
	require.Equal(t, lore.LinkSkipped, got.Status)
	require.Equal(t, "page is a stub", got.SkipReason)
	require.Nil(t, got.EntryID)
	require.Empty(t, env.store.ListEntries(testProjectID))
}

func TestRunFetchFailureFailsOnlyThatLink(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	bad := env.addLink(t, "https://example.com/wiki/bad")
	good := env.addLink(t, "https://example.com/wiki/good")
	env.fetcher.errs[bad.URL] = &lore.FetchError{URL: bad.URL, StatusCode: 503, Transient: true}
	env.fetcher.pages[good.URL] = articleHTML

	job := env.newJob(t, lore.JobPayload{})
	result, err := env.processor.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, result["entries_created"])
	require.Equal(t, 1, result["links_failed"])

	failed := env.getLink(t, bad.ID)
	require.Equal(t, lore.LinkFailed, failed.Status)
	require.NotEmpty(t, failed.ErrorMessage)
	require.Equal(t, lore.LinkCompleted, env.getLink(t, good.ID).Status)
}

func TestRunAllLinksFailedFailsJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	linkA := env.addLink(t, "https://example.com/wiki/a")
	linkB := env.addLink(t, "https://example.com/wiki/b")
	env.fetcher.errs[linkA.URL] = errors.New("boom")
	env.fetcher.errs[linkB.URL] = errors.New("boom")

	job := env.newJob(t, lore.JobPayload{})
	_, err := env.processor.Run(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "all 2 links failed")
}

func TestRunTargetsExplicitLinks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	wanted := env.addLink(t, "https://example.com/wiki/wanted")
	other := env.addLink(t, "https://example.com/wiki/other")
	env.fetcher.pages[wanted.URL] = articleHTML
	env.fetcher.pages[other.URL] = articleHTML

	job := env.newJob(t, lore.JobPayload{LinkIDs: []uuid.UUID{wanted.ID}})
	result, err := env.processor.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, result["entries_created"])

	require.Equal(t, lore.LinkCompleted, env.getLink(t, wanted.ID).Status)
	require.Equal(t, lore.LinkPending, env.getLink(t, other.ID).Status)
	require.Equal(t, 1, env.provider.callCount())
}

func TestRunUsesCachedContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	link := env.addLink(t, "https://example.com/wiki/cached")
	link.Content = "Previously fetched article text."
	require.NoError(t, env.store.UpdateLink(context.Background(), link))

	job := env.newJob(t, lore.JobPayload{})
	result, err := env.processor.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, result["entries_created"])
	require.Zero(t, env.fetcher.fetchCount())
}

func TestRunCancellationResetsInFlightLink(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	first := env.addLink(t, "https://example.com/wiki/first")
	second := env.addLink(t, "https://example.com/wiki/second")
	env.fetcher.pages[first.URL] = articleHTML
	env.fetcher.pages[second.URL] = articleHTML
	env.provider.block = true

	ctx, cancel := context.WithCancel(context.Background())
	job := env.newJob(t, lore.JobPayload{})

	done := make(chan error, 1)
	go func() {
		_, err := env.processor.Run(ctx, job)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return env.provider.callCount() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancellation")
	}

	// The in-flight link went back to pending; the rest were never touched.
	require.Equal(t, lore.LinkPending, env.getLink(t, first.ID).Status)
	require.Equal(t, lore.LinkPending, env.getLink(t, second.ID).Status)
}

func TestRunProgressWrittenPerLink(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		link := env.addLink(t, fmt.Sprintf("https://example.com/wiki/%d", i))
		env.fetcher.pages[link.URL] = articleHTML
	}

	job := env.newJob(t, lore.JobPayload{})
	_, err := env.processor.Run(context.Background(), job)
	require.NoError(t, err)

	got, err := env.manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.TotalItems)
	require.Equal(t, 3, got.ProcessedItems)
	require.InDelta(t, 1.0, got.Progress, 0.001)
}
