package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/creeklabs/loreforge/internal/lore"
)

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	job := lore.Job{
		ID:        uuid.New(),
		ProjectID: "p1",
		Task:      lore.TaskConfirmLinks,
		Status:    lore.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)

	got.Status = lore.JobInProgress
	require.NoError(t, s.UpdateJob(ctx, got))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, lore.JobInProgress, got.Status)

	_, err = s.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, lore.ErrNotFound)

	err = s.UpdateJob(ctx, lore.Job{ID: uuid.New()})
	require.ErrorIs(t, err, lore.ErrNotFound)
}

func TestListJobsOrderAndPagination(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJob(ctx, lore.Job{
			ID:        uuid.New(),
			ProjectID: "p1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.CreateJob(ctx, lore.Job{ID: uuid.New(), ProjectID: "other"}))

	jobs, err := s.ListJobs(ctx, "p1", 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))

	rest, err := s.ListJobs(ctx, "p1", 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 3)

	none, err := s.ListJobs(ctx, "p1", 10, 99)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestResetStaleJobs(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	stuck := lore.Job{ID: uuid.New(), ProjectID: "p1", Status: lore.JobInProgress}
	cancelling := lore.Job{ID: uuid.New(), ProjectID: "p1", Status: lore.JobCancelling}
	done := lore.Job{ID: uuid.New(), ProjectID: "p1", Status: lore.JobCompleted}
	for _, j := range []lore.Job{stuck, cancelling, done} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	n, err := s.ResetStaleJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []uuid.UUID{stuck.ID, cancelling.ID} {
		j, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, lore.JobPending, j.Status)
	}
	j, err := s.GetJob(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, lore.JobCompleted, j.Status)
}

func TestUpsertLinksDeduplicates(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	created, err := s.UpsertLinks(ctx, "p1", []string{
		"https://example.com/a",
		"https://example.com/b",
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	again, err := s.UpsertLinks(ctx, "p1", []string{
		"https://example.com/b",
		"https://example.com/c",
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, "https://example.com/c", again[0].URL)

	urls, err := s.ListLinkURLs(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}, urls)

	// Other projects keep their own URL space.
	other, err := s.UpsertLinks(ctx, "p2", []string{"https://example.com/a"})
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestProcessableLinksAndReset(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	created, err := s.UpsertLinks(ctx, "p1", []string{
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
		"https://example.com/4",
	})
	require.NoError(t, err)
	require.Len(t, created, 4)

	setStatus := func(link lore.Link, st lore.LinkStatus) {
		link.Status = st
		require.NoError(t, s.UpdateLink(ctx, link))
	}
	setStatus(created[0], lore.LinkCompleted)
	setStatus(created[1], lore.LinkFailed)
	setStatus(created[2], lore.LinkProcessing)

	processable, err := s.ListProcessableLinks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, processable, 2) // failed + pending

	n, err := s.ResetProcessingLinks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	processable, err = s.ListProcessableLinks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, processable, 3)
}

func TestSourceEdgesMerge(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	parent, child := uuid.New(), uuid.New()
	require.NoError(t, s.AddEdge(ctx, "p1", parent, child))
	require.NoError(t, s.AddEdge(ctx, "p1", parent, child))

	edges, err := s.ListEdges(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, parent, edges[0].ParentID)
	require.Equal(t, child, edges[0].ChildID)
}

func TestCardPutIsWholeCard(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	_, err := s.GetCard(ctx, "p1")
	require.ErrorIs(t, err, lore.ErrNotFound)

	card := lore.CharacterCard{ID: uuid.New(), ProjectID: "p1", Name: "Mira", Persona: "stoic"}
	require.NoError(t, s.PutCard(ctx, card))

	got, err := s.GetCard(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Mira", got.Name)

	card.Persona = "wry"
	require.NoError(t, s.PutCard(ctx, card))
	got, err = s.GetCard(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "wry", got.Persona)
}
