package crawl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/creeklabs/loreforge/internal/lore"
)

func TestDominated(t *testing.T) {
	t.Parallel()

	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	edges := []lore.SourceEdge{
		{ParentID: a, ChildID: b},
		{ParentID: b, ChildID: c},
		{ParentID: a, ChildID: d},
	}

	// b and c are descendants of a; d is too.
	dominated := Dominated([]uuid.UUID{a, c}, edges)
	require.Len(t, dominated, 1)
	require.Equal(t, a, dominated[c])

	// Selecting only siblings of each other: nothing dominated.
	dominated = Dominated([]uuid.UUID{b, d}, edges)
	require.Empty(t, dominated)

	// Transitive: c is dominated through b.
	dominated = Dominated([]uuid.UUID{a, b, c}, edges)
	require.Len(t, dominated, 2)
	require.Contains(t, dominated, b)
	require.Contains(t, dominated, c)
}

func TestDominatedHandlesCycles(t *testing.T) {
	t.Parallel()

	a, b := uuid.New(), uuid.New()
	edges := []lore.SourceEdge{
		{ParentID: a, ChildID: b},
		{ParentID: b, ChildID: a},
	}

	// Must terminate and report each node dominated by the other.
	dominated := Dominated([]uuid.UUID{a, b}, edges)
	require.Len(t, dominated, 2)
}

func TestFilterDominated(t *testing.T) {
	t.Parallel()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	edges := []lore.SourceEdge{
		{ParentID: a, ChildID: b},
	}

	kept := FilterDominated([]uuid.UUID{a, b, c}, edges)
	require.Equal(t, []uuid.UUID{a, c}, kept)

	// No edges: selection passes through untouched.
	kept = FilterDominated([]uuid.UUID{a, b}, nil)
	require.Equal(t, []uuid.UUID{a, b}, kept)
}

func TestPartitionURLs(t *testing.T) {
	t.Parallel()

	existing := map[string]struct{}{
		"https://example.com/b": {},
	}
	newURLs, existingURLs := PartitionURLs([]string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/a", // duplicate
		"https://example.com/c",
		"https://example.com/b", // duplicate existing
	}, existing)

	require.Equal(t, []string{"https://example.com/a", "https://example.com/c"}, newURLs)
	require.Equal(t, []string{"https://example.com/b"}, existingURLs)
}
