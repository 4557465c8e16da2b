// Package crawl implements bounded recursive source discovery: BFS crawling
// with per-source page caps, same-depth pagination, URL dedup, exclusion
// patterns and hierarchy bookkeeping.
package crawl

import (
	"github.com/google/uuid"

	"github.com/creeklabs/loreforge/internal/lore"
)

// Dominated returns, for every selected source that is a descendant of
// another selected source, the dominating ancestor. Crawling a dominated
// source is redundant: its ancestor's crawl already covers it.
func Dominated(selected []uuid.UUID, edges []lore.SourceEdge) map[uuid.UUID]uuid.UUID {
	children := make(map[uuid.UUID][]uuid.UUID, len(edges))
	for _, e := range edges {
		children[e.ParentID] = append(children[e.ParentID], e.ChildID)
	}

	selectedSet := make(map[uuid.UUID]struct{}, len(selected))
	for _, id := range selected {
		selectedSet[id] = struct{}{}
	}

	dominated := make(map[uuid.UUID]uuid.UUID)
	for _, root := range selected {
		visited := map[uuid.UUID]struct{}{root: {}}
		queue := append([]uuid.UUID(nil), children[root]...)
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			if _, seen := visited[node]; seen {
				continue
			}
			visited[node] = struct{}{}
			if _, isSelected := selectedSet[node]; isSelected {
				if _, already := dominated[node]; !already {
					dominated[node] = root
				}
			}
			queue = append(queue, children[node]...)
		}
	}
	return dominated
}

// FilterDominated removes dominated IDs from the selection, preserving
// order.
func FilterDominated(selected []uuid.UUID, edges []lore.SourceEdge) []uuid.UUID {
	dominated := Dominated(selected, edges)
	if len(dominated) == 0 {
		return selected
	}
	out := make([]uuid.UUID, 0, len(selected))
	for _, id := range selected {
		if _, drop := dominated[id]; !drop {
			out = append(out, id)
		}
	}
	return out
}

// PartitionURLs splits discovered URLs into new and already-known, in
// discovery order, deduplicated. existing is the set of URLs the project
// already has links for.
func PartitionURLs(discovered []string, existing map[string]struct{}) (newURLs, existingURLs []string) {
	seenNew := make(map[string]struct{})
	seenExisting := make(map[string]struct{})
	for _, u := range discovered {
		if _, known := existing[u]; known {
			if _, dup := seenExisting[u]; !dup {
				seenExisting[u] = struct{}{}
				existingURLs = append(existingURLs, u)
			}
			continue
		}
		if _, dup := seenNew[u]; !dup {
			seenNew[u] = struct{}{}
			newURLs = append(newURLs, u)
		}
	}
	return newURLs, existingURLs
}
