package search

import (
	"sort"

	"github.com/Napageneral/fincontext/internal/vector"
)

// Merge concatenates per-type result sets and ranks them globally by similarity,
// breaking ties by entity type name and then entity id. The result holds at most
// totalLimit entries; totalLimit <= 0 keeps everything. There is no per-type quota.
// Input slices are not modified.
func Merge(sets map[vector.EntityType][]vector.SearchResult, totalLimit int) []vector.SearchResult {
	total := 0
	for _, results := range sets {
		total += len(results)
	}

	merged := make([]vector.SearchResult, 0, total)
	for _, results := range sets {
		merged = append(merged, results...)
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})

	if totalLimit > 0 && len(merged) > totalLimit {
		merged = merged[:totalLimit]
	}
	return merged
}
