package retrieval

import (
	"context"
	"errors"
	"sort"

	"github.com/Napageneral/fincontext/internal/vector"
)

// IndexRecency serves the fallback listing from the indexes themselves.
type IndexRecency struct {
	listers map[vector.EntityType]vector.RecentLister
}

// NewIndexRecency keeps the indexes that can list by recency; the rest are skipped.
func NewIndexRecency(indexes []vector.Index) *IndexRecency {
	r := &IndexRecency{listers: map[vector.EntityType]vector.RecentLister{}}
	for _, idx := range indexes {
		if l, ok := idx.(vector.RecentLister); ok {
			r.listers[idx.EntityType()] = l
		}
	}
	return r
}

// Recent merges each type's most recent records, newest first, and keeps k.
// It fails only when every consulted index fails.
func (r *IndexRecency) Recent(ctx context.Context, types []vector.EntityType, k int) ([]vector.SearchResult, error) {
	var (
		out      []vector.SearchResult
		failures []error
		asked    int
	)
	for _, et := range types {
		l, ok := r.listers[et]
		if !ok {
			continue
		}
		asked++
		results, err := l.Recent(ctx, k)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		out = append(out, results...)
	}
	if asked > 0 && len(failures) == asked {
		return nil, errors.Join(failures...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}
