package vector

import (
	"context"
	"sync"
	"time"

	"github.com/Napageneral/fincontext/internal/errs"
)

// MemoryIndex keeps records in process memory. Safe for concurrent use.
type MemoryIndex struct {
	entityType EntityType
	dim        int
	now        func() time.Time

	mu      sync.RWMutex
	records map[int64]*Record
}

// NewMemoryIndex creates an empty in-memory index for one entity type.
func NewMemoryIndex(entityType EntityType, dim int) *MemoryIndex {
	return &MemoryIndex{
		entityType: entityType,
		dim:        dim,
		now:        time.Now,
		records:    make(map[int64]*Record),
	}
}

// SetClock overrides the time source used for created/updated timestamps.
func (m *MemoryIndex) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryIndex) EntityType() EntityType { return m.entityType }
func (m *MemoryIndex) Dimension() int         { return m.dim }

// Upsert stores entry, overwriting any existing record with the same id.
func (m *MemoryIndex) Upsert(ctx context.Context, entry Entry) error {
	if err := CheckDimension(m.dim, entry.Vector); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.IndexQuery(string(m.entityType), "upsert", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	vec := make([]float32, len(entry.Vector))
	copy(vec, entry.Vector)

	rec := &Record{
		EntityType: m.entityType,
		EntityID:   entry.EntityID,
		Vector:     vec,
		SourceText: entry.SourceText,
		Metadata:   entry.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, ok := m.records[entry.EntityID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	m.records[entry.EntityID] = rec
	return nil
}

// Remove deletes the record for entityID. Missing ids are not an error.
func (m *MemoryIndex) Remove(ctx context.Context, entityID int64) error {
	if err := ctx.Err(); err != nil {
		return errs.IndexQuery(string(m.entityType), "remove", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, entityID)
	return nil
}

// Get returns a copy of the record for entityID.
func (m *MemoryIndex) Get(entityID int64) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entityID]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.Vector = append([]float32(nil), rec.Vector...)
	return out, true
}

// Query returns at most k records passing filter, ranked by similarity.
func (m *MemoryIndex) Query(ctx context.Context, vec []float32, filter Filter, k int) ([]SearchResult, error) {
	if err := CheckDimension(m.dim, vec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.IndexQuery(string(m.entityType), "query", err)
	}
	k = ClampK(k)
	if k == 0 {
		return []SearchResult{}, nil
	}

	m.mu.RLock()
	results := make([]SearchResult, 0, len(m.records))
	for _, rec := range m.records {
		if !filter.Matches(rec.Metadata) {
			continue
		}
		score := Similarity(vec, rec.Vector)
		if score < filter.MinSimilarity {
			continue
		}
		results = append(results, m.toResult(rec, score))
	}
	m.mu.RUnlock()

	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Recent lists the k most recently updated records.
func (m *MemoryIndex) Recent(ctx context.Context, k int) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.IndexQuery(string(m.entityType), "recent", err)
	}
	k = ClampK(k)

	m.mu.RLock()
	results := make([]SearchResult, 0, len(m.records))
	for _, rec := range m.records {
		results = append(results, m.toResult(rec, 0))
	}
	m.mu.RUnlock()

	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Stats reports the record count and timestamp range.
func (m *MemoryIndex) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{EntityType: m.entityType, Count: int64(len(m.records))}
	for _, rec := range m.records {
		if stats.Oldest.IsZero() || rec.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = rec.CreatedAt
		}
		if rec.UpdatedAt.After(stats.Newest) {
			stats.Newest = rec.UpdatedAt
		}
	}
	return stats, nil
}

func (m *MemoryIndex) toResult(rec *Record, score float64) SearchResult {
	return SearchResult{
		EntityID:   rec.EntityID,
		EntityType: m.entityType,
		Similarity: score,
		SourceText: rec.SourceText,
		Metadata:   rec.Metadata,
		UpdatedAt:  rec.UpdatedAt,
	}
}
