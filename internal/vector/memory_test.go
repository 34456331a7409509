package vector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/fincontext/internal/errs"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func amount(v float64) *float64 { return &v }

func TestMemoryIndexUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(EntityExpense, 3)
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	idx.SetClock(clock.now)

	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 1, Vector: []float32{1, 0, 0}, SourceText: "first"}))
	first, ok := idx.Get(1)
	require.True(t, ok)

	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 1, Vector: []float32{0, 1, 0}, SourceText: "second"}))
	second, ok := idx.Get(1)
	require.True(t, ok)

	assert.Equal(t, "second", second.SourceText)
	assert.Equal(t, []float32{0, 1, 0}, second.Vector)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

func TestMemoryIndexSelfSimilarity(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(EntityExpense, 4)
	vec := []float32{0.3, -0.2, 0.9, 0.1}
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 7, Vector: vec}))

	results, err := idx.Query(ctx, vec, Filter{}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(7), results[0].EntityID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestMemoryIndexRankingAndTieBreak(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(EntityExpense, 2)
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	idx.SetClock(clock.now)

	// 3 and 2 tie on similarity; 2 is updated later so ranks first.
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 3, Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 2, Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 9, Vector: []float32{1, 1}}))
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 1, Vector: []float32{0, 1}}))

	results, err := idx.Query(ctx, []float32{1, 0}, Filter{}, 10)
	require.NoError(t, err)

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.EntityID)
	}
	assert.Equal(t, []int64{2, 3, 9, 1}, ids)
	assert.InDelta(t, 0.0, results[3].Similarity, 1e-9)

	top, err := idx.Query(ctx, []float32{1, 0}, Filter{}, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestMemoryIndexFiltersBeforeRanking(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(EntityExpense, 2)
	food := Metadata{Category: "Food", Amount: amount(150), Currency: "USD", Date: time.Date(2025, 11, 12, 0, 0, 0, 0, time.UTC)}
	gym := Metadata{Category: "Gym", Amount: amount(40), Currency: "USD", Date: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)}

	// The gym record is the closer match but must be filtered out first.
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 1, Vector: []float32{1, 0}, Metadata: gym}))
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 2, Vector: []float32{0.8, 0.6}, Metadata: food}))

	results, err := idx.Query(ctx, []float32{1, 0}, Filter{Category: "food"}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].EntityID)

	results, err = idx.Query(ctx, []float32{1, 0}, Filter{AmountMin: amount(100)}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].EntityID)

	results, err = idx.Query(ctx, []float32{1, 0}, Filter{DateTo: time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC)}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].EntityID)

	results, err = idx.Query(ctx, []float32{1, 0}, Filter{MinSimilarity: 0.9}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].EntityID)
}

func TestMemoryIndexDimensionMismatchLeavesRecord(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(EntityExpense, 3)
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 1, Vector: []float32{1, 2, 3}, SourceText: "kept"}))

	err := idx.Upsert(ctx, Entry{EntityID: 1, Vector: []float32{1, 2}, SourceText: "bad"})
	require.Error(t, err)
	var dm *errs.DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Got)

	rec, ok := idx.Get(1)
	require.True(t, ok)
	assert.Equal(t, "kept", rec.SourceText)

	_, err = idx.Query(ctx, []float32{1}, Filter{}, 5)
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)
}

func TestMemoryIndexRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(EntityIncome, 2)
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 1, Vector: []float32{1, 0}}))

	require.NoError(t, idx.Remove(ctx, 1))
	require.NoError(t, idx.Remove(ctx, 1))
	require.NoError(t, idx.Remove(ctx, 42))

	results, err := idx.Query(ctx, []float32{1, 0}, Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryIndexRecentOrdersByUpdate(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(EntityExpense, 2)
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	idx.SetClock(clock.now)

	for _, id := range []int64{5, 6, 7} {
		require.NoError(t, idx.Upsert(ctx, Entry{EntityID: id, Vector: []float32{1, 0}}))
	}
	require.NoError(t, idx.Upsert(ctx, Entry{EntityID: 5, Vector: []float32{0, 1}}))

	recent, err := idx.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(5), recent[0].EntityID)
	assert.Equal(t, int64(7), recent[1].EntityID)
}

func TestMemoryIndexCancelledContext(t *testing.T) {
	idx := NewMemoryIndex(EntityExpense, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Query(ctx, []float32{1, 0}, Filter{}, 5)
	assert.ErrorIs(t, err, errs.ErrIndexQuery)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClampKAndSimilarity(t *testing.T) {
	assert.Equal(t, 0, ClampK(-1))
	assert.Equal(t, 10, ClampK(10))
	assert.Equal(t, MaxK, ClampK(1000))

	assert.InDelta(t, 0.0, Similarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Similarity([]float32{0, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Similarity([]float32{1, 0}, []float32{1, 0, 0}), 1e-9)
	assert.InDelta(t, 1.0, Similarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
}

func TestFloat32BlobRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.0e-7}
	out := blobToFloat32Slice(float32SliceToBlob(in))
	assert.Equal(t, in, out)
	assert.Nil(t, blobToFloat32Slice([]byte{1, 2, 3}))
}
