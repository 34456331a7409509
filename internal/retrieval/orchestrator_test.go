package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/fincontext/internal/config"
	"github.com/Napageneral/fincontext/internal/contextbuilder"
	"github.com/Napageneral/fincontext/internal/errs"
	"github.com/Napageneral/fincontext/internal/logging"
	"github.com/Napageneral/fincontext/internal/vector"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, &errs.EmbeddingGenerationError{Provider: "fake", Attempts: 1, Transient: true, Err: ctx.Err()}
	}
	return f.vec, f.err
}

func (f *fakeEmbedder) Dimension() int { return 3 }

// brokenIndex fails every query but still lists recent records.
type brokenIndex struct {
	*vector.MemoryIndex
}

func (b brokenIndex) Query(ctx context.Context, vec []float32, filter vector.Filter, k int) ([]vector.SearchResult, error) {
	return nil, errs.IndexQuery(string(b.EntityType()), "query", errors.New("database is locked"))
}

func amount(v float64) *float64 { return &v }

func fixtureIndexes(t *testing.T) (*vector.MemoryIndex, *vector.MemoryIndex) {
	t.Helper()
	ctx := context.Background()
	clock := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	expenses := vector.NewMemoryIndex(vector.EntityExpense, 3)
	expenses.SetClock(tick)
	for _, e := range []vector.Entry{
		{EntityID: 1, Vector: []float32{0.9, 0.1, 0}, SourceText: "Expense: Supermarket purchase",
			Metadata: vector.Metadata{Category: "Food", Amount: amount(150), Currency: "USD", Description: "Supermarket purchase"}},
		{EntityID: 2, Vector: []float32{0, 1, 0.1}, SourceText: "Expense: Gym payment",
			Metadata: vector.Metadata{Category: "Health", Amount: amount(500), Currency: "USD", Description: "Gym payment"}},
		{EntityID: 3, Vector: []float32{0.8, 0.3, 0}, SourceText: "Expense: Market vegetables",
			Metadata: vector.Metadata{Category: "Food", Amount: amount(80), Currency: "USD", Description: "Market vegetables"}},
	} {
		require.NoError(t, expenses.Upsert(ctx, e))
	}

	income := vector.NewMemoryIndex(vector.EntityIncome, 3)
	income.SetClock(tick)
	require.NoError(t, income.Upsert(ctx, vector.Entry{
		EntityID: 1, Vector: []float32{0, 0, 1}, SourceText: "Income: Salary",
		Metadata: vector.Metadata{Category: "Salary", Amount: amount(2000), Currency: "USD", Description: "Salary"},
	}))
	return expenses, income
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinResults = 1
	return cfg
}

func TestRetrieveFoodExpenses(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	o := New(emb, []vector.Index{expenses, income}, logging.Discard())

	out, err := o.Retrieve(context.Background(), "food expenses", Scope{}, testConfig())
	require.NoError(t, err)

	assert.False(t, out.Fallback)
	assert.Equal(t, 2, out.ResultCount)
	assert.Contains(t, out.Text, "Supermarket purchase")
	assert.Contains(t, out.Text, "Market vegetables")
	assert.NotContains(t, out.Text, "Gym payment")
	assert.Less(t, strings.Index(out.Text, "Supermarket purchase"), strings.Index(out.Text, "Market vegetables"))
	assert.InDelta(t, 0.7, out.Thresholds[vector.EntityExpense], 1e-9)
	// Income found nothing and relaxed down to the floor.
	assert.InDelta(t, 0.5, out.Thresholds[vector.EntityIncome], 1e-9)
	assert.Equal(t, int32(1), emb.calls.Load())
}

func TestRetrieveNoRelevantRecords(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	// Points away from every fixture vector, so every similarity clamps to 0.
	emb := &fakeEmbedder{vec: []float32{-1, -1, -1}}
	o := New(emb, []vector.Index{expenses, income}, logging.Discard())

	cfg := testConfig()
	cfg.FloorThreshold = 0.5
	out, err := o.Retrieve(context.Background(), "crypto mining rewards", Scope{}, cfg)
	require.NoError(t, err)

	assert.Equal(t, contextbuilder.NoResultsMessage, out.Text)
	assert.Zero(t, out.ResultCount)
	assert.False(t, out.Truncated)
	assert.False(t, out.Fallback)
	require.Len(t, out.Thresholds, 2)
	for et, threshold := range out.Thresholds {
		assert.InDelta(t, cfg.FloorThreshold, threshold, 1e-9, "%s should relax to the floor", et)
	}
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	o := New(emb, []vector.Index{expenses, income}, logging.Discard())

	for _, q := range []string{"", "   \n\t"} {
		_, err := o.Retrieve(context.Background(), q, Scope{}, testConfig())
		var invalid *errs.InvalidInputError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "query", invalid.Field)
	}
	assert.Equal(t, int32(0), emb.calls.Load(), "embedder must not be called for empty queries")
}

func TestRetrieveRejectsUnknownEntityType(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	o := New(&fakeEmbedder{vec: []float32{1, 0, 0}}, []vector.Index{expenses, income}, logging.Discard())

	_, err := o.Retrieve(context.Background(), "anything", Scope{EntityTypes: []vector.EntityType{"budget"}}, testConfig())
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestRetrieveRejectsInvalidTuning(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	o := New(&fakeEmbedder{vec: []float32{1, 0, 0}}, []vector.Index{expenses, income}, logging.Discard())

	cfg := testConfig()
	cfg.ThresholdStep = 0
	_, err := o.Retrieve(context.Background(), "anything", Scope{}, cfg)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestRetrieveFallsBackWhenEmbeddingFails(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	indexes := []vector.Index{expenses, income}
	emb := &fakeEmbedder{err: &errs.EmbeddingGenerationError{Provider: "fake", Attempts: 3, Transient: true, Err: errors.New("503")}}
	o := New(emb, indexes, logging.Discard())

	out, err := o.Retrieve(context.Background(), "what did I spend on food?", Scope{Recency: NewIndexRecency(indexes)}, testConfig())
	require.NoError(t, err)

	assert.True(t, out.Fallback)
	assert.True(t, strings.HasPrefix(out.Text, FallbackNotice))
	assert.Equal(t, 4, out.ResultCount)
	// Newest first: the salary was indexed last.
	assert.Less(t, strings.Index(out.Text, "Salary"), strings.Index(out.Text, "Supermarket purchase"))
	assert.Nil(t, out.Thresholds)
}

func TestRetrieveFallbackWithoutRecencyIsNoticeOnly(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	emb := &fakeEmbedder{err: errs.DimensionMismatch(3, 4)}
	o := New(emb, []vector.Index{expenses, income}, logging.Discard())

	out, err := o.Retrieve(context.Background(), "food", Scope{}, testConfig())
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, FallbackNotice, out.Text)
	assert.Equal(t, 0, out.ResultCount)
}

func TestRetrieveAbsorbsSingleIndexFailure(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	o := New(&fakeEmbedder{vec: []float32{0, 0, 1}}, []vector.Index{brokenIndex{expenses}, income}, logging.Discard())

	out, err := o.Retrieve(context.Background(), "salary", Scope{}, testConfig())
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Equal(t, 1, out.ResultCount)
	assert.Contains(t, out.Text, "[income]")
	_, searched := out.Thresholds[vector.EntityExpense]
	assert.False(t, searched)
}

func TestRetrieveFallsBackWhenEveryIndexFails(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	indexes := []vector.Index{brokenIndex{expenses}, brokenIndex{income}}
	o := New(&fakeEmbedder{vec: []float32{1, 0, 0}}, indexes, logging.Discard())

	out, err := o.Retrieve(context.Background(), "food", Scope{Recency: NewIndexRecency(indexes)}, testConfig())
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Contains(t, out.Text, "Most recent records:")
}

func TestRetrieveTimeoutFallsBack(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	indexes := []vector.Index{expenses, income}
	o := New(&fakeEmbedder{block: true}, indexes, logging.Discard())

	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond

	start := time.Now()
	out, err := o.Retrieve(context.Background(), "food", Scope{Recency: NewIndexRecency(indexes)}, cfg)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, out.Fallback)
	// The recency listing runs on its own deadline, so it still has records.
	assert.Equal(t, 4, out.ResultCount)
}

func TestRetrieveScopeSelection(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	o := New(&fakeEmbedder{vec: []float32{0.5, 0, 0.5}}, []vector.Index{expenses, income}, logging.Discard())

	cfg := testConfig()
	cfg.FloorThreshold = 0.1
	cfg.InitialThreshold = 0.1

	all, err := o.Retrieve(context.Background(), "anything", Scope{EntityTypes: []vector.EntityType{vector.ScopeAll}}, cfg)
	require.NoError(t, err)
	assert.Len(t, all.Thresholds, 2)

	only, err := o.Retrieve(context.Background(), "anything", Scope{EntityTypes: []vector.EntityType{"Income"}}, cfg)
	require.NoError(t, err)
	assert.Len(t, only.Thresholds, 1)
	assert.NotContains(t, only.Text, "[expense]")
}

func TestRetrieveAppliesStructuredFilter(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	o := New(&fakeEmbedder{vec: []float32{1, 0, 0}}, []vector.Index{expenses, income}, logging.Discard())

	scope := Scope{EntityTypes: []vector.EntityType{vector.EntityExpense}, Filter: vector.Filter{AmountMax: amount(100)}}
	out, err := o.Retrieve(context.Background(), "food", scope, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, out.ResultCount)
	assert.Contains(t, out.Text, "Market vegetables")
	assert.NotContains(t, out.Text, "Supermarket purchase")
}

func TestConfigFrom(t *testing.T) {
	rc := config.Default().Retrieval
	rc.MaxTokens = 2000
	rc.MonthlyBreakdown = true

	cfg := ConfigFrom(rc)
	assert.Equal(t, 2000, cfg.MaxTokens)
	assert.Equal(t, 5, cfg.MinResults)
	assert.InDelta(t, 0.05, cfg.ThresholdStep, 1e-12)
	assert.True(t, cfg.Breakdown.MonthlyBreakdown)
	assert.False(t, cfg.Breakdown.CategoryBreakdown)

	empty := ConfigFrom(config.RetrievalConfig{})
	assert.Equal(t, DefaultConfig(), empty)
}

func TestIndexRecencyMergesNewestFirst(t *testing.T) {
	expenses, income := fixtureIndexes(t)
	r := NewIndexRecency([]vector.Index{expenses, income})

	out, err := r.Recent(context.Background(), []vector.EntityType{vector.EntityExpense, vector.EntityIncome}, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, vector.EntityIncome, out[0].EntityType)
	assert.Equal(t, int64(3), out[1].EntityID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Recent(ctx, []vector.EntityType{vector.EntityExpense}, 2)
	assert.ErrorIs(t, err, errs.ErrIndexQuery)
}
