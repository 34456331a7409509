package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Napageneral/fincontext/internal/errs"
	"github.com/Napageneral/fincontext/internal/vector"
)

// recordingQuerier returns every candidate whose similarity passes the filter
// threshold and records each threshold it was asked for.
type recordingQuerier struct {
	candidates []vector.SearchResult
	thresholds []float64
	err        error
}

func (q *recordingQuerier) Query(ctx context.Context, vec []float32, filter vector.Filter, k int) ([]vector.SearchResult, error) {
	q.thresholds = append(q.thresholds, filter.MinSimilarity)
	if q.err != nil {
		return nil, q.err
	}
	var out []vector.SearchResult
	for _, c := range q.candidates {
		if c.Similarity >= filter.MinSimilarity {
			out = append(out, c)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func defaultParams() AdaptiveParams {
	return AdaptiveParams{MinResults: 5, InitialThreshold: 0.7, Step: 0.05, FloorThreshold: 0.5, Limit: 10}
}

func TestAdaptiveStopsAtInitialWhenEnough(t *testing.T) {
	q := &recordingQuerier{}
	for i := 0; i < 6; i++ {
		q.candidates = append(q.candidates, vector.SearchResult{EntityID: int64(i), Similarity: 0.9})
	}

	out, err := Adaptive(context.Background(), q, nil, vector.Filter{}, defaultParams())
	if err != nil {
		t.Fatalf("Adaptive: %v", err)
	}
	if out.ThresholdUsed != 0.7 || out.Attempts != 1 || len(out.Results) != 6 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestAdaptiveRelaxesUntilMinimum(t *testing.T) {
	q := &recordingQuerier{candidates: []vector.SearchResult{
		{EntityID: 1, Similarity: 0.8},
		{EntityID: 2, Similarity: 0.62},
		{EntityID: 3, Similarity: 0.61},
	}}
	p := defaultParams()
	p.MinResults = 3

	out, err := Adaptive(context.Background(), q, nil, vector.Filter{}, p)
	if err != nil {
		t.Fatalf("Adaptive: %v", err)
	}
	if out.ThresholdUsed != 0.6 {
		t.Fatalf("expected threshold 0.6, got %v", out.ThresholdUsed)
	}
	want := []float64{0.7, 0.65, 0.6}
	if len(q.thresholds) != len(want) {
		t.Fatalf("expected thresholds %v, got %v", want, q.thresholds)
	}
	for i := range want {
		if q.thresholds[i] != want[i] {
			t.Fatalf("threshold %d: expected %v, got %v", i, want[i], q.thresholds[i])
		}
	}
}

func TestAdaptiveTestsFloorExactlyOnce(t *testing.T) {
	q := &recordingQuerier{candidates: []vector.SearchResult{{EntityID: 1, Similarity: 0.3}}}

	out, err := Adaptive(context.Background(), q, nil, vector.Filter{}, defaultParams())
	if err != nil {
		t.Fatalf("Adaptive: %v", err)
	}
	if out.ThresholdUsed != 0.5 {
		t.Fatalf("expected floor 0.5, got %v", out.ThresholdUsed)
	}
	if len(out.Results) != 0 {
		t.Fatalf("expected empty results at floor, got %+v", out.Results)
	}
	floorHits := 0
	for _, th := range q.thresholds {
		if th == 0.5 {
			floorHits++
		}
		if th < 0.5 || th > 0.7 {
			t.Fatalf("threshold %v outside [floor, initial]", th)
		}
	}
	if floorHits != 1 {
		t.Fatalf("floor queried %d times", floorHits)
	}
	if out.Attempts != 5 {
		t.Fatalf("expected 5 attempts (0.7..0.5), got %d", out.Attempts)
	}
}

func TestAdaptiveClampsOvershootToFloor(t *testing.T) {
	q := &recordingQuerier{}
	p := defaultParams()
	p.Step = 0.15

	out, err := Adaptive(context.Background(), q, nil, vector.Filter{}, p)
	if err != nil {
		t.Fatalf("Adaptive: %v", err)
	}
	want := []float64{0.7, 0.55, 0.5}
	if len(q.thresholds) != len(want) {
		t.Fatalf("expected thresholds %v, got %v", want, q.thresholds)
	}
	for i := range want {
		if q.thresholds[i] != want[i] {
			t.Fatalf("threshold %d: expected %v, got %v", i, want[i], q.thresholds[i])
		}
	}
	if out.ThresholdUsed != 0.5 {
		t.Fatalf("expected floor, got %v", out.ThresholdUsed)
	}
}

func TestAdaptiveInitialEqualsFloor(t *testing.T) {
	q := &recordingQuerier{}
	p := defaultParams()
	p.InitialThreshold = 0.5

	out, err := Adaptive(context.Background(), q, nil, vector.Filter{}, p)
	if err != nil {
		t.Fatalf("Adaptive: %v", err)
	}
	if out.Attempts != 1 || out.ThresholdUsed != 0.5 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestAdaptiveKeepsStructuredFilter(t *testing.T) {
	q := &filterCapture{}
	filter := vector.Filter{Category: "Food", MinSimilarity: 0.99}

	if _, err := Adaptive(context.Background(), q, nil, filter, defaultParams()); err != nil {
		t.Fatalf("Adaptive: %v", err)
	}
	if q.last.Category != "Food" {
		t.Fatalf("structured filter dropped: %+v", q.last)
	}
	if q.last.MinSimilarity != 0.5 {
		t.Fatalf("threshold should override caller MinSimilarity, got %v", q.last.MinSimilarity)
	}
}

type filterCapture struct{ last vector.Filter }

func (f *filterCapture) Query(ctx context.Context, vec []float32, filter vector.Filter, k int) ([]vector.SearchResult, error) {
	f.last = filter
	return nil, nil
}

func TestAdaptiveValidation(t *testing.T) {
	cases := map[string]AdaptiveParams{
		"zero step":      {MinResults: 1, InitialThreshold: 0.7, Step: 0, FloorThreshold: 0.5, Limit: 10},
		"negative step":  {MinResults: 1, InitialThreshold: 0.7, Step: -0.1, FloorThreshold: 0.5, Limit: 10},
		"floor too high": {MinResults: 1, InitialThreshold: 0.5, Step: 0.05, FloorThreshold: 0.7, Limit: 10},
		"zero limit":     {MinResults: 1, InitialThreshold: 0.7, Step: 0.05, FloorThreshold: 0.5, Limit: 0},
	}
	for name, p := range cases {
		q := &recordingQuerier{}
		_, err := Adaptive(context.Background(), q, nil, vector.Filter{}, p)
		if !errors.Is(err, errs.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
		if len(q.thresholds) != 0 {
			t.Fatalf("%s: index queried despite invalid params", name)
		}
	}
}

func TestAdaptivePropagatesIndexError(t *testing.T) {
	boom := errs.IndexQuery("expense", "query", errors.New("disk gone"))
	q := &recordingQuerier{err: boom}

	out, err := Adaptive(context.Background(), q, nil, vector.Filter{}, defaultParams())
	if !errors.Is(err, errs.ErrIndexQuery) {
		t.Fatalf("expected index error, got %v", err)
	}
	if out.Attempts != 1 {
		t.Fatalf("expected to stop after first failure, got %d attempts", out.Attempts)
	}
}

// Three expenses, a "food expenses" query: both food items come back ranked,
// the gym payment is excluded.
func TestAdaptiveFoodExpensesScenario(t *testing.T) {
	ctx := context.Background()
	idx := vector.NewMemoryIndex(vector.EntityExpense, 3)
	entries := []vector.Entry{
		{EntityID: 1, Vector: []float32{0.9, 0.1, 0.0}, SourceText: "Supermarket purchase | Category: food | Amount: 150"},
		{EntityID: 2, Vector: []float32{0.0, 1.0, 0.1}, SourceText: "Gym payment | Category: health | Amount: 500"},
		{EntityID: 3, Vector: []float32{0.8, 0.3, 0.0}, SourceText: "Market vegetables | Category: food | Amount: 80"},
	}
	for _, e := range entries {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	query := []float32{1, 0, 0}
	out, err := Adaptive(ctx, idx, query, vector.Filter{}, AdaptiveParams{
		MinResults: 1, InitialThreshold: 0.7, Step: 0.05, FloorThreshold: 0.5, Limit: 10,
	})
	if err != nil {
		t.Fatalf("Adaptive: %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected two food results, got %+v", out.Results)
	}
	if out.Results[0].EntityID != 1 || out.Results[1].EntityID != 3 {
		t.Fatalf("unexpected ranking: %d, %d", out.Results[0].EntityID, out.Results[1].EntityID)
	}
	for _, r := range out.Results {
		if r.Similarity < 0 || r.Similarity > 1 {
			t.Fatalf("similarity out of range: %v", r.Similarity)
		}
	}
}

func TestMergeOrdersGloballyWithTieBreak(t *testing.T) {
	now := time.Now()
	sets := map[vector.EntityType][]vector.SearchResult{
		vector.EntityIncome: {
			{EntityID: 2, EntityType: vector.EntityIncome, Similarity: 0.9, UpdatedAt: now},
			{EntityID: 1, EntityType: vector.EntityIncome, Similarity: 0.6},
		},
		vector.EntityExpense: {
			{EntityID: 9, EntityType: vector.EntityExpense, Similarity: 0.9},
			{EntityID: 3, EntityType: vector.EntityExpense, Similarity: 0.9},
			{EntityID: 4, EntityType: vector.EntityExpense, Similarity: 0.75},
		},
	}

	merged := Merge(sets, 0)
	type key struct {
		t  vector.EntityType
		id int64
	}
	want := []key{
		{vector.EntityExpense, 3},
		{vector.EntityExpense, 9},
		{vector.EntityIncome, 2},
		{vector.EntityExpense, 4},
		{vector.EntityIncome, 1},
	}
	if len(merged) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(merged))
	}
	for i, w := range want {
		if merged[i].EntityType != w.t || merged[i].EntityID != w.id {
			t.Fatalf("position %d: expected %v, got %s/%d", i, w, merged[i].EntityType, merged[i].EntityID)
		}
	}

	// Inputs are left untouched.
	if sets[vector.EntityExpense][0].EntityID != 9 {
		t.Fatalf("input slice was reordered")
	}
}

func TestMergeTruncatesWithoutQuota(t *testing.T) {
	sets := map[vector.EntityType][]vector.SearchResult{
		vector.EntityExpense: {
			{EntityID: 1, EntityType: vector.EntityExpense, Similarity: 0.95},
			{EntityID: 2, EntityType: vector.EntityExpense, Similarity: 0.94},
			{EntityID: 3, EntityType: vector.EntityExpense, Similarity: 0.93},
		},
		vector.EntityIncome: {
			{EntityID: 1, EntityType: vector.EntityIncome, Similarity: 0.5},
		},
	}
	merged := Merge(sets, 2)
	if len(merged) != 2 {
		t.Fatalf("expected 2 results, got %d", len(merged))
	}
	for _, r := range merged {
		if r.EntityType != vector.EntityExpense {
			t.Fatalf("no per-type quota expected, got %+v", merged)
		}
	}

	if got := Merge(nil, 5); len(got) != 0 {
		t.Fatalf("expected empty merge, got %+v", got)
	}
}
