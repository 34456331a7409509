// Package retrieval turns a natural-language question into a bounded block of
// financial context: embed the question, search every entity type concurrently,
// merge, and render. When semantic search is unavailable it degrades to a
// recency listing instead of failing.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/fincontext/internal/config"
	"github.com/Napageneral/fincontext/internal/contextbuilder"
	"github.com/Napageneral/fincontext/internal/errs"
	"github.com/Napageneral/fincontext/internal/search"
	"github.com/Napageneral/fincontext/internal/vector"
)

// FallbackNotice opens every context produced without semantic search.
const FallbackNotice = "Semantic retrieval is currently unavailable. Showing the most recent records instead."

const (
	fallbackRecentLimit   = 10
	fallbackRecentTimeout = 2 * time.Second
	// fallbackMaxTokens bounds the minimal context independently of the request budget.
	fallbackMaxTokens = 400
)

// Stage names a step of a retrieval request. Stages only move forward.
type Stage string

const (
	StageEmbeddingQuery Stage = "embedding_query"
	StageParallelSearch Stage = "parallel_search"
	StageMerge          Stage = "merge"
	StageAssemble       Stage = "assemble"
	StageDone           Stage = "done"
	StageFallback       Stage = "fallback"
)

// Embedder produces query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// RecencySource lists the most recently updated records across entity types,
// newest first. It backs the fallback path.
type RecencySource interface {
	Recent(ctx context.Context, types []vector.EntityType, k int) ([]vector.SearchResult, error)
}

// Scope selects what a request searches.
type Scope struct {
	// EntityTypes empty, or containing vector.ScopeAll, means every configured type.
	EntityTypes []vector.EntityType
	Filter      vector.Filter
	// Recency is consulted only on the fallback path. Nil yields a notice-only context.
	Recency RecencySource
}

// Config tunes one request.
type Config struct {
	MinResults       int
	InitialThreshold float64
	ThresholdStep    float64
	FloorThreshold   float64
	PerTypeLimit     int
	TotalLimit       int
	MaxTokens        int
	Timeout          time.Duration
	Breakdown        contextbuilder.Options
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MinResults:       5,
		InitialThreshold: 0.7,
		ThresholdStep:    0.05,
		FloorThreshold:   0.5,
		PerTypeLimit:     10,
		TotalLimit:       20,
		MaxTokens:        contextbuilder.DefaultMaxTokens,
		Timeout:          10 * time.Second,
	}
}

// ConfigFrom converts the file configuration, keeping defaults for unset fields.
func ConfigFrom(rc config.RetrievalConfig) Config {
	cfg := DefaultConfig()
	if rc.MinResults > 0 {
		cfg.MinResults = rc.MinResults
	}
	if rc.ThresholdStep > 0 {
		cfg.InitialThreshold = rc.InitialThreshold
		cfg.ThresholdStep = rc.ThresholdStep
		cfg.FloorThreshold = rc.FloorThreshold
	}
	if rc.PerTypeLimit > 0 {
		cfg.PerTypeLimit = rc.PerTypeLimit
	}
	if rc.TotalLimit > 0 {
		cfg.TotalLimit = rc.TotalLimit
	}
	if rc.MaxTokens > 0 {
		cfg.MaxTokens = rc.MaxTokens
	}
	if rc.Timeout > 0 {
		cfg.Timeout = rc.Timeout
	}
	cfg.Breakdown = contextbuilder.Options{
		CategoryBreakdown: rc.CategoryBreakdown,
		MonthlyBreakdown:  rc.MonthlyBreakdown,
	}
	return cfg
}

func (c Config) adaptiveParams() search.AdaptiveParams {
	return search.AdaptiveParams{
		MinResults:       c.MinResults,
		InitialThreshold: c.InitialThreshold,
		Step:             c.ThresholdStep,
		FloorThreshold:   c.FloorThreshold,
		Limit:            c.PerTypeLimit,
	}
}

// Orchestrator runs retrieval requests. It keeps no per-request state, so one
// instance serves concurrent callers.
type Orchestrator struct {
	embedder Embedder
	indexes  map[vector.EntityType]vector.Index
	types    []vector.EntityType
	logger   *slog.Logger
}

// New creates an Orchestrator over one index per entity type. A nil logger
// uses slog.Default().
func New(embedder Embedder, indexes []vector.Index, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		embedder: embedder,
		indexes:  make(map[vector.EntityType]vector.Index, len(indexes)),
		logger:   logger,
	}
	for _, idx := range indexes {
		if _, dup := o.indexes[idx.EntityType()]; !dup {
			o.types = append(o.types, idx.EntityType())
		}
		o.indexes[idx.EntityType()] = idx
	}
	sort.Slice(o.types, func(i, j int) bool { return o.types[i] < o.types[j] })
	return o
}

// EntityTypes returns the configured entity types in name order.
func (o *Orchestrator) EntityTypes() []vector.EntityType {
	return append([]vector.EntityType(nil), o.types...)
}

// ResolveScope expands requested types against the configured ones. Empty or
// "all" selects everything; an unknown type is invalid input.
func (o *Orchestrator) ResolveScope(requested []vector.EntityType) ([]vector.EntityType, error) {
	if len(requested) == 0 {
		return o.EntityTypes(), nil
	}
	seen := map[vector.EntityType]bool{}
	var out []vector.EntityType
	for _, et := range requested {
		et = vector.EntityType(strings.ToLower(strings.TrimSpace(string(et))))
		if et == vector.ScopeAll {
			return o.EntityTypes(), nil
		}
		if _, ok := o.indexes[et]; !ok {
			return nil, errs.InvalidInput("entity_types", fmt.Sprintf("unknown entity type %q", et))
		}
		if !seen[et] {
			seen[et] = true
			out = append(out, et)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Retrieve answers query with a RetrievalContext. The only error it returns is
// invalid input; every downstream failure degrades to the fallback context.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, scope Scope, cfg Config) (contextbuilder.RetrievalContext, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return contextbuilder.RetrievalContext{}, errs.InvalidInput("query", "must not be empty")
	}
	types, err := o.ResolveScope(scope.EntityTypes)
	if err != nil {
		return contextbuilder.RetrievalContext{}, err
	}
	if err := cfg.adaptiveParams().Validate(); err != nil {
		return contextbuilder.RetrievalContext{}, err
	}

	started := time.Now()
	parent := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	o.stage(StageEmbeddingQuery, "types", types)
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			return contextbuilder.RetrievalContext{}, err
		}
		o.logger.Warn("query embedding failed, falling back", "error", err)
		return o.fallback(parent, scope, types, cfg), nil
	}

	o.stage(StageParallelSearch)
	sets, thresholds, failed := o.searchAll(ctx, vec, types, scope.Filter, cfg)
	if failed == len(types) {
		o.logger.Warn("every index search failed, falling back", "types", len(types))
		return o.fallback(parent, scope, types, cfg), nil
	}

	o.stage(StageMerge)
	merged := search.Merge(sets, cfg.TotalLimit)

	o.stage(StageAssemble)
	out := contextbuilder.NewAssembler(cfg.Breakdown, o.logger).Assemble(merged, query, cfg.MaxTokens)
	out.Thresholds = thresholds

	o.stage(StageDone,
		"results", out.ResultCount, "failed_types", failed,
		"estimated_tokens", out.EstimatedTokens, "truncated", out.Truncated,
		"elapsed", time.Since(started))
	return out, nil
}

// searchAll runs the adaptive search for every type concurrently. A failing type
// is logged and contributes nothing.
func (o *Orchestrator) searchAll(ctx context.Context, vec []float32, types []vector.EntityType, filter vector.Filter, cfg Config) (map[vector.EntityType][]vector.SearchResult, map[vector.EntityType]float64, int) {
	var (
		mu         sync.Mutex
		sets       = make(map[vector.EntityType][]vector.SearchResult, len(types))
		thresholds = make(map[vector.EntityType]float64, len(types))
		failed     int
	)

	var g errgroup.Group
	g.SetLimit(len(types))
	params := cfg.adaptiveParams()
	for _, et := range types {
		idx := o.indexes[et]
		g.Go(func() error {
			out, err := search.Adaptive(ctx, idx, vec, filter, params)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				o.logger.Warn("index search failed", "entity_type", et, "attempts", out.Attempts, "error", err)
				return nil
			}
			sets[et] = out.Results
			thresholds[et] = out.ThresholdUsed
			o.logger.Debug("index searched", "entity_type", et,
				"results", len(out.Results), "threshold", out.ThresholdUsed, "attempts", out.Attempts)
			return nil
		})
	}
	_ = g.Wait()
	return sets, thresholds, failed
}

// fallback renders the notice plus recent records. It never fails and uses its
// own short deadline, detached from the request's, so an expired request still
// gets a listing.
func (o *Orchestrator) fallback(parent context.Context, scope Scope, types []vector.EntityType, cfg Config) contextbuilder.RetrievalContext {
	o.stage(StageFallback)

	var recent []vector.SearchResult
	if scope.Recency != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), fallbackRecentTimeout)
		defer cancel()
		var err error
		recent, err = scope.Recency.Recent(ctx, types, fallbackRecentLimit)
		if err != nil {
			o.logger.Warn("recent records unavailable for fallback", "error", err)
			recent = nil
		}
	}

	budget := fallbackMaxTokens
	if cfg.MaxTokens > 0 && cfg.MaxTokens < budget {
		budget = cfg.MaxTokens
	}
	out := contextbuilder.NewAssembler(cfg.Breakdown, o.logger).AssembleMinimal(recent, FallbackNotice, budget)
	out.Fallback = true
	return out
}

func (o *Orchestrator) stage(s Stage, args ...any) {
	o.logger.Debug("retrieval stage", append([]any{"stage", s}, args...)...)
}
