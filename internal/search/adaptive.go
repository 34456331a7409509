// Package search implements threshold-relaxing similarity search over a single
// index and the global merge of per-type result sets.
package search

import (
	"context"
	"math"

	"github.com/Napageneral/fincontext/internal/errs"
	"github.com/Napageneral/fincontext/internal/vector"
)

// AdaptiveParams are the explicit inputs of one adaptive search.
type AdaptiveParams struct {
	MinResults       int
	InitialThreshold float64
	Step             float64
	FloorThreshold   float64
	// Limit is the per-query k. Values above vector.MaxK are capped.
	Limit int
}

// Outcome is what an adaptive search settled on.
type Outcome struct {
	Results       []vector.SearchResult
	ThresholdUsed float64
	Attempts      int
}

// Validate rejects parameter sets that cannot produce a terminating search.
func (p AdaptiveParams) Validate() error {
	switch {
	case p.Step <= 0:
		return errs.InvalidInput("step", "must be positive")
	case p.FloorThreshold > p.InitialThreshold:
		return errs.InvalidInput("floor_threshold", "must not exceed initial_threshold")
	case p.InitialThreshold < 0 || p.InitialThreshold > 1:
		return errs.InvalidInput("initial_threshold", "must be within [0,1]")
	case p.FloorThreshold < 0:
		return errs.InvalidInput("floor_threshold", "must be within [0,1]")
	case p.Limit <= 0:
		return errs.InvalidInput("limit", "must be positive")
	}
	return nil
}

// Adaptive queries q at InitialThreshold and relaxes the threshold by Step until
// at least MinResults come back. The floor is queried exactly once; whatever it
// returns (possibly nothing) is the outcome, with ThresholdUsed set to the floor.
// ThresholdUsed always lies in [FloorThreshold, InitialThreshold].
//
// Index errors are returned unchanged along with the attempts made so far.
func Adaptive(ctx context.Context, q vector.Querier, vec []float32, filter vector.Filter, p AdaptiveParams) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return Outcome{}, err
	}

	minResults := p.MinResults
	if minResults < 1 {
		minResults = 1
	}
	floor := roundThreshold(p.FloorThreshold)
	threshold := roundThreshold(p.InitialThreshold)

	var out Outcome
	for {
		out.Attempts++
		f := filter
		f.MinSimilarity = threshold

		results, err := q.Query(ctx, vec, f, p.Limit)
		if err != nil {
			return Outcome{Attempts: out.Attempts, ThresholdUsed: threshold}, err
		}
		out.Results = results
		out.ThresholdUsed = threshold

		if len(results) >= minResults || threshold <= floor {
			return out, nil
		}

		threshold = roundThreshold(threshold - p.Step)
		if threshold < floor {
			threshold = floor
		}
	}
}

// roundThreshold removes float drift so repeated subtraction lands exactly on
// values such as 0.5.
func roundThreshold(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
