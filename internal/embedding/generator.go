package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/fincontext/internal/errs"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultBatchWorkers   = 4
	backoffJitterPercent  = 20
)

// Options tunes a Generator. Zero values take defaults.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	BatchWorkers   int
	Logger         *slog.Logger
}

// Generator embeds text through a Provider. It keeps no state between calls
// and is safe for concurrent use.
type Generator struct {
	provider     Provider
	maxAttempts  int
	backoff      time.Duration
	batchWorkers int
	logger       *slog.Logger
}

// NewGenerator wraps provider.
func NewGenerator(provider Provider, opts Options) *Generator {
	g := &Generator{
		provider:     provider,
		maxAttempts:  opts.MaxAttempts,
		backoff:      opts.InitialBackoff,
		batchWorkers: opts.BatchWorkers,
		logger:       opts.Logger,
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = defaultMaxAttempts
	}
	if g.backoff <= 0 {
		g.backoff = defaultInitialBackoff
	}
	if g.batchWorkers <= 0 {
		g.batchWorkers = defaultBatchWorkers
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// WithBatchWorkers returns a copy of g whose EmbedBatch embeds up to n texts
// at once when the provider cannot batch. n <= 0 keeps g's setting.
func (g *Generator) WithBatchWorkers(n int) *Generator {
	c := *g
	if n > 0 {
		c.batchWorkers = n
	}
	return &c
}

// Dimension is the vector length every successful Embed returns.
func (g *Generator) Dimension() int { return g.provider.Dimension() }

// ProviderName identifies the configured provider.
func (g *Generator) ProviderName() string { return g.provider.Name() }

// Usage reports the provider's accumulated usage. ok is false when the
// provider does not track it.
func (g *Generator) Usage() (u Usage, ok bool) {
	r, ok := g.provider.(UsageReporter)
	if !ok {
		return Usage{}, false
	}
	return r.Usage(), true
}

// Embed returns the embedding of text.
//
// Whitespace runs are collapsed and the input is truncated to the provider's limit.
// Transient provider failures are retried with exponential backoff; retrying stops
// early when the next wait would outlive ctx's deadline.
func (g *Generator) Embed(ctx context.Context, text string) ([]float32, error) {
	cleaned, err := g.Prepare(text)
	if err != nil {
		return nil, err
	}

	var vec []float32
	err = g.do(ctx, func(ctx context.Context) error {
		out, err := g.provider.EmbedText(ctx, cleaned)
		if err != nil {
			return err
		}
		vec = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g.checkDimension(vec)
}

// do runs call with the generator's retry policy and wraps a final failure
// in an EmbeddingGenerationError.
func (g *Generator) do(ctx context.Context, call func(ctx context.Context) error) error {
	attempts := 0
	deadlineAbort := false

	err := retry.Do(ctx, g.newBackoff(ctx, &deadlineAbort), func(ctx context.Context) error {
		attempts++
		err := call(ctx)
		if err != nil && IsTransient(err) {
			g.logger.Warn("embedding attempt failed",
				"provider", g.provider.Name(), "attempt", attempts, "max_attempts", g.maxAttempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	transient := IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	g.logger.Error("embedding generation failed",
		"provider", g.provider.Name(), "attempts", attempts, "transient", transient,
		"deadline_abort", deadlineAbort, "error", err)
	return &errs.EmbeddingGenerationError{
		Provider:  g.provider.Name(),
		Attempts:  attempts,
		Transient: transient,
		Err:       err,
	}
}

func (g *Generator) checkDimension(vec []float32) ([]float32, error) {
	if dim := g.provider.Dimension(); len(vec) != dim {
		g.logger.Error("embedding dimension mismatch: index data may be incompatible with the configured provider",
			"provider", g.provider.Name(), "expected", dim, "got", len(vec))
		return nil, errs.DimensionMismatch(dim, len(vec))
	}
	return vec, nil
}

// EmbedBatch embeds texts. vecs[i] and errs[i] describe texts[i]; a failure in
// one item does not affect the others.
//
// Providers that implement BatchProvider get the prepared texts in chunks of
// at most MaxBatch. A chunk the provider rejects as a whole is retried one
// text at a time. Other providers are called concurrently, one text each.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []error) {
	vecs := make([][]float32, len(texts))
	failures := make([]error, len(texts))

	var single []int
	if bp, ok := g.provider.(BatchProvider); ok {
		single = g.embedChunks(ctx, bp, texts, vecs, failures)
	} else {
		for i := range texts {
			single = append(single, i)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(g.batchWorkers)
	for _, i := range single {
		group.Go(func() error {
			vecs[i], failures[i] = g.Embed(gctx, texts[i])
			return nil
		})
	}
	_ = group.Wait()

	failed := 0
	for _, err := range failures {
		if err != nil {
			failed++
		}
	}
	g.logger.Info("embedding batch complete", "provider", g.provider.Name(), "total", len(texts), "failed", failed)
	return vecs, failures
}

// embedChunks fills vecs and failures through bp and returns the positions
// that still need embedding one at a time.
func (g *Generator) embedChunks(ctx context.Context, bp BatchProvider, texts []string, vecs [][]float32, failures []error) []int {
	var (
		pending  []int
		prepared []string
		fallback []int
	)
	for i, text := range texts {
		cleaned, err := g.Prepare(text)
		if err != nil {
			failures[i] = err
			continue
		}
		pending = append(pending, i)
		prepared = append(prepared, cleaned)
	}

	size := bp.MaxBatch()
	if size <= 0 {
		size = len(prepared)
	}
	for start := 0; start < len(prepared); start += size {
		end := min(start+size, len(prepared))
		positions := pending[start:end]

		var out [][]float32
		err := g.do(ctx, func(ctx context.Context) error {
			res, err := bp.EmbedTexts(ctx, prepared[start:end])
			if err == nil && len(res) != end-start {
				err = fmt.Errorf("provider returned %d vectors for %d texts", len(res), end-start)
			}
			out = res
			return err
		})
		if err != nil {
			g.logger.Warn("embedding chunk failed, embedding texts one at a time",
				"provider", g.provider.Name(), "texts", len(positions), "error", err)
			fallback = append(fallback, positions...)
			continue
		}
		for j, i := range positions {
			vecs[i], failures[i] = g.checkDimension(out[j])
		}
	}
	return fallback
}

// Prepare collapses whitespace runs and truncates text to the provider's
// input limit. The result is exactly what Embed sends to the provider.
func (g *Generator) Prepare(text string) (string, error) {
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return "", errs.InvalidInput("text", "must not be empty")
	}

	limit := g.provider.MaxInputChars()
	if limit > 0 {
		runes := []rune(cleaned)
		if len(runes) > limit {
			g.logger.Warn("embedding input truncated",
				"provider", g.provider.Name(), "original_chars", len(runes), "truncated_chars", limit)
			cleaned = string(runes[:limit])
		}
	}
	return cleaned, nil
}

func (g *Generator) newBackoff(ctx context.Context, deadlineAbort *bool) retry.Backoff {
	b := retry.NewExponential(g.backoff)
	b = retry.WithJitterPercent(backoffJitterPercent, b)
	b = retry.WithMaxRetries(uint64(g.maxAttempts-1), b)
	return withDeadline(ctx, b, deadlineAbort)
}

// withDeadline stops the backoff when the next wait would not finish before ctx's deadline.
func withDeadline(ctx context.Context, next retry.Backoff, aborted *bool) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= d {
			*aborted = true
			return 0, true
		}
		return d, false
	})
}
