// Package embedding turns text into fixed-length vectors through a pluggable provider.
//
// A Provider does one HTTP (or local) call per text and classifies its failures.
// The Generator wraps a Provider with input normalisation, truncation, bounded
// retries and dimension validation.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Napageneral/fincontext/internal/config"
	"github.com/Napageneral/fincontext/internal/gemini"
)

// Provider produces one embedding per call.
type Provider interface {
	Name() string
	Dimension() int
	// MaxInputChars is the longest input, in runes, the provider accepts.
	MaxInputChars() int
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// BatchProvider embeds several texts per call. The result holds one vector
// per text, in order.
type BatchProvider interface {
	Provider
	// MaxBatch is the most texts one EmbedTexts call may carry.
	MaxBatch() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Usage is what a provider has consumed since the process started.
type Usage struct {
	Calls            int64   `json:"calls"`
	Chars            int64   `json:"chars"`
	FailedCalls      int64   `json:"failed_calls"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Calls:            u.Calls + o.Calls,
		Chars:            u.Chars + o.Chars,
		FailedCalls:      u.FailedCalls + o.FailedCalls,
		EstimatedCostUSD: u.EstimatedCostUSD + o.EstimatedCostUSD,
	}
}

// UsageReporter is implemented by providers that meter their calls.
type UsageReporter interface {
	Usage() Usage
}

// Approximate characters per token used to size provider input limits.
const charsPerToken = 4

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying (timeouts, rate limits, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// NewProviders builds the providers selected in cfg: one for search queries and
// one for the documents being indexed. They differ only for providers that
// embed queries and documents differently, and then share one client.
func NewProviders(cfg config.EmbeddingConfig) (query, document Provider, err error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini":
		if cfg.APIKey == "" {
			return nil, nil, fmt.Errorf("gemini provider requires GEMINI_API_KEY")
		}
		var opts []gemini.Option
		if cfg.Endpoint != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Endpoint))
		}
		client := gemini.NewClient(cfg.APIKey, opts...)
		geminiOpts := func(task string) GeminiOptions {
			return GeminiOptions{
				Model:         cfg.Model,
				Dimension:     cfg.Dimension,
				MaxInputChars: cfg.MaxInputChars,
				TaskType:      task,
			}
		}
		return NewGeminiProvider(client, geminiOpts(gemini.TaskRetrievalQuery)),
			NewGeminiProvider(client, geminiOpts(gemini.TaskRetrievalDocument)), nil
	case "azure":
		if cfg.APIKey == "" || cfg.Endpoint == "" {
			return nil, nil, fmt.Errorf("azure provider requires AZURE_OPENAI_API_KEY and AZURE_OPENAI_ENDPOINT")
		}
		p := NewAzureOpenAIProvider(AzureOptions{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Deployment:    cfg.Model,
			Dimension:     cfg.Dimension,
			MaxInputChars: cfg.MaxInputChars,
		})
		return p, p, nil
	case "ollama":
		p := NewOllamaProvider(OllamaOptions{
			BaseURL:       cfg.Endpoint,
			Model:         cfg.Model,
			Dimension:     cfg.Dimension,
			MaxInputChars: cfg.MaxInputChars,
		})
		return p, p, nil
	case "local":
		p := NewLocalProvider(cfg.Dimension, cfg.MaxInputChars)
		return p, p, nil
	}
	return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}
