package embedding

import (
	"context"

	"github.com/Napageneral/fincontext/internal/gemini"
)

const (
	defaultGeminiModel     = "text-embedding-004"
	defaultGeminiDimension = 768
	geminiMaxTokens        = 2048

	// geminiMaxBatch is the batchEmbedContents request limit.
	geminiMaxBatch = 100
)

// GeminiOptions configures a GeminiProvider. Zero values take defaults.
type GeminiOptions struct {
	Model         string
	Dimension     int
	MaxInputChars int
	TaskType      string
}

// GeminiProvider embeds text with the Gemini embedContent API.
type GeminiProvider struct {
	client   *gemini.Client
	model    string
	dim      int
	maxChars int
	taskType string
}

// NewGeminiProvider wraps client.
func NewGeminiProvider(client *gemini.Client, opts GeminiOptions) *GeminiProvider {
	p := &GeminiProvider{
		client:   client,
		model:    opts.Model,
		dim:      opts.Dimension,
		maxChars: opts.MaxInputChars,
		taskType: opts.TaskType,
	}
	if p.model == "" {
		p.model = defaultGeminiModel
	}
	if p.dim <= 0 {
		p.dim = defaultGeminiDimension
	}
	if p.maxChars <= 0 {
		p.maxChars = geminiMaxTokens * charsPerToken
	}
	return p
}

func (p *GeminiProvider) Name() string       { return "gemini:" + p.model }
func (p *GeminiProvider) Dimension() int     { return p.dim }
func (p *GeminiProvider) MaxInputChars() int { return p.maxChars }
func (p *GeminiProvider) MaxBatch() int      { return geminiMaxBatch }

// Usage reports the client's counters. Providers sharing a client report the same totals.
func (p *GeminiProvider) Usage() Usage {
	st := p.client.GetUsageStats()
	return Usage{
		Calls:            st.EmbedCalls,
		Chars:            st.EmbedChars,
		FailedCalls:      st.FailedCalls,
		EstimatedCostUSD: st.EstimatedCostUSD,
	}
}

func (p *GeminiProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.EmbedContent(ctx, &gemini.EmbedContentRequest{
		Model:    p.model,
		Content:  gemini.Content{Parts: []gemini.Part{{Text: text}}},
		TaskType: p.taskType,
	})
	if err != nil {
		if gemini.IsRetryable(err) {
			return nil, Transient(err)
		}
		return nil, err
	}
	return resp.Embedding.Values, nil
}

// EmbedTexts embeds up to geminiMaxBatch texts with one batchEmbedContents call.
func (p *GeminiProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	reqs := make([]gemini.EmbedContentRequest, len(texts))
	for i, text := range texts {
		reqs[i] = gemini.EmbedContentRequest{
			Content:  gemini.Content{Parts: []gemini.Part{{Text: text}}},
			TaskType: p.taskType,
		}
	}
	resp, err := p.client.BatchEmbedContents(ctx, p.model, reqs)
	if err != nil {
		if gemini.IsRetryable(err) {
			return nil, Transient(err)
		}
		return nil, err
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
