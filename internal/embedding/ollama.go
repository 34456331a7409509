package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
	defaultOllamaDim   = 768
	ollamaMaxChars     = 8192
)

// OllamaOptions configures an OllamaProvider.
type OllamaOptions struct {
	BaseURL       string
	Model         string
	Dimension     int
	MaxInputChars int
	HTTPClient    *http.Client
}

// OllamaProvider uses a local Ollama instance's /api/embed endpoint.
type OllamaProvider struct {
	baseURL  string
	model    string
	dim      int
	maxChars int
	hc       *http.Client
}

// NewOllamaProvider creates a provider, filling defaults for empty options.
func NewOllamaProvider(opts OllamaOptions) *OllamaProvider {
	p := &OllamaProvider{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		model:    opts.Model,
		dim:      opts.Dimension,
		maxChars: opts.MaxInputChars,
		hc:       opts.HTTPClient,
	}
	if p.baseURL == "" {
		p.baseURL = defaultOllamaURL
	}
	if p.model == "" {
		p.model = defaultOllamaModel
	}
	if p.dim <= 0 {
		p.dim = defaultOllamaDim
	}
	if p.maxChars <= 0 {
		p.maxChars = ollamaMaxChars
	}
	if p.hc == nil {
		p.hc = newHTTPClient()
	}
	return p
}

func (p *OllamaProvider) Name() string       { return "ollama:" + p.model }
func (p *OllamaProvider) Dimension() int     { return p.dim }
func (p *OllamaProvider) MaxInputChars() int { return p.maxChars }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *OllamaProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaEmbedResponse
	err := postJSON(ctx, p.hc, "ollama", p.baseURL+"/api/embed", nil, ollamaEmbedRequest{Model: p.model, Input: text}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	return resp.Embeddings[0], nil
}
