package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultAzureDeployment = "text-embedding-3-small"
	defaultAzureDimension  = 1536
	defaultAzureAPIVersion = "2024-02-01"
	azureMaxTokens         = 8191
)

// AzureOptions configures an AzureOpenAIProvider.
type AzureOptions struct {
	Endpoint      string
	APIKey        string
	Deployment    string
	APIVersion    string
	Dimension     int
	MaxInputChars int
	HTTPClient    *http.Client
}

// AzureOpenAIProvider calls an Azure OpenAI embeddings deployment.
type AzureOpenAIProvider struct {
	endpoint   string
	apiKey     string
	deployment string
	apiVersion string
	dim        int
	maxChars   int
	hc         *http.Client
}

// NewAzureOpenAIProvider creates a provider for one deployment.
func NewAzureOpenAIProvider(opts AzureOptions) *AzureOpenAIProvider {
	p := &AzureOpenAIProvider{
		endpoint:   strings.TrimRight(opts.Endpoint, "/"),
		apiKey:     opts.APIKey,
		deployment: opts.Deployment,
		apiVersion: opts.APIVersion,
		dim:        opts.Dimension,
		maxChars:   opts.MaxInputChars,
		hc:         opts.HTTPClient,
	}
	if p.deployment == "" {
		p.deployment = defaultAzureDeployment
	}
	if p.apiVersion == "" {
		p.apiVersion = defaultAzureAPIVersion
	}
	if p.dim <= 0 {
		p.dim = defaultAzureDimension
	}
	if p.maxChars <= 0 {
		p.maxChars = azureMaxTokens * charsPerToken
	}
	if p.hc == nil {
		p.hc = newHTTPClient()
	}
	return p
}

func (p *AzureOpenAIProvider) Name() string       { return "azure:" + p.deployment }
func (p *AzureOpenAIProvider) Dimension() int     { return p.dim }
func (p *AzureOpenAIProvider) MaxInputChars() int { return p.maxChars }

type azureEmbedRequest struct {
	Input string `json:"input"`
}

type azureEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *AzureOpenAIProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	u := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		p.endpoint, url.PathEscape(p.deployment), url.QueryEscape(p.apiVersion))

	var resp azureEmbedResponse
	err := postJSON(ctx, p.hc, "azure", u, map[string]string{"api-key": p.apiKey}, azureEmbedRequest{Input: text}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("azure returned no embedding data")
	}
	return resp.Data[0].Embedding, nil
}
