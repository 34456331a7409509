package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/fincontext/internal/config"
	"github.com/Napageneral/fincontext/internal/gemini"
)

func TestAzureProviderRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/text-embedding-3-small/embeddings", r.URL.Path)
		assert.Equal(t, "2024-02-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))

		var body azureEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Expense: Taxi", body.Input)

		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,0.5]}],"usage":{"prompt_tokens":3,"total_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewAzureOpenAIProvider(AzureOptions{Endpoint: srv.URL + "/", APIKey: "azure-key", Dimension: 2})
	vec, err := p.EmbedText(context.Background(), "Expense: Taxi")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
	assert.Equal(t, 8191*charsPerToken, p.MaxInputChars())
}

func TestAzureProviderClassifiesStatus(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		p := NewAzureOpenAIProvider(AzureOptions{Endpoint: srv.URL, APIKey: "k"})
		_, err := p.EmbedText(context.Background(), "x")
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.transient, IsTransient(err), "status %d", tc.code)
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, tc.code, statusErr.Code)
	}
}

func TestOllamaProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var body ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body.Model)
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaOptions{BaseURL: srv.URL, Dimension: 3})
	vec, err := p.EmbedText(context.Background(), "groceries")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, "ollama:nomic-embed-text", p.Name())
}

func TestOllamaProviderUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOllamaProvider(OllamaOptions{BaseURL: url})
	_, err := p.EmbedText(context.Background(), "groceries")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGeminiProvidersUseTaskTypes(t *testing.T) {
	var (
		mu    sync.Mutex
		tasks []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskType string `json:"taskType"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		tasks = append(tasks, req.TaskType)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"embedding":{"values":[1,2,3,4]}}`))
	}))
	defer srv.Close()

	query, document, err := NewProviders(config.EmbeddingConfig{Provider: "gemini", APIKey: "k", Endpoint: srv.URL, Dimension: 4})
	require.NoError(t, err)

	vec, err := query.EmbedText(context.Background(), "rent")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vec)
	_, err = document.EmbedText(context.Background(), "Expense: Rent | Category: Housing")
	require.NoError(t, err)

	assert.Equal(t, []string{gemini.TaskRetrievalQuery, gemini.TaskRetrievalDocument}, tasks)
	assert.Equal(t, 2048*charsPerToken, query.MaxInputChars())

	// Both providers meter through the same client.
	usage := query.(UsageReporter).Usage()
	assert.Equal(t, int64(2), usage.Calls)
	assert.Equal(t, usage, document.(UsageReporter).Usage())
}

func TestGeminiProviderEmbedTexts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":batchEmbedContents"), r.URL.Path)
		var req gemini.BatchEmbedContentsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 2)
		for _, item := range req.Requests {
			assert.Equal(t, gemini.TaskRetrievalDocument, item.TaskType)
		}
		_, _ = w.Write([]byte(`{"embeddings":[{"values":[1,0]},{"values":[0,1]}]}`))
	}))
	defer srv.Close()

	_, document, err := NewProviders(config.EmbeddingConfig{Provider: "gemini", APIKey: "k", Endpoint: srv.URL, Dimension: 2})
	require.NoError(t, err)
	bp, ok := document.(BatchProvider)
	require.True(t, ok)
	assert.Equal(t, 100, bp.MaxBatch())

	vecs, err := bp.EmbedTexts(context.Background(), []string{"Expense: Rent", "Income: Salary"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestNewProvidersValidation(t *testing.T) {
	_, _, err := NewProviders(config.EmbeddingConfig{Provider: "gemini"})
	assert.Error(t, err)
	_, _, err = NewProviders(config.EmbeddingConfig{Provider: "azure", APIKey: "k"})
	assert.Error(t, err)
	_, _, err = NewProviders(config.EmbeddingConfig{Provider: "mystery"})
	assert.Error(t, err)

	query, document, err := NewProviders(config.EmbeddingConfig{Provider: "LOCAL", Dimension: 32})
	require.NoError(t, err)
	assert.Equal(t, 32, query.Dimension())
	assert.Same(t, query, document)
}
