package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout      = 30 * time.Second
	maxIdleConns        = 100
	maxConnsPerHost     = 100
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// Client is a Gemini embeddings API client with HTTP/2 pooling.
// Calls are single-shot; retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// Usage tracking
	usageMu         sync.Mutex
	totalEmbedChars int64
	embedCalls      int64
	failedCalls     int64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new Gemini client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true, // Enable HTTP/2
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) buildRequest(ctx context.Context, endpoint string, body []byte) (*http.Request, error) {
	u := fmt.Sprintf("%s/%s?key=%s", c.baseURL, endpoint, url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text,omitempty"`
}

// APIError is returned for non-2xx responses and for error payloads.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error %d (%s): %s", e.Code, e.Status, e.Message)
}

// Retryable reports whether the failure is worth retrying (rate limits and server errors).
func (e *APIError) Retryable() bool {
	return isRetryableStatus(e.Code)
}

// Task types accepted by embedContent.
const (
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// EmbedContentRequest for embedding API
type EmbedContentRequest struct {
	Model                string  `json:"model"`
	Content              Content `json:"content"`
	TaskType             string  `json:"taskType,omitempty"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

type EmbedContentResponse struct {
	Embedding *Embedding `json:"embedding,omitempty"`
	Error     *APIError  `json:"error,omitempty"`
}

// BatchEmbedContentsRequest for batch embedding API
type BatchEmbedContentsRequest struct {
	Requests []EmbedContentRequest `json:"requests"`
}

// BatchEmbedContentsResponse for batch embedding API
type BatchEmbedContentsResponse struct {
	Embeddings []Embedding `json:"embeddings,omitempty"`
	Error      *APIError   `json:"error,omitempty"`
}

type Embedding struct {
	Values []float32 `json:"values"`
}

// EmbedContent calls the Gemini embedContent API
func (c *Client) EmbedContent(ctx context.Context, req *EmbedContentRequest) (*EmbedContentResponse, error) {
	// Calculate character count for cost tracking
	charCount := 0
	for _, part := range req.Content.Parts {
		charCount += len(part.Text)
	}

	model := strings.TrimPrefix(req.Model, "models/")
	req.Model = "models/" + model

	var result EmbedContentResponse
	if err := c.post(ctx, fmt.Sprintf("models/%s:embedContent", model), req, &result); err != nil {
		return nil, err
	}
	if result.Error != nil {
		c.recordFailure()
		return nil, result.Error
	}
	if result.Embedding == nil || len(result.Embedding.Values) == 0 {
		c.recordFailure()
		return nil, fmt.Errorf("gemini embedContent returned no embedding")
	}

	c.recordEmbedUsage(charCount)
	return &result, nil
}

// BatchEmbedContents calls the Gemini batchEmbedContents API for batch embeddings
func (c *Client) BatchEmbedContents(ctx context.Context, model string, requests []EmbedContentRequest) (*BatchEmbedContentsResponse, error) {
	// Calculate total character count for cost tracking
	totalCharCount := 0
	for _, req := range requests {
		for _, part := range req.Content.Parts {
			totalCharCount += len(part.Text)
		}
	}

	// Set model in each request (must be fully qualified with models/ prefix)
	model = strings.TrimPrefix(model, "models/")
	fullModel := "models/" + model
	for i := range requests {
		requests[i].Model = fullModel
	}

	var result BatchEmbedContentsResponse
	err := c.post(ctx, fmt.Sprintf("models/%s:batchEmbedContents", model), BatchEmbedContentsRequest{Requests: requests}, &result)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		c.recordFailure()
		return nil, result.Error
	}
	if len(result.Embeddings) != len(requests) {
		c.recordFailure()
		return nil, fmt.Errorf("gemini batchEmbedContents returned %d embeddings for %d inputs", len(result.Embeddings), len(requests))
	}

	c.recordEmbedUsage(totalCharCount)
	return &result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := c.buildRequest(ctx, endpoint, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordFailure()
		apiErr := &APIError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error != nil {
			apiErr.Message = wrapped.Error.Message
			if wrapped.Error.Status != "" {
				apiErr.Status = wrapped.Error.Status
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		c.recordFailure()
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// IsRetryable reports whether err from this client is transient: network
// failures, timeouts, rate limits and server errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isRetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// UsageStats contains accumulated usage statistics
type UsageStats struct {
	EmbedChars       int64   `json:"embed_chars"`
	EmbedCalls       int64   `json:"embed_calls"`
	FailedCalls      int64   `json:"failed_calls"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// GetUsageStats returns accumulated usage statistics and estimated cost
// Pricing: embeddings at $0.00001 per 1K characters.
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()

	return UsageStats{
		EmbedChars:       c.totalEmbedChars,
		EmbedCalls:       c.embedCalls,
		FailedCalls:      c.failedCalls,
		EstimatedCostUSD: float64(c.totalEmbedChars) * 0.00001 / 1_000,
	}
}

func (c *Client) recordEmbedUsage(charCount int) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalEmbedChars += int64(charCount)
	c.embedCalls++
}

func (c *Client) recordFailure() {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.failedCalls++
}
