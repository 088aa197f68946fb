package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
// Works with OpenAI, Ollama, vLLM, LiteLLM and anything else speaking
// the same API.
type OpenAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
}

// OpenAIOption configures the embedder.
type OpenAIOption func(*OpenAIEmbedder)

// WithBaseURL points the embedder at a compatible endpoint.
func WithBaseURL(u string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.httpClient = c }
}

// WithDimensions overrides the reported embedding size.
func WithDimensions(dims int) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.dims = dims }
}

// NewOpenAIEmbedder creates an embedder for the OpenAI API. An empty
// model selects text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string, opts ...OpenAIOption) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		model:      model,
		dims:       1536,
		httpClient: http.DefaultClient,
	}
	if e.model == "" {
		e.model = "text-embedding-3-small"
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type oaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type oaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *oaiError `json:"error,omitempty"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed requests an embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(oaiEmbedRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	var oaiResp oaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if oaiResp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: HTTP %d", resp.StatusCode)
	}
	if len(oaiResp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}
	return oaiResp.Data[0].Embedding, nil
}

// Dimensions returns the configured embedding size.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }
