// Package embedding provides clients for remote embedding services.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/corpusworks/corpus/internal/observability"
)

// Embedder turns texts into vectors. Implementations call a remote model
// endpoint; batching is the caller's concern.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// UpstreamError marks an embedder or LLM endpoint failure, surfaced to HTTP
// handlers as 502.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// OllamaEmbedder calls the Ollama embed API.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	logger    *observability.Logger
}

// NewOllamaEmbedder creates an Ollama-backed embedder.
func NewOllamaEmbedder(baseURL, model string, dimension int, timeout time.Duration, logger *observability.Logger) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.WithComponent("embedder_ollama"),
	}
}

// Dimension returns the configured vector size.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// Embed embeds a batch of texts in one request.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Service: "ollama-embed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &UpstreamError{Service: "ollama-embed",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(b))}
	}

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &UpstreamError{Service: "ollama-embed", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Embeddings) != len(texts) {
		return nil, &UpstreamError{Service: "ollama-embed",
			Err: fmt.Errorf("got %d embeddings for %d texts", len(out.Embeddings), len(texts))}
	}

	e.logger.Debug().
		Int("texts", len(texts)).
		Dur("elapsed", time.Since(start)).
		Msg("embedded batch")
	return out.Embeddings, nil
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
	logger    *observability.Logger
}

// NewOpenAIEmbedder creates an embedder for api.openai.com or any
// API-compatible server when baseURL overrides it.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimension int, timeout time.Duration, logger *observability.Logger) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.WithComponent("embedder_openai"),
	}
}

// Dimension returns the configured vector size.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed embeds a batch of texts in one request.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Service: "openai-embed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &UpstreamError{Service: "openai-embed",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(b))}
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &UpstreamError{Service: "openai-embed", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Data) != len(texts) {
		return nil, &UpstreamError{Service: "openai-embed",
			Err: fmt.Errorf("got %d embeddings for %d texts", len(out.Data), len(texts))}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &UpstreamError{Service: "openai-embed",
				Err: fmt.Errorf("embedding index %d out of range", d.Index)}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Mock is a deterministic in-memory embedder for tests. It records call
// counts so tests can assert the embed-once invariant.
type Mock struct {
	Dim   int
	Calls int
	Fail  error
}

// Dimension returns the mock vector size.
func (m *Mock) Dimension() int { return m.Dim }

// Embed produces a deterministic vector per text.
func (m *Mock) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.Calls++
	if m.Fail != nil {
		return nil, m.Fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, m.Dim)
		for j := range v {
			v[j] = float32((len(t)+i+j)%17) / 17
		}
		out[i] = v
	}
	return out, nil
}
