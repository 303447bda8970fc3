// Package embed provides embedding providers, text chunking, and the
// coordinator that turns file content into embedded chunks.
//
// Two providers ship with the module:
//   - Ollama: local models over /api/embeddings (mxbai-embed-large,
//     nomic-embed-text)
//   - OpenAI-compatible: /v1/embeddings with bearer auth
//
// Example Usage:
//
//	embedder := embed.NewOllama(nil)
//	vec, err := embedder.Embed(ctx, "graph database")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("dimensions: %d\n", len(vec))
package embed

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder generates vector embeddings from text.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimension.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// DefaultTimeout is the per-request provider deadline.
const DefaultTimeout = 10 * time.Second

// Config holds embedding provider configuration.
type Config struct {
	Provider   string        // ollama, openai
	APIURL     string        // e.g. http://localhost:11434
	APIPath    string        // e.g. /api/embeddings or /v1/embeddings
	APIKey     string        // bearer token for OpenAI-compatible endpoints
	Model      string        // e.g. mxbai-embed-large
	Dimensions int           // expected dimensions, used for validation
	Timeout    time.Duration // request deadline

	// InsecureSkipVerify disables TLS certificate verification for the
	// provider endpoint. Off unless set explicitly.
	InsecureSkipVerify bool
}

// httpClient builds the provider client, honoring the timeout and the
// TLS verification toggle.
func (c *Config) httpClient() *http.Client {
	client := &http.Client{Timeout: c.Timeout}
	if c.InsecureSkipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}

// DefaultOllamaConfig returns configuration for a local Ollama with
// mxbai-embed-large (1024 dimensions).
func DefaultOllamaConfig() *Config {
	return &Config{
		Provider:   "ollama",
		APIURL:     "http://localhost:11434",
		APIPath:    "/api/embeddings",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    DefaultTimeout,
	}
}

// DefaultOpenAIConfig returns configuration for text-embedding-3-small
// (1536 dimensions).
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider:   "openai",
		APIURL:     "https://api.openai.com",
		APIPath:    "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    DefaultTimeout,
	}
}

// NewEmbedder creates an embedder for the provider named in config.
func NewEmbedder(config *Config) (Embedder, error) {
	switch config.Provider {
	case "ollama":
		return NewOllama(config), nil
	case "openai":
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAI(config), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", config.Provider)
	}
}

// OllamaEmbedder talks to a local or remote Ollama instance.
// Ollama embeds one prompt per request, so EmbedBatch loops.
type OllamaEmbedder struct {
	config *Config
	client *http.Client
}

// NewOllama creates an Ollama embedder. A nil config uses
// DefaultOllamaConfig.
func NewOllama(config *Config) *OllamaEmbedder {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &OllamaEmbedder{
		config: config,
		client: config.httpClient(),
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := e.config.APIURL + e.config.APIPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(detail))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Embedding, nil
}

// EmbedBatch embeds each text with one request per text.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = embedding
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *OllamaEmbedder) Dimensions() int { return e.config.Dimensions }

// Model returns the model name.
func (e *OllamaEmbedder) Model() string { return e.config.Model }

// OpenAIEmbedder talks to an OpenAI-compatible /v1/embeddings endpoint.
// The API supports true batching, so EmbedBatch is a single request.
type OpenAIEmbedder struct {
	config *Config
	client *http.Client
}

// NewOpenAI creates an OpenAI-compatible embedder. A nil config uses
// DefaultOpenAIConfig with an empty key, which fails on first call.
func NewOpenAI(config *Config) *OpenAIEmbedder {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &OpenAIEmbedder{
		config: config,
		client: config.httpClient(),
	}
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch embeds up to the provider limit of texts in one request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := e.config.APIURL + e.config.APIPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai returned %d: %s", resp.StatusCode, string(detail))
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([][]float32, len(out.Data))
	for _, data := range out.Data {
		if data.Index < 0 || data.Index >= len(results) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		results[data.Index] = data.Embedding
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *OpenAIEmbedder) Dimensions() int { return e.config.Dimensions }

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string { return e.config.Model }
