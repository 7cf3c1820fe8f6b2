// Package memory turns text into embedding vectors for knowledge retrieval.
// The Gemini provider goes through the genai client shared with generation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultEmbedModel   = "text-embedding-004"
	defaultEmbedDims    = 768
	defaultTaskType     = "RETRIEVAL_QUERY"
	defaultEmbedTimeout = 15 * time.Second
)

// ErrEmptyEmbedding is returned when the provider answers without a vector.
var ErrEmptyEmbedding = errors.New("empty embedding response")

// Embedder generates a vector for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingConfig selects the embedding model. Credentials and endpoint
// come from the shared Gemini client.
type EmbeddingConfig struct {
	// Model is the embedding model name (default: text-embedding-004).
	Model string `yaml:"model"`

	// Dimensions is the expected vector width (default: 768).
	Dimensions int `yaml:"dimensions"`

	// TaskType is sent with each request (default: RETRIEVAL_QUERY).
	TaskType string `yaml:"task_type"`

	// Timeout bounds a single embedding call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultEmbeddingConfig matches the model used to index the knowledge base.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model:      defaultEmbedModel,
		Dimensions: defaultEmbedDims,
		TaskType:   defaultTaskType,
		Timeout:    defaultEmbedTimeout,
	}
}

// GeminiEmbedder embeds text with Models.EmbedContent. Safe for concurrent use.
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
	timeout    time.Duration
	config     *genai.EmbedContentConfig
}

// NewGeminiEmbedder returns an embedder over client, filling unset fields
// of cfg with defaults.
func NewGeminiEmbedder(client *genai.Client, cfg EmbeddingConfig) (*GeminiEmbedder, error) {
	if client == nil {
		return nil, fmt.Errorf("embed: genai client is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultEmbedModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultEmbedDims
	}
	taskType := cfg.TaskType
	if taskType == "" {
		taskType = defaultTaskType
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}

	return &GeminiEmbedder{
		client:     client,
		model:      strings.TrimPrefix(model, "models/"),
		dimensions: dims,
		timeout:    timeout,
		config: &genai.EmbedContentConfig{
			TaskType:             taskType,
			OutputDimensionality: genai.Ptr(int32(dims)),
		},
	}, nil
}

// Embed returns the embedding of text. The vector width must equal the
// configured dimensions.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, e.config)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", e.model, err)
	}

	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embed %s: %w", e.model, ErrEmptyEmbedding)
	}
	values := resp.Embeddings[0].Values
	if len(values) != e.dimensions {
		return nil, fmt.Errorf("embed %s: got %d dimensions, want %d", e.model, len(values), e.dimensions)
	}
	return values, nil
}

// Dimensions is the vector width Embed returns.
func (e *GeminiEmbedder) Dimensions() int { return e.dimensions }

// Model is the configured model id without the "models/" prefix.
func (e *GeminiEmbedder) Model() string { return e.model }
