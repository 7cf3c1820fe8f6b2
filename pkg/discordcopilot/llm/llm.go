// Package llm produces replies through the Gemini generative API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 60 * time.Second
)

// Role values accepted in a Request history.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ErrEmptyResponse is returned when the model answers without any text.
var ErrEmptyResponse = errors.New("empty model response")

// Message is one prior turn passed to the model.
type Message struct {
	Role string
	Text string
}

// Request is a fully assembled generation request.
type Request struct {
	// System is the system-level framing (persona and supporting context).
	System string

	// History holds prior turns in chronological order.
	History []Message

	// Prompt is the live user message, always sent last.
	Prompt string
}

// Config configures the Gemini generator.
type Config struct {
	// Model is the generative model name (default: gemini-2.5-flash).
	Model string `yaml:"model"`

	// APIKey for the Gemini API. Resolved from keyring/env when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds one generation call.
	Timeout time.Duration `yaml:"timeout"`

	// Temperature, when positive, overrides the model default.
	Temperature float32 `yaml:"temperature"`

	// MaxOutputTokens, when positive, caps the reply length.
	MaxOutputTokens int32 `yaml:"max_output_tokens"`
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		Model:   defaultModel,
		Timeout: defaultTimeout,
	}
}

// Gemini generates text with a shared genai client. Safe for concurrent use.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	config  *genai.GenerateContentConfig
}

// NewClient creates the genai client shared by generation and embedding.
// No network call is made. Per-call timeouts are applied by the callers.
func NewClient(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(baseURL, "/") + "/"}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// NewGemini creates the generator with its own client.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	client, err := NewClient(ctx, cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	return NewGeminiWithClient(client, cfg), nil
}

// NewGeminiWithClient creates the generator over an existing client.
// cfg.APIKey and cfg.BaseURL are ignored.
func NewGeminiWithClient(client *genai.Client, cfg Config) *Gemini {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	gc := &genai.GenerateContentConfig{}
	if cfg.Temperature > 0 {
		gc.Temperature = genai.Ptr(cfg.Temperature)
	}
	if cfg.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = cfg.MaxOutputTokens
	}

	return &Gemini{
		client:  client,
		model:   model,
		timeout: timeout,
		config:  gc,
	}
}

// Model returns the configured model name.
func (g *Gemini) Model() string { return g.model }

// Generate performs exactly one GenerateContent call for req.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cfg := *g.config
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, Contents(req), &cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		reason := ""
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			reason = string(resp.Candidates[0].FinishReason)
		}
		if reason != "" {
			return "", fmt.Errorf("gemini generate (finish reason %s): %w", reason, ErrEmptyResponse)
		}
		return "", fmt.Errorf("gemini generate: %w", ErrEmptyResponse)
	}
	return text, nil
}

// Contents converts req into genai contents: history in order, then the
// live prompt as the final user turn. Unknown roles are sent as user turns.
func Contents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))
	return contents
}
