// Package genai provides language-model operations using the OpenAI API.
//
// Two model roles are configured separately: a cheap classification model used
// by the intent router's local tier, and a larger generation model used by the
// generative fallback tier and the llm executor.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default model choices; overridable via options.
const (
	DefaultGenerateModel = openai.ChatModelGPT4o
	DefaultClassifyModel = openai.ChatModelGPT4oMini
)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey        string
	GenerateModel string
	ClassifyModel string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key explicitly (overrides $OPENAI_API_KEY).
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithGenerateModel sets the model used for generative completions.
func WithGenerateModel(model string) Option {
	return func(o *Opts) { o.GenerateModel = model }
}

// WithClassifyModel sets the cheap model used for intent classification.
func WithClassifyModel(model string) Option {
	return func(o *Opts) { o.ClassifyModel = model }
}

// chatService defines the minimal interface for chat completions, allowing
// tests to substitute a stub for the OpenAI client.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat chatService
	opts Opts
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.GenerateModel == "" {
		cfg.GenerateModel = DefaultGenerateModel
	}
	if cfg.ClassifyModel == "" {
		cfg.ClassifyModel = DefaultClassifyModel
	}
	slog.Debug("GenAI client configured", "generate_model", cfg.GenerateModel, "classify_model", cfg.ClassifyModel)

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, opts: cfg}, nil
}

// NewClientWithService creates a client around an explicit chat service.
// Used by tests to avoid real API calls.
func NewClientWithService(chat chatService, opts ...Option) *Client {
	cfg := Opts{GenerateModel: DefaultGenerateModel, ClassifyModel: DefaultClassifyModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{chat: chat, opts: cfg}
}

// Generate runs a completion with the generation model and returns the text.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, c.opts.GenerateModel, systemPrompt, userPrompt, 0.7)
}

// Classify runs a completion with the classification model at temperature 0,
// intended for structured (JSON) extraction prompts.
func (c *Client) Classify(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, c.opts.ClassifyModel, systemPrompt, userPrompt, 0)
}

func (c *Client) complete(ctx context.Context, model, systemPrompt, userPrompt string, temperature float64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(temperature),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI completion failed", "error", err, "model", model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI completion returned no choices", "model", model)
		return "", fmt.Errorf("no choices returned")
	}
	slog.Debug("GenAI completion succeeded", "model", model, "content_length", len(resp.Choices[0].Message.Content))
	return resp.Choices[0].Message.Content, nil
}
