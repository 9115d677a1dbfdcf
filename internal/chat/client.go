// Package chat is the boundary to the external chat-completion service.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// ErrChatFailed indicates the chat-completion call failed.
var ErrChatFailed = errors.New("chat completion failed")

// Config holds chat client settings.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-3.5-turbo"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client answers questions through an OpenAI-compatible chat API.
type Client struct {
	cfg    Config
	llm    llms.Model
	logger *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithModel replaces the underlying language model. Used to plug in
// alternative providers and fakes.
func WithModel(m llms.Model) Option {
	return func(c *Client) { c.llm = m }
}

// New creates a chat client.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	c := &Client{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	if c.llm == nil {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "placeholder"
		}
		llm, err := openai.New(
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithModel(cfg.Model),
			openai.WithToken(apiKey),
			openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		)
		if err != nil {
			return nil, fmt.Errorf("creating chat client: %w", err)
		}
		c.llm = llm
	}

	return c, nil
}

// Complete sends a system prompt and a user message, returning the answer
// text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}

	resp, err := c.llm.GenerateContent(ctx, messages,
		llms.WithMaxTokens(c.cfg.MaxTokens),
		llms.WithTemperature(c.cfg.Temperature),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChatFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrChatFailed)
	}

	c.logger.Debug("chat completion",
		zap.Int("prompt_chars", len(system)+len(user)),
		zap.Int("answer_chars", len(resp.Choices[0].Content)),
	)

	return resp.Choices[0].Content, nil
}
