// Package embeddings turns text into fixed-dimension vectors via an
// OpenAI-compatible embedding service.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Sentinel errors classifying embedding failures.
var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, rate limits.
	ErrTransient = errors.New("transient embedding failure")
	// ErrTerminal marks failures that retrying cannot fix: bad credentials,
	// malformed requests.
	ErrTerminal = errors.New("terminal embedding failure")
	// ErrDimensionMismatch means the service returned a vector whose length
	// violates the deployment-fixed dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Config holds embedding client settings.
type Config struct {
	BaseURL       string
	Model         string
	APIKey        string
	Dimension     int
	MaxInputChars int
	MaxRetries    int
	Timeout       time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "text-embedding-ada-002"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.MaxInputChars == 0 {
		c.MaxInputChars = 8000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if c.MaxInputChars <= 0 {
		return fmt.Errorf("max input chars must be positive, got %d", c.MaxInputChars)
	}
	return nil
}

// embedFunc is the raw single-text embedding call.
type embedFunc func(ctx context.Context, text string) ([]float32, error)

// Client generates embeddings with head truncation, bounded retry, and a
// dimension contract check.
type Client struct {
	cfg    Config
	embed  embedFunc
	logger *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithEmbedFunc replaces the underlying embedding call. Used to plug in
// alternative providers and fakes.
func WithEmbedFunc(fn embedFunc) Option {
	return func(c *Client) { c.embed = fn }
}

// New creates an embedding client backed by an OpenAI-compatible API.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	c := &Client{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	if c.embed == nil {
		apiKey := cfg.APIKey
		if apiKey == "" {
			// langchaingo requires a token; OpenAI-compatible local servers
			// ignore it.
			apiKey = "placeholder"
		}
		llm, err := openai.New(
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithEmbeddingModel(cfg.Model),
			openai.WithToken(apiKey),
			openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		)
		if err != nil {
			return nil, fmt.Errorf("creating embedding client: %w", err)
		}
		embedder, err := lcembeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		c.embed = embedder.EmbedQuery
	}

	return c, nil
}

// Dimension returns the deployment-fixed vector dimension.
func (c *Client) Dimension() int {
	return c.cfg.Dimension
}

// Embed generates the embedding for one text.
//
// Input longer than the model limit is head-truncated (logged, not an
// error). Transient failures are retried with exponential backoff up to
// MaxRetries; terminal failures surface immediately. A vector of any
// dimension other than the configured one is a contract violation.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > c.cfg.MaxInputChars {
		// Back off to a rune boundary so the service never sees split UTF-8.
		cut := c.cfg.MaxInputChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		c.logger.Debug("truncating embedding input",
			zap.Int("original_chars", len(text)),
			zap.Int("max_chars", c.cfg.MaxInputChars),
		)
		text = text[:cut]
	}

	var vector []float32
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		v, err := c.embed(attemptCtx, text)
		if err != nil {
			if isTerminal(err) {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrTerminal, err))
			}
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if len(v) != c.cfg.Dimension {
			return backoff.Permanent(fmt.Errorf("%w: got %d, want %d",
				ErrDimensionMismatch, len(v), c.cfg.Dimension))
		}
		vector = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// isTerminal reports whether an embedding service error cannot be fixed by
// retrying.
func isTerminal(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"401", "403", "unauthorized", "forbidden", "invalid api key",
		"invalid_request", "400", "bad request",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	// Timeouts, 5xx, and rate limits stay retryable; unknown failures are
	// treated as transient since the retry budget is bounded anyway.
	return false
}
