// Package config provides configuration loading for communityd.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates a configuration value failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration for the communityd daemon.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Database    DatabaseConfig    `koanf:"database"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Chat        ChatConfig        `koanf:"chat"`
	OCR         OCRConfig         `koanf:"ocr"`
	Indexer     IndexerConfig     `koanf:"indexer"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, console
}

// DatabaseConfig holds SQLite settings for content, task, and conversation tables.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// VectorStoreConfig holds per-tenant vector collection settings.
type VectorStoreConfig struct {
	Path          string  `koanf:"path"`           // snapshot directory
	MinSimilarity float64 `koanf:"min_similarity"` // results below are excluded
}

// EmbeddingsConfig holds embedding service settings.
type EmbeddingsConfig struct {
	BaseURL       string   `koanf:"base_url"`
	Model         string   `koanf:"model"`
	APIKey        Secret   `koanf:"api_key"`
	Dimension     int      `koanf:"dimension"`
	MaxInputChars int      `koanf:"max_input_chars"`
	MaxRetries    int      `koanf:"max_retries"`
	Timeout       Duration `koanf:"timeout"`
}

// ChatConfig holds chat-completion service settings.
type ChatConfig struct {
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`
	Timeout     Duration `koanf:"timeout"`
}

// OCRConfig holds the optional OCR fallback settings. The external tools are
// optional at deployment; when absent, image-only documents fail extraction.
type OCRConfig struct {
	TesseractBin  string   `koanf:"tesseract_bin"`
	RasterizerBin string   `koanf:"rasterizer_bin"` // pdftoppm-compatible
	PDFTextBin    string   `koanf:"pdf_text_bin"`   // pdftotext-compatible
	DPI           int      `koanf:"dpi"`
	Timeout       Duration `koanf:"timeout"`
}

// IndexerConfig holds background indexing settings.
type IndexerConfig struct {
	Workers     int      `koanf:"workers"`
	QueueSize   int      `koanf:"queue_size"`
	MaxAttempts int      `koanf:"max_attempts"`
	RetryDelay  Duration `koanf:"retry_delay"` // base delay, doubled per attempt
}

// RetrievalConfig holds query-time settings.
type RetrievalConfig struct {
	DefaultK      int `koanf:"default_k"`
	ContextBudget int `koanf:"context_budget"` // characters of assembled context
}

// applyDefaults fills in defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/community.db"
	}
	if cfg.VectorStore.Path == "" {
		cfg.VectorStore.Path = "data/vectorstore"
	}
	if cfg.VectorStore.MinSimilarity == 0 {
		cfg.VectorStore.MinSimilarity = 0.7
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-ada-002"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 1536
	}
	if cfg.Embeddings.MaxInputChars == 0 {
		cfg.Embeddings.MaxInputChars = 8000
	}
	if cfg.Embeddings.MaxRetries == 0 {
		cfg.Embeddings.MaxRetries = 3
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}
	if cfg.Chat.BaseURL == "" {
		cfg.Chat.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = "gpt-3.5-turbo"
	}
	if cfg.Chat.MaxTokens == 0 {
		cfg.Chat.MaxTokens = 1000
	}
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = 0.7
	}
	if cfg.Chat.Timeout == 0 {
		cfg.Chat.Timeout = Duration(30 * time.Second)
	}
	if cfg.OCR.TesseractBin == "" {
		cfg.OCR.TesseractBin = "tesseract"
	}
	if cfg.OCR.RasterizerBin == "" {
		cfg.OCR.RasterizerBin = "pdftoppm"
	}
	if cfg.OCR.PDFTextBin == "" {
		cfg.OCR.PDFTextBin = "pdftotext"
	}
	if cfg.OCR.DPI == 0 {
		cfg.OCR.DPI = 300
	}
	if cfg.OCR.Timeout == 0 {
		cfg.OCR.Timeout = Duration(2 * time.Minute)
	}
	if cfg.Indexer.Workers == 0 {
		cfg.Indexer.Workers = 4
	}
	if cfg.Indexer.QueueSize == 0 {
		cfg.Indexer.QueueSize = 1024
	}
	if cfg.Indexer.MaxAttempts == 0 {
		cfg.Indexer.MaxAttempts = 3
	}
	if cfg.Indexer.RetryDelay == 0 {
		cfg.Indexer.RetryDelay = Duration(5 * time.Second)
	}
	if cfg.Retrieval.DefaultK == 0 {
		cfg.Retrieval.DefaultK = 8
	}
	if cfg.Retrieval.ContextBudget == 0 {
		cfg.Retrieval.ContextBudget = 6000
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown logging format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.VectorStore.MinSimilarity < -1 || c.VectorStore.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity %.2f out of [-1, 1]", ErrInvalidConfig, c.VectorStore.MinSimilarity)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", ErrInvalidConfig)
	}
	if c.Embeddings.MaxInputChars <= 0 {
		return fmt.Errorf("%w: embedding max_input_chars must be positive", ErrInvalidConfig)
	}
	if c.OCR.DPI < 72 || c.OCR.DPI > 1200 {
		return fmt.Errorf("%w: ocr dpi %d out of range", ErrInvalidConfig, c.OCR.DPI)
	}
	if c.Indexer.Workers <= 0 {
		return fmt.Errorf("%w: indexer workers must be positive", ErrInvalidConfig)
	}
	if c.Indexer.MaxAttempts <= 0 {
		return fmt.Errorf("%w: indexer max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Retrieval.DefaultK <= 0 {
		return fmt.Errorf("%w: retrieval default_k must be positive", ErrInvalidConfig)
	}
	if c.Retrieval.ContextBudget <= 0 {
		return fmt.Errorf("%w: retrieval context_budget must be positive", ErrInvalidConfig)
	}
	return nil
}
