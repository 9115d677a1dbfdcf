package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Extractor runs the strategy chain over an artifact.
type Extractor struct {
	cfg        Config
	strategies []Strategy
	logger     *zap.Logger
}

// New creates an Extractor with the default chain: plain text, PDF text
// layer, OCR fallback. Tests may pass a custom chain.
func New(cfg Config, logger *zap.Logger, strategies ...Strategy) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if len(strategies) == 0 {
		strategies = []Strategy{
			newPlainTextStrategy(cfg),
			newPDFTextStrategy(cfg),
			newOCRStrategy(cfg, logger),
		}
	}
	return &Extractor{cfg: cfg, strategies: strategies, logger: logger}
}

// Extract tries each strategy in order until one produces text.
//
// A strategy returning ErrNoText advances the chain; any other error aborts
// extraction immediately. When every strategy reports no text, the last
// strategy's error is surfaced.
func (e *Extractor) Extract(ctx context.Context, a Artifact) (string, error) {
	var lastErr error
	for _, s := range e.strategies {
		text, err := s.Extract(ctx, a)
		if err == nil {
			e.logger.Debug("extraction succeeded",
				zap.String("strategy", s.Name()),
				zap.String("filename", a.Filename),
				zap.Int("chars", len(text)),
			)
			return truncate(text, e.cfg.MaxChars), nil
		}
		if errors.Is(err, ErrNoText) {
			lastErr = err
			continue
		}
		return "", fmt.Errorf("strategy %s: %w", s.Name(), err)
	}
	if lastErr == nil {
		lastErr = ErrNoText
	}
	return "", fmt.Errorf("document %s yielded no text: %w", a.Filename, lastErr)
}

// truncate caps text at max bytes without rejecting the document, backing
// off to a rune boundary so the cut never splits UTF-8.
func truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	for max > 0 && !utf8.RuneStart(text[max]) {
		max--
	}
	return text[:max]
}

// Preview returns a display snippet of at most n bytes, cut on a rune
// boundary.
func Preview(text string, n int) string {
	text = strings.TrimSpace(text)
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n] + "..."
}
