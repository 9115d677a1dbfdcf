// Package extraction turns source artifacts into plain text.
//
// Extraction runs an ordered chain of strategies. Each strategy either
// produces text, reports ErrNoText to advance the chain, or fails hard.
// The final strategy is OCR over rasterized pages, used only when direct
// extraction produced nothing.
package extraction

import (
	"context"
	"errors"
)

// Sentinel errors for the extraction taxonomy.
var (
	// ErrNoText means a strategy produced no usable text; the chain advances.
	ErrNoText = errors.New("no text produced")
	// ErrUnsupportedFormat means no strategy understands the artifact format.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrOCRUnavailable means the OCR engine or rasterizer is not installed.
	ErrOCRUnavailable = errors.New("ocr unavailable")
)

// Artifact is the raw input to extraction.
type Artifact struct {
	Filename string
	MimeType string
	Data     []byte
}

// Strategy is one way of getting text out of an artifact.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string
	// Extract returns the text, or ErrNoText to pass to the next strategy.
	Extract(ctx context.Context, a Artifact) (string, error)
}

// Config holds extraction limits and external tool locations.
type Config struct {
	// MaxChars caps extracted text; content beyond it is truncated, not rejected.
	MaxChars int
	// MinChars is the threshold below which direct extraction counts as empty
	// and the OCR fallback kicks in.
	MinChars int

	TesseractBin  string
	RasterizerBin string
	PDFTextBin    string
	DPI           int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxChars == 0 {
		c.MaxChars = 200_000
	}
	if c.MinChars == 0 {
		c.MinChars = 32
	}
	if c.TesseractBin == "" {
		c.TesseractBin = "tesseract"
	}
	if c.RasterizerBin == "" {
		c.RasterizerBin = "pdftoppm"
	}
	if c.PDFTextBin == "" {
		c.PDFTextBin = "pdftotext"
	}
	if c.DPI == 0 {
		c.DPI = 300
	}
}
