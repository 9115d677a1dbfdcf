package extraction

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// runFunc executes an external command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// lookPathFunc resolves a binary on PATH.
type lookPathFunc func(name string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// plainTextStrategy decodes text-like artifacts directly.
type plainTextStrategy struct {
	cfg Config
}

func newPlainTextStrategy(cfg Config) *plainTextStrategy {
	return &plainTextStrategy{cfg: cfg}
}

func (s *plainTextStrategy) Name() string { return "plain_text" }

func (s *plainTextStrategy) Extract(_ context.Context, a Artifact) (string, error) {
	if !isTextLike(a) {
		return "", ErrNoText
	}
	text := string(a.Data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	if len(strings.TrimSpace(text)) < s.cfg.MinChars {
		return "", ErrNoText
	}
	return text, nil
}

func isTextLike(a Artifact) bool {
	if strings.HasPrefix(a.MimeType, "text/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(a.Filename)) {
	case ".txt", ".md", ".csv", ".log":
		return true
	}
	return false
}

// pdfTextStrategy extracts the embedded text layer of a PDF via pdftotext.
type pdfTextStrategy struct {
	cfg      Config
	run      runFunc
	lookPath lookPathFunc
}

func newPDFTextStrategy(cfg Config) *pdfTextStrategy {
	return &pdfTextStrategy{cfg: cfg, run: runCommand, lookPath: exec.LookPath}
}

func (s *pdfTextStrategy) Name() string { return "pdf_text" }

func (s *pdfTextStrategy) Extract(ctx context.Context, a Artifact) (string, error) {
	if !isPDF(a) {
		return "", ErrNoText
	}
	if _, err := s.lookPath(s.cfg.PDFTextBin); err != nil {
		// Tool absent: let the OCR fallback try the document.
		return "", ErrNoText
	}

	dir, err := os.MkdirTemp("", "extract-pdf-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(src, a.Data, 0o600); err != nil {
		return "", fmt.Errorf("writing temp pdf: %w", err)
	}

	out, err := s.run(ctx, s.cfg.PDFTextBin, src, "-")
	if err != nil {
		// A broken text layer is not fatal; the scan may still OCR.
		return "", ErrNoText
	}
	text := string(out)
	if len(strings.TrimSpace(text)) < s.cfg.MinChars {
		return "", ErrNoText
	}
	return text, nil
}

func isPDF(a Artifact) bool {
	if a.MimeType == "application/pdf" {
		return true
	}
	return strings.EqualFold(filepath.Ext(a.Filename), ".pdf")
}

func isImage(a Artifact) bool {
	if strings.HasPrefix(a.MimeType, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(a.Filename)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
		return true
	}
	return false
}

// ocrStrategy rasterizes pages at a fixed resolution and runs the OCR engine
// on each. Both external tools are optional at deployment; when missing the
// strategy fails with ErrOCRUnavailable instead of crashing the service.
type ocrStrategy struct {
	cfg      Config
	logger   *zap.Logger
	run      runFunc
	lookPath lookPathFunc
}

func newOCRStrategy(cfg Config, logger *zap.Logger) *ocrStrategy {
	return &ocrStrategy{cfg: cfg, logger: logger, run: runCommand, lookPath: exec.LookPath}
}

func (s *ocrStrategy) Name() string { return "ocr" }

func (s *ocrStrategy) Extract(ctx context.Context, a Artifact) (string, error) {
	switch {
	case isPDF(a):
		return s.ocrPDF(ctx, a)
	case isImage(a):
		return s.ocrImage(ctx, a)
	default:
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, a.Filename, a.MimeType)
	}
}

func (s *ocrStrategy) ocrPDF(ctx context.Context, a Artifact) (string, error) {
	if _, err := s.lookPath(s.cfg.TesseractBin); err != nil {
		return "", fmt.Errorf("%w: %s not found", ErrOCRUnavailable, s.cfg.TesseractBin)
	}
	if _, err := s.lookPath(s.cfg.RasterizerBin); err != nil {
		return "", fmt.Errorf("%w: %s not found", ErrOCRUnavailable, s.cfg.RasterizerBin)
	}

	dir, err := os.MkdirTemp("", "extract-ocr-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(src, a.Data, 0o600); err != nil {
		return "", fmt.Errorf("writing temp pdf: %w", err)
	}

	// pdftoppm writes page-1.png, page-2.png, ...
	if _, err := s.run(ctx, s.cfg.RasterizerBin,
		"-png", "-r", fmt.Sprintf("%d", s.cfg.DPI), src, filepath.Join(dir, "page")); err != nil {
		return "", fmt.Errorf("rasterizing %s: %w", a.Filename, err)
	}

	pages, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return "", fmt.Errorf("listing rasterized pages: %w", err)
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("rasterizer produced no pages for %s: %w", a.Filename, ErrNoText)
	}
	sort.Strings(pages)

	var sb strings.Builder
	for _, page := range pages {
		out, err := s.run(ctx, s.cfg.TesseractBin, page, "stdout")
		if err != nil {
			return "", fmt.Errorf("ocr on %s: %w", filepath.Base(page), err)
		}
		sb.Write(out)
		sb.WriteString("\n")
	}

	s.logger.Debug("ocr fallback complete",
		zap.String("filename", a.Filename),
		zap.Int("pages", len(pages)),
	)

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("document empty after ocr: %w", ErrNoText)
	}
	return text, nil
}

func (s *ocrStrategy) ocrImage(ctx context.Context, a Artifact) (string, error) {
	if _, err := s.lookPath(s.cfg.TesseractBin); err != nil {
		return "", fmt.Errorf("%w: %s not found", ErrOCRUnavailable, s.cfg.TesseractBin)
	}

	dir, err := os.MkdirTemp("", "extract-ocr-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input"+strings.ToLower(filepath.Ext(a.Filename)))
	if err := os.WriteFile(src, a.Data, 0o600); err != nil {
		return "", fmt.Errorf("writing temp image: %w", err)
	}

	out, err := s.run(ctx, s.cfg.TesseractBin, src, "stdout")
	if err != nil {
		return "", fmt.Errorf("ocr on %s: %w", a.Filename, err)
	}
	text := string(out)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("image empty after ocr: %w", ErrNoText)
	}
	return text, nil
}
