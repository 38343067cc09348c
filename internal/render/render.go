// Package render turns long replies into files that can be uploaded as
// attachments.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRender wraps every failure to produce an artifact.
var ErrRender = errors.New("render failed")

// Renderer writes content to a file and returns the file's path.
type Renderer interface {
	Render(ctx context.Context, content string) (string, error)
}

// Renderer names accepted by New.
const (
	KindPDF      = "pdf"
	KindMarkdown = "markdown"
	KindNone     = "none"
)

// Config configures the renderer built by New.
type Config struct {
	Kind       string // pdf | markdown | none
	OutputDir  string // default os.TempDir()
	ChromePath string // optional Chrome/Chromium binary
	NoSandbox  bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// New returns the renderer named by cfg.Kind. KindNone yields a nil
// Renderer, which disables the file delivery tier.
func New(cfg Config) (Renderer, error) {
	switch strings.ToLower(cfg.Kind) {
	case KindPDF, "":
		return NewPDF(PDFConfig{
			OutputDir:  cfg.OutputDir,
			ChromePath: cfg.ChromePath,
			NoSandbox:  cfg.NoSandbox,
			Timeout:    cfg.Timeout,
			Logger:     cfg.Logger,
		}), nil
	case KindMarkdown:
		return NewMarkdown(cfg.OutputDir), nil
	case KindNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown renderer %q (want pdf, markdown or none)", cfg.Kind)
	}
}

// artifactPath builds a unique output path like
// <dir>/wechat_response_20240102_150405_1a2b3c4d.pdf.
func artifactPath(dir, ext string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("wechat_response_%s_%s%s", time.Now().Format("20060102_150405"), id, ext)
	return filepath.Join(dir, name)
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %w", ErrRender, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrRender, path, err)
	}
	return nil
}
