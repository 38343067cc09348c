package render

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const defaultPDFTimeout = 60 * time.Second

// A4 in inches.
const (
	a4Width  = 8.27
	a4Height = 11.69
)

// PDFConfig configures the headless Chrome renderer.
type PDFConfig struct {
	OutputDir  string
	ChromePath string // empty lets chromedp find a browser
	NoSandbox  bool   // needed when running as root in containers
	Timeout    time.Duration
	Logger     *slog.Logger
}

// PDF renders markdown to HTML and prints it to PDF with headless Chrome.
type PDF struct {
	outputDir  string
	chromePath string
	noSandbox  bool
	timeout    time.Duration
	logger     *slog.Logger
}

func NewPDF(cfg PDFConfig) *PDF {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPDFTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PDF{
		outputDir:  cfg.OutputDir,
		chromePath: cfg.ChromePath,
		noSandbox:  cfg.NoSandbox,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

// newContext starts a headless browser. The caller MUST call cancel.
func (p *PDF) newContext(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.DisableGPU,
	)
	if p.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(p.chromePath))
	}
	if p.noSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

func (p *PDF) Render(ctx context.Context, content string) (string, error) {
	footer := "生成时间：" + time.Now().Format("2006-01-02 15:04:05")
	doc, err := ToHTML(content, footer)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	taskCtx, taskCancel := p.newContext(ctx)
	defer taskCancel()

	start := time.Now()
	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(a4Width).
				WithPaperHeight(a4Height).
				WithMarginTop(0.6).
				WithMarginBottom(0.6).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: print pdf: %w", ErrRender, err)
	}

	path := artifactPath(p.outputDir, ".pdf")
	if err := writeArtifact(path, pdf); err != nil {
		return "", err
	}
	p.logger.Debug("pdf rendered", "path", path, "bytes", len(pdf), "duration", time.Since(start))
	return path, nil
}
