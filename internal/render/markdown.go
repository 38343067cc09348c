package render

import (
	"context"
	"strings"
)

// Markdown saves the reply verbatim as a .md file. It needs no browser and is
// the fallback for hosts without Chrome.
type Markdown struct {
	outputDir string
}

func NewMarkdown(outputDir string) *Markdown {
	return &Markdown{outputDir: outputDir}
}

func (m *Markdown) Render(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	path := artifactPath(m.outputDir, ".md")
	if err := writeArtifact(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}
