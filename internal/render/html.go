package render

import (
	"bytes"
	"fmt"
	"html"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	mdOnce sync.Once
	md     goldmark.Markdown
)

func markdownParser() goldmark.Markdown {
	mdOnce.Do(func() {
		md = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		)
	})
	return md
}

const pageStyle = `body{font-family:"Noto Sans CJK SC","WenQuanYi Micro Hei","PingFang SC","Microsoft YaHei",sans-serif;font-size:12pt;line-height:1.6;color:#222;margin:0}
h1,h2,h3{color:#1a5fb4}
pre,code{font-family:"Noto Sans Mono",monospace;background:#f4f4f4}
pre{padding:8px;white-space:pre-wrap}
table{border-collapse:collapse}
td,th{border:1px solid #ccc;padding:4px 8px}
blockquote{border-left:3px solid #ccc;margin-left:0;padding-left:12px;color:#555}
.footer{margin-top:24px;font-size:9pt;color:#888}`

// ToHTML converts markdown to a standalone HTML page. Raw HTML in the input
// is not passed through.
func ToHTML(content, footer string) (string, error) {
	var body bytes.Buffer
	if err := markdownParser().Convert([]byte(content), &body); err != nil {
		return "", fmt.Errorf("%w: markdown: %w", ErrRender, err)
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><style>")
	buf.WriteString(pageStyle)
	buf.WriteString("</style></head><body>\n")
	buf.Write(body.Bytes())
	if footer != "" {
		buf.WriteString(`<div class="footer">`)
		buf.WriteString(html.EscapeString(footer))
		buf.WriteString("</div>\n")
	}
	buf.WriteString("</body></html>\n")
	return buf.String(), nil
}
