package chat

import (
	"bytes"

	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// md renders message bodies. Raw HTML in the input stays escaped (goldmark's
// default), so user content cannot inject markup into other clients.
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
	),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderHTML converts markdown message content to HTML for the chat view.
// On a parse failure it returns the error and an empty string; callers fall
// back to plain-text display.
func RenderHTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
