package httphandler

import (
	"bytes"
	stdhtml "html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// summaryMarkdown renders report summaries. Raw HTML in a summary is
// omitted by the renderer rather than passed through.
var summaryMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
)

var summaryPolicy = newSummaryPolicy()

func newSummaryPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}

// renderSummary converts a group report summary to sanitized HTML. Empty
// input renders as the empty string.
func renderSummary(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := summaryMarkdown.Convert([]byte(src), &buf); err != nil {
		return "<pre>" + stdhtml.EscapeString(src) + "</pre>"
	}
	return summaryPolicy.Sanitize(buf.String())
}
