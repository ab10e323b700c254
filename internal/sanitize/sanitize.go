// Package sanitize cleans model-written text before it is stored or served.
package sanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce sync.Once
	strict     *bluemonday.Policy

	markupOnce sync.Once
	markup     *bluemonday.Policy
)

func strictPolicy() *bluemonday.Policy {
	strictOnce.Do(func() { strict = bluemonday.StrictPolicy() })
	return strict
}

// markupPolicy allows paragraphs, emphasis, lists, quotes and http(s) links.
func markupPolicy() *bluemonday.Policy {
	markupOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements("p", "br", "em", "strong", "b", "i", "ul", "ol", "li", "blockquote", "h3", "h4")
		p.AllowAttrs("href").OnElements("a")
		p.AllowURLSchemes("http", "https")
		p.RequireParseableURLs(true)
		p.RequireNoFollowOnLinks(true)
		p.AddTargetBlankToFullyQualifiedLinks(true)
		markup = p
	})
	return markup
}

// Text strips every tag, leaving unescaped plain text.
func Text(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(strictPolicy().Sanitize(s)))
}

// Markup keeps a small formatting subset and drops scripts, handlers and
// unsafe URLs.
func Markup(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(markupPolicy().Sanitize(s))
}
