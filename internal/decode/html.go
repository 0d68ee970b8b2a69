package decode

import (
	"html"
	"regexp"
	"strings"
)

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	htmlScriptPattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blankLinePattern  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML reduces an HTML body to plain text: block-level closers become
// line breaks, tags are dropped and entities unescaped.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}

	result := htmlScriptPattern.ReplaceAllString(s, "")
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")
	result = html.UnescapeString(result)
	result = strings.ReplaceAll(result, "\u00a0", " ")
	result = blankLinePattern.ReplaceAllString(result, "\n\n")

	return strings.TrimSpace(result)
}
