package ticketstore

import (
	"bytes"
	"html"
	"net/url"
	"regexp"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
)

var (
	tagRe        = regexp.MustCompile(`(?s)<[^>]*>`)
	breakRe      = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr)\s*/?>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	ticketURL, _ = url.Parse("https://desk.invalid/ticket")
)

// PlainText converts a desk description, which is usually HTML, into text
// for classification. Plain input is returned trimmed.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return html.UnescapeString(s)
	}

	stripped := stripTags(s)
	article, err := readability.FromReader(strings.NewReader(s), ticketURL)
	if err != nil {
		return stripped
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return stripped
	}
	// Readability drops boilerplate but can also drop a short email whole.
	if text := tidy(buf.String()); len(text)*2 >= len(stripped) {
		return text
	}
	return stripped
}

func stripTags(s string) string {
	s = breakRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	return tidy(html.UnescapeString(s))
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(s, "\n\n"))
}
