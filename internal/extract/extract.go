// Package extract pulls readable text out of fetched HTML and applies the
// duplicate-sentence policy.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// DefaultMaxChars is the maximum length, in characters, of extracted text.
const DefaultMaxChars = 4000

// textSelector matches paragraph-like, quote-like and list-item-like elements.
const textSelector = "p, blockquote, li"

// Extractor turns raw HTML into cleaned text.
type Extractor struct {
	// MaxChars is the truncation limit in characters. Zero means DefaultMaxChars.
	MaxChars int
	// CheckAfterTruncate runs the containment check against the truncated
	// text instead of the full text. A sentence that straddles the cut then
	// no longer suppresses the page.
	CheckAfterTruncate bool
}

// New creates an Extractor with the default limit and check order.
func New() *Extractor {
	return &Extractor{MaxChars: DefaultMaxChars}
}

// Extract returns the cleaned, truncated text of rawHTML, or "" when the page has
// no usable content or already contains sentence verbatim. sentence must be
// whitespace-normalized; an empty sentence disables the containment check.
func (e *Extractor) Extract(rawHTML, sentence string) string {
	text := Text(rawHTML)
	if text == "" {
		return ""
	}

	if e.CheckAfterTruncate {
		text = truncate(text, e.maxChars())
		if contains(text, sentence) {
			return ""
		}
		return text
	}

	if contains(text, sentence) {
		return ""
	}
	return truncate(text, e.maxChars())
}

func (e *Extractor) maxChars() int {
	if e.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return e.MaxChars
}

// Text returns the untruncated text of every matched element in document
// order, one element per line block. Elements nested inside another matched
// element are skipped so their text appears once.
func Text(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		zap.L().Debug("extract: parse html", zap.Error(err))
		return ""
	}

	var blocks []string
	doc.Find(textSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(textSelector).Length() > 0 {
			return
		}
		s.Find("br").Each(func(_ int, br *goquery.Selection) {
			br.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: "\n"})
		})
		if block := cleanLines(s.Text()); block != "" {
			blocks = append(blocks, block)
		}
	})
	return strings.Join(blocks, "\n")
}

// cleanLines trims every line of s and drops the empty ones.
func cleanLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func contains(text, sentence string) bool {
	return sentence != "" && strings.Contains(text, sentence)
}

// truncate cuts s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
