package search

import (
	"net/url"
	"path"
	"strings"
)

// DefaultExcludePatterns skip documents the extractor cannot read.
var DefaultExcludePatterns = []string{
	"*.pdf",
	"*.doc",
	"*.docx",
	"*.ppt",
	"*.pptx",
	"*.xls",
	"*.xlsx",
	"*.zip",
}

// PathMatcher drops candidate links whose path matches a glob pattern.
// Patterns starting with "/" are matched against the whole path, with a
// trailing "/*" covering every level below it. Patterns starting with "*."
// match a file extension at any depth.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher lowercases patterns and returns a matcher. A nil slice
// selects DefaultExcludePatterns; an empty non-nil slice excludes nothing.
func NewPathMatcher(patterns []string) *PathMatcher {
	if patterns == nil {
		patterns = DefaultExcludePatterns
	}
	m := &PathMatcher{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// Patterns returns the configured patterns.
func (m *PathMatcher) Patterns() []string {
	return m.patterns
}

// IsExcluded reports whether rawURL should be dropped. Unparseable links are
// always dropped. A nil matcher excludes nothing.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	if m == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, pattern := range m.patterns {
		if matchPath(pattern, p) {
			return true
		}
	}
	return false
}

// Filter returns links with excluded entries removed, preserving order.
func (m *PathMatcher) Filter(links []string) []string {
	if m == nil || len(m.patterns) == 0 {
		return links
	}
	out := make([]string, 0, len(links))
	for _, l := range links {
		if !m.IsExcluded(l) {
			out = append(out, l)
		}
	}
	return out
}

func matchPath(pattern, urlPath string) bool {
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(urlPath, pattern[1:])
	}
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	return false
}
