package search

import (
	"context"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pagestream/internal/fetcher"
	"github.com/sells-group/pagestream/internal/model"
)

// DefaultBingURL is the public Bing endpoint.
const DefaultBingURL = "https://www.bing.com"

const bingResultSelector = "li.b_algo h2 a[href]"

// BingResolver scrapes a Bing results page through the job's fetcher.
type BingResolver struct {
	baseURL string
	exclude *PathMatcher
}

// NewBingResolver returns a resolver against baseURL, or DefaultBingURL when empty.
func NewBingResolver(baseURL string) *BingResolver {
	if baseURL == "" {
		baseURL = DefaultBingURL
	}
	return &BingResolver{baseURL: strings.TrimRight(baseURL, "/")}
}

// WithExclude drops links matching m before the result window is taken.
func (b *BingResolver) WithExclude(m *PathMatcher) *BingResolver {
	b.exclude = m
	return b
}

// Resolve fetches the results page for query and returns the organic results
// in rank order.
func (b *BingResolver) Resolve(ctx context.Context, f fetcher.Fetcher, query string, offset, count int) ([]model.Candidate, error) {
	if f == nil {
		return nil, eris.New("search: bing resolver needs a fetcher")
	}

	u := b.baseURL + "/search?" + url.Values{"q": {query}}.Encode()
	page, err := f.Fetch(ctx, u)
	if err != nil {
		return nil, eris.Wrap(err, "search: fetch bing results")
	}

	links, err := ParseBingResults(page.HTML)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("search: bing results parsed",
		zap.String("query", query),
		zap.Int("links", len(links)),
	)
	return window(b.exclude.Filter(links), offset, count), nil
}

// ParseBingResults returns the organic result links of a Bing results page,
// with click-tracking wrappers decoded.
func ParseBingResults(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "search: parse bing results")
	}

	var links []string
	doc.Find(bingResultSelector).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = DecodeTracking(strings.TrimSpace(href))
		if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
			links = append(links, href)
		}
	})
	return links, nil
}

// DecodeTracking unwraps a Bing click-tracking link (/ck/a?...&u=a1<base64>)
// into its destination. Any other href is returned unchanged.
func DecodeTracking(href string) string {
	u, err := url.Parse(href)
	if err != nil || u.Path != "/ck/a" {
		return href
	}
	if u.Host != "" && !strings.HasSuffix(u.Hostname(), "bing.com") {
		return href
	}

	enc := u.Query().Get("u")
	if !strings.HasPrefix(enc, "a1") {
		return href
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc[2:], "="))
	if err != nil {
		return href
	}

	dest := string(raw)
	if !strings.HasPrefix(dest, "http://") && !strings.HasPrefix(dest, "https://") {
		return href
	}
	return dest
}
