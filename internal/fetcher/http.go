package fetcher

import (
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/pagestream/internal/model"
	"github.com/sells-group/pagestream/internal/resilience"
)

// DefaultUserAgent is a desktop Chrome UA; many sites serve stripped pages to
// obvious bots.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent           string
	Timeout             time.Duration
	MaxBodyBytes        int64
	Limiter             *HostLimiter
	RedirectConcurrency int
}

// HTTPFetcher implements Fetcher and RedirectResolver using net/http.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 2 << 20
	}
	if opts.RedirectConcurrency <= 0 {
		opts.RedirectConcurrency = 5
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
	}
}

// Fetch downloads targetURL and returns its decoded HTML.
func (f *HTTPFetcher) Fetch(ctx context.Context, targetURL string) (*model.Page, error) {
	if lim := f.opts.Limiter.For(targetURL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, model.NewFetchError(targetURL, eris.Wrap(err, "fetcher: rate limiter wait"))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, model.NewFetchError(targetURL, eris.Wrap(err, "fetcher: create request"))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.NewFetchError(targetURL, eris.Wrap(err, "fetcher: do request"))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, model.NewFetchError(targetURL, eris.Wrap(err, "fetcher: read body"))
	}

	f.feedback(targetURL, resp)

	if bt := DetectBlock(resp, body); bt != BlockNone {
		return nil, model.NewFetchError(targetURL, eris.Errorf("fetcher: blocked (%s)", bt))
	}
	if resp.StatusCode >= 400 {
		statusErr := eris.Errorf("fetcher: status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, model.NewFetchError(targetURL, resilience.NewTransientError(statusErr, resp.StatusCode))
		}
		return nil, model.NewFetchError(targetURL, statusErr)
	}

	return &model.Page{
		URL:        targetURL,
		FinalURL:   resp.Request.URL.String(),
		HTML:       decodeBody(resp.Header.Get("Content-Type"), body),
		StatusCode: resp.StatusCode,
	}, nil
}

// ResolveFinal follows redirects for every candidate concurrently with HEAD
// requests paced like page fetches. A candidate keeps its original address
// when the request fails or outlasts wait.
func (f *HTTPFetcher) ResolveFinal(ctx context.Context, candidates []model.Candidate, wait time.Duration) []model.Candidate {
	out := make([]model.Candidate, len(candidates))
	copy(out, candidates)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.RedirectConcurrency)
	for i, c := range candidates {
		g.Go(func() error {
			final, err := f.finalURL(gCtx, c.URL, wait)
			if err != nil {
				zap.L().Debug("fetcher: redirect resolution fell back to original",
					zap.String("url", c.URL),
					zap.Error(err),
				)
				return nil
			}
			out[i].URL = final
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (f *HTTPFetcher) finalURL(ctx context.Context, rawURL string, wait time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if lim := f.opts.Limiter.For(rawURL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "fetcher: rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: create redirect request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: follow redirects")
	}
	_ = resp.Body.Close()
	f.feedback(rawURL, resp)
	if resp.StatusCode >= 400 {
		return "", eris.Errorf("fetcher: redirect probe status %d", resp.StatusCode)
	}
	return resp.Request.URL.String(), nil
}

// feedback adjusts the host's pacer from resp.
func (f *HTTPFetcher) feedback(rawURL string, resp *http.Response) {
	lim := f.opts.Limiter.For(rawURL)
	if lim == nil {
		return
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lim.Throttled(retryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode < 400:
		lim.Success()
	}
}

// retryAfter parses a Retry-After value in seconds or as an HTTP date.
// Anything unparsable, or a date already past, yields zero.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

// decodeBody converts body to UTF-8 using the charset declared in contentType.
// Unknown or absent charsets leave the bytes untouched.
func decodeBody(contentType string, body []byte) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(body)
	}
	charset := strings.ToLower(params["charset"])
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return string(body)
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(body)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}
