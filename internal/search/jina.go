package search

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pagestream/internal/fetcher"
	"github.com/sells-group/pagestream/internal/model"
	"github.com/sells-group/pagestream/internal/resilience"
	"github.com/sells-group/pagestream/pkg/jina"
)

// JinaResolver resolves candidates through the Jina search API.
type JinaResolver struct {
	client  jina.Client
	exclude *PathMatcher
}

// NewJinaResolver wraps client.
func NewJinaResolver(client jina.Client) *JinaResolver {
	return &JinaResolver{client: client}
}

// WithExclude drops links matching m before the result window is taken.
func (j *JinaResolver) WithExclude(m *PathMatcher) *JinaResolver {
	j.exclude = m
	return j
}

// Resolve asks for offset+count results and keeps the requested window.
// The fetcher is unused.
func (j *JinaResolver) Resolve(ctx context.Context, _ fetcher.Fetcher, query string, offset, count int) ([]model.Candidate, error) {
	resp, err := j.client.Search(ctx, query, jina.WithCount(offset+count))
	if err != nil {
		var se *jina.StatusError
		if errors.As(err, &se) && se.Temporary() {
			return nil, resilience.NewTransientError(err, se.StatusCode)
		}
		return nil, eris.Wrap(err, "search: jina")
	}

	links := make([]string, 0, len(resp.Data))
	for _, r := range resp.Data {
		links = append(links, r.URL)
	}
	return window(j.exclude.Filter(links), offset, count), nil
}
