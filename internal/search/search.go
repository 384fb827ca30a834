// Package search turns a query into the ordered list of candidate pages a job
// fans out over.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/pagestream/internal/fetcher"
	"github.com/sells-group/pagestream/internal/model"
)

// Resolver produces up to count candidates starting at rank offset. f is the
// job's fetcher for resolvers that scrape a results page; API-backed
// resolvers ignore it.
type Resolver interface {
	Resolve(ctx context.Context, f fetcher.Fetcher, query string, offset, count int) ([]model.Candidate, error)
}

// ResolutionError means no candidate list could be produced. It fails the job.
type ResolutionError struct {
	Query string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("search: resolve %q: %v", e.Query, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// window slices ranked links to [offset, offset+count) and numbers each
// candidate by its absolute rank. Blank and duplicate links are dropped
// before slicing.
func window(links []string, offset, count int) []model.Candidate {
	seen := make(map[string]struct{}, len(links))
	ranked := make([]string, 0, len(links))
	for _, l := range links {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		ranked = append(ranked, l)
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(ranked) || count <= 0 {
		return nil
	}
	end := min(offset+count, len(ranked))

	out := make([]model.Candidate, 0, end-offset)
	for i, l := range ranked[offset:end] {
		out = append(out, model.Candidate{Index: offset + i, URL: l})
	}
	return out
}
