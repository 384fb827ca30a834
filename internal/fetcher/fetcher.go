// Package fetcher retrieves raw page content with stateless HTTP requests.
package fetcher

import (
	"context"
	"time"

	"github.com/sells-group/pagestream/internal/model"
)

// Fetcher retrieves the raw content of a single page. Failures are returned
// as *model.FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*model.Page, error)
}

// RedirectResolver rewrites candidates whose addresses are indirections to the
// address they finally land on. Implementations never fail: a candidate that
// cannot be resolved within wait keeps its original address.
type RedirectResolver interface {
	ResolveFinal(ctx context.Context, candidates []model.Candidate, wait time.Duration) []model.Candidate
}
