// Package browser owns the pool of stateful browser sessions used to fetch
// pages in full mode.
package browser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pagestream/internal/model"
)

// Worker is a long-lived, stateful page fetcher. A Worker is never used by
// more than one task at a time.
type Worker interface {
	ID() string
	// Fetch navigates to url and returns the rendered page.
	Fetch(ctx context.Context, url string) (*model.Page, error)
	// ResolveFinal replaces each candidate address with the address it lands
	// on, leaving the worker's own navigation state where it was.
	ResolveFinal(ctx context.Context, candidates []model.Candidate, wait time.Duration) []model.Candidate
	// Reset clears client-side state and parks the worker on a blank page.
	Reset(ctx context.Context) error
	Close() error
}

// Factory constructs a new Worker. Construction is expensive and may fail.
type Factory func(ctx context.Context) (Worker, error)

// BestEffort runs a non-essential step under timeout and ignores its failure.
// Used for interactions like dismissing consent dialogs that no result
// depends on.
func BestEffort(ctx context.Context, name string, timeout time.Duration, step func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := step(ctx); err != nil {
		zap.L().Debug("browser: best-effort step skipped",
			zap.String("step", name),
			zap.Error(err),
		)
	}
}
