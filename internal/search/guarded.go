package search

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/pagestream/internal/fetcher"
	"github.com/sells-group/pagestream/internal/model"
	"github.com/sells-group/pagestream/internal/resilience"
)

// GuardConfig configures retries and the circuit breaker around a resolver.
type GuardConfig struct {
	Name            string
	Retries         int
	CircuitFailures int
	CircuitReset    time.Duration
	InitialBackoff  time.Duration
}

// Guarded retries transient resolver failures and stops calling a backend
// that keeps failing. Every failure it returns is a *ResolutionError.
type Guarded struct {
	inner   Resolver
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewGuarded wraps inner.
func NewGuarded(inner Resolver, cfg GuardConfig) *Guarded {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = max(cfg.Retries, 0) + 1
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}
	retry.OnRetry = resilience.RetryLogger(cfg.Name, "resolve")

	return &Guarded{
		inner: inner,
		retry: retry,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             cfg.Name,
			FailureThreshold: cfg.CircuitFailures,
			ResetTimeout:     cfg.CircuitReset,
		}),
	}
}

// Resolve implements Resolver.
func (g *Guarded) Resolve(ctx context.Context, f fetcher.Fetcher, query string, offset, count int) ([]model.Candidate, error) {
	out, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) ([]model.Candidate, error) {
		return resilience.DoVal(ctx, g.retry, func(ctx context.Context) ([]model.Candidate, error) {
			return g.inner.Resolve(ctx, f, query, offset, count)
		})
	})
	if err != nil {
		var re *ResolutionError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, &ResolutionError{Query: query, Err: err}
	}
	return out, nil
}

// Breaker exposes the circuit state for status reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }
