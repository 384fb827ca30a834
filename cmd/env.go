package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/pagestream/internal/browser"
	"github.com/sells-group/pagestream/internal/config"
	"github.com/sells-group/pagestream/internal/extract"
	"github.com/sells-group/pagestream/internal/fetcher"
	"github.com/sells-group/pagestream/internal/scrape"
	"github.com/sells-group/pagestream/internal/search"
	"github.com/sells-group/pagestream/internal/session"
	"github.com/sells-group/pagestream/pkg/jina"
)

// scrapeEnv holds everything the serve and scrape commands run on.
type scrapeEnv struct {
	Orchestrator *scrape.Orchestrator
	Pool         *browser.Pool // nil when browsers are disabled
	Resolver     *search.Guarded
	Sessions     *session.Registry
}

// Close waits for in-flight tasks and shuts the browser pool down.
func (e *scrapeEnv) Close() {
	e.Orchestrator.Wait()
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// Stats reports pool, budget and search backend state.
func (e *scrapeEnv) Stats() map[string]any {
	st := map[string]any{
		"budget": map[string]int{
			"size":      e.Orchestrator.Budget().Size(),
			"in_flight": e.Orchestrator.Budget().InFlight(),
			"peak":      e.Orchestrator.Budget().Peak(),
		},
		"search_circuit": e.Resolver.Breaker().State().String(),
	}
	if e.Pool != nil {
		st["pool"] = e.Pool.Stats()
	}
	if s := e.Sessions.Current(); s != nil {
		st["session"] = s.ID
	}
	return st
}

// initEnv wires the fetchers, resolver stack and orchestrator from cfg.
// withBrowser starts the Chrome pool; without it full-mode requests run on
// HTTP. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, withBrowser bool) (*scrapeEnv, error) {
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:           c.HTTP.UserAgent,
		Timeout:             c.Scrape.FetchTimeout(),
		MaxBodyBytes:        c.HTTP.MaxBodyBytes,
		Limiter:             fetcher.NewHostLimiter(c.HTTP.RatePerHost, c.HTTP.Burst),
		RedirectConcurrency: c.Scrape.RedirectConcurrency,
	})

	exclude := search.NewPathMatcher(c.Search.ExcludePaths)
	var backend search.Resolver
	switch c.Search.Provider {
	case config.ProviderJina:
		client := jina.NewClient(c.Search.JinaKey, jina.WithBaseURL(c.Search.JinaBaseURL))
		backend = search.NewJinaResolver(client).WithExclude(exclude)
	default:
		backend = search.NewBingResolver(c.Search.BingURL).WithExclude(exclude)
	}
	resolver := search.NewGuarded(backend, search.GuardConfig{
		Name:            c.Search.Provider,
		Retries:         c.Search.Retries,
		CircuitFailures: c.Search.CircuitFailures,
		CircuitReset:    c.Search.CircuitReset(),
	})

	env := &scrapeEnv{Resolver: resolver, Sessions: session.NewRegistry()}

	deps := scrape.Deps{
		Sessions: env.Sessions,
		Resolver: resolver,
		HTTP:     httpFetcher,
		Extractor: &extract.Extractor{
			MaxChars:           c.Extract.MaxChars,
			CheckAfterTruncate: c.Extract.CheckAfterTruncate,
		},
		Budget: scrape.NewBudget(c.Scrape.Concurrency),
	}

	if withBrowser {
		factory := browser.NewChromeFactory(browser.ChromeConfig{
			ExecPath:        c.Browser.ExecPath,
			Headless:        c.Browser.Headless,
			UserAgent:       c.Browser.UserAgent,
			PageLoadTimeout: c.Browser.PageLoadTimeout(),
			Settle:          c.Browser.Settle(),
			ConsentXPath:    c.Browser.ConsentXPath,
			ConsentTimeout:  c.Browser.ConsentTimeout(),
		})
		pool, err := browser.NewPool(ctx, browser.PoolConfig{
			Size:              c.Pool.Size,
			MaxUses:           c.Pool.MaxUses,
			ResetTimeout:      c.Browser.ResetTimeout(),
			TemporaryFallback: c.Pool.TemporaryFallback,
		}, factory)
		if err != nil {
			return nil, err
		}
		env.Pool = pool
		deps.Pool = pool
	}

	orch, err := scrape.New(deps, scrape.Options{
		Candidates:     c.Scrape.Candidates,
		FetchTimeout:   c.Scrape.FetchTimeout(),
		AcquireTimeout: c.Pool.AcquireTimeout(),
		RedirectWait:   c.Scrape.RedirectWait(),
		Ordered:        c.Scrape.Ordered,
	})
	if err != nil {
		if env.Pool != nil {
			env.Pool.Close()
		}
		return nil, err
	}
	env.Orchestrator = orch

	zap.L().Info("pagestream: environment ready",
		zap.String("search", c.Search.Provider),
		zap.Bool("browser", withBrowser),
		zap.Int("concurrency", c.Scrape.Concurrency),
	)
	return env, nil
}
