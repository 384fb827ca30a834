// Package scrape runs streaming scrape jobs. A job resolves a query into
// candidate pages, fetches and extracts each one under a shared concurrency
// budget, and streams results to its consumer as they finish.
package scrape

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pagestream/internal/browser"
	"github.com/sells-group/pagestream/internal/extract"
	"github.com/sells-group/pagestream/internal/fetcher"
	"github.com/sells-group/pagestream/internal/model"
	"github.com/sells-group/pagestream/internal/search"
	"github.com/sells-group/pagestream/internal/session"
)

// PageFetcher fetches pages and resolves redirect indirections. Both the
// stateless HTTP fetcher and a browser lease satisfy it.
type PageFetcher interface {
	fetcher.Fetcher
	fetcher.RedirectResolver
}

// LeaseSource hands out browser workers for full-mode jobs.
type LeaseSource interface {
	Acquire(ctx context.Context, timeout time.Duration) (*browser.Lease, error)
}

// Deps are the collaborators an Orchestrator drives. Pool may be nil, in
// which case full-mode requests run on HTTP.
type Deps struct {
	Sessions  *session.Registry
	Resolver  search.Resolver
	Pool      LeaseSource
	HTTP      PageFetcher
	Extractor *extract.Extractor
	Budget    *Budget
}

// Options tune job behavior.
type Options struct {
	// Candidates is how many results each job fans out over.
	Candidates int
	// FetchTimeout bounds each candidate fetch.
	FetchTimeout time.Duration
	// AcquireTimeout bounds waiting for a pooled browser worker.
	AcquireTimeout time.Duration
	// RedirectWait bounds redirect resolution per candidate. Zero skips it.
	RedirectWait time.Duration
	// Ordered delivers results in candidate order instead of completion order.
	Ordered bool
}

// DefaultOptions returns the stock job settings.
func DefaultOptions() Options {
	return Options{
		Candidates:     5,
		FetchTimeout:   10 * time.Second,
		AcquireTimeout: 10 * time.Second,
		RedirectWait:   3 * time.Second,
	}
}

// Orchestrator runs streaming jobs. At most one job is live at a time:
// starting a job supersedes the previous one.
type Orchestrator struct {
	deps Deps
	opts Options
	wg   sync.WaitGroup
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Sessions == nil:
		return nil, eris.New("scrape: session registry is required")
	case deps.Resolver == nil:
		return nil, eris.New("scrape: resolver is required")
	case deps.HTTP == nil:
		return nil, eris.New("scrape: http fetcher is required")
	case deps.Budget == nil:
		return nil, eris.New("scrape: budget is required")
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New()
	}

	def := DefaultOptions()
	if opts.Candidates <= 0 {
		opts.Candidates = def.Candidates
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = def.FetchTimeout
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	return &Orchestrator{deps: deps, opts: opts}, nil
}

// Stream validates req, supersedes any running job and starts a new one.
// The returned channel carries a processing/result pair per candidate and
// then exactly one end or error event, unless the job is cancelled, in which
// case it closes with no terminal event. A processing event that was sent is
// always followed by its result, even after supersession. Cancelling ctx
// cancels the job and tells it nobody is reading; callers that stop reading
// must cancel ctx.
func (o *Orchestrator) Stream(ctx context.Context, req model.Request) (<-chan model.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s := o.deps.Sessions.Start(ctx)
	out := make(chan model.Event)
	j := &job{
		o:        o,
		s:        s,
		consumer: ctx,
		req:      req,
		out:      out,
		log:      zap.L().With(zap.String("session", s.ID), zap.String("query", req.Query)),
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		j.run()
	}()
	return out, nil
}

// Wait blocks until every job and candidate task has released its resources.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Budget exposes the shared concurrency budget.
func (o *Orchestrator) Budget() *Budget { return o.deps.Budget }

type job struct {
	o        *Orchestrator
	s        *session.Session
	consumer context.Context // the caller's context; done when nobody is reading
	req      model.Request
	out      chan model.Event
	log      *zap.Logger
	state    State
}

type outcome struct {
	pos    int
	index  int
	result model.Result
}

func (j *job) transition(to State) {
	j.log.Debug("scrape: job state",
		zap.Stringer("from", j.state),
		zap.Stringer("to", to),
	)
	j.state = to
}

// emit delivers ev unless the session has been cancelled.
func (j *job) emit(ev model.Event) bool {
	ctx := j.s.Context()
	if ctx.Err() != nil {
		return false
	}
	select {
	case j.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (j *job) cancelled() {
	j.transition(Cancelled)
	j.log.Info("scrape: job cancelled", zap.NamedError("cause", j.s.Cause()))
}

func (j *job) run() {
	ctx := j.s.Context()

	// The job lease outlives the stream so a slow reset never delays close.
	f, releaseLease := j.lease(ctx, "search")
	defer releaseLease()
	defer close(j.out)
	defer j.o.deps.Sessions.End(j.s)

	start := time.Now()
	j.state = Resolving
	j.log.Info("scrape: job started",
		zap.String("mode", string(j.req.Mode)),
		zap.Int("starting_index", j.req.StartingIndex),
	)

	candidates, err := j.resolve(ctx, f)
	if ctx.Err() != nil {
		j.cancelled()
		return
	}
	if err != nil {
		j.transition(Failed)
		j.log.Warn("scrape: job failed", zap.Error(err))
		j.emit(model.Event{Kind: model.EventError, Index: -1, Err: err})
		return
	}
	if len(candidates) == 0 {
		j.transition(Completed)
		j.emit(model.Event{Kind: model.EventEnd, Index: -1})
		return
	}

	j.transition(FanningOut)
	results := make(chan outcome, len(candidates))
	for pos, c := range candidates {
		j.o.wg.Add(1)
		go func() {
			defer j.o.wg.Done()
			results <- outcome{pos: pos, index: c.Index, result: j.process(ctx, c)}
		}()
	}

	j.transition(Draining)
	if !j.drain(results, len(candidates)) {
		j.cancelled()
		return
	}

	j.transition(Completed)
	if j.emit(model.Event{Kind: model.EventEnd, Index: -1}) {
		j.log.Info("scrape: job completed",
			zap.Int("candidates", len(candidates)),
			zap.Duration("elapsed", time.Since(start)),
		)
		return
	}
	j.cancelled()
}

// resolve produces the job's candidates using the job's fetcher for both the
// search fetch and redirect resolution.
func (j *job) resolve(ctx context.Context, f PageFetcher) ([]model.Candidate, error) {
	candidates, err := j.o.deps.Resolver.Resolve(ctx, f, j.req.Query, j.req.StartingIndex, j.o.opts.Candidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 && j.o.opts.RedirectWait > 0 && ctx.Err() == nil {
		candidates = f.ResolveFinal(ctx, candidates, j.o.opts.RedirectWait)
	}
	return candidates, nil
}

// drain forwards n outcomes as processing/result pairs. It returns false
// once the session is cancelled; undelivered outcomes are discarded.
func (j *job) drain(results <-chan outcome, n int) bool {
	ctx := j.s.Context()
	pending := make(map[int]outcome)
	next := 0

	for range n {
		var oc outcome
		select {
		case oc = <-results:
		case <-ctx.Done():
			return false
		}

		if !j.o.opts.Ordered {
			if !j.deliver(oc) {
				return false
			}
			continue
		}

		pending[oc.pos] = oc
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if !j.deliver(ready) {
				return false
			}
		}
	}
	return true
}

// deliver emits oc as a processing/result pair. Cancellation is checked once,
// before the pair: once processing is out, the result follows unless the
// consumer itself has gone away.
func (j *job) deliver(oc outcome) bool {
	if !j.emit(model.Event{Kind: model.EventProcessing, Index: oc.index}) {
		return false
	}
	r := oc.result
	select {
	case j.out <- model.Event{Kind: model.EventResult, Index: oc.index, Result: &r}:
		return true
	case <-j.consumer.Done():
		return false
	}
}

// process runs one candidate to a result. It never fails: every error maps
// to the empty or timeout result. Resources are released on every path.
func (j *job) process(ctx context.Context, c model.Candidate) model.Result {
	if ctx.Err() != nil {
		return model.EmptyResult()
	}

	release, err := j.o.deps.Budget.Acquire(ctx)
	if err != nil {
		return model.EmptyResult()
	}
	defer release()
	if ctx.Err() != nil {
		return model.EmptyResult()
	}

	f, done := j.lease(ctx, "candidate")
	defer done()
	if ctx.Err() != nil {
		return model.EmptyResult()
	}

	// In-flight I/O is not interrupted by cancellation; its result is
	// discarded by the drain loop instead.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.o.opts.FetchTimeout)
	defer cancel()

	log := j.log.With(zap.Int("index", c.Index), zap.String("url", c.URL))
	page, err := f.Fetch(fetchCtx, c.URL)
	if err != nil {
		if model.IsFetchTimeout(err) || errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			log.Debug("scrape: candidate timed out")
			return model.TimeoutResult()
		}
		log.Debug("scrape: candidate fetch failed", zap.Error(err))
		return model.EmptyResult()
	}

	text := j.o.deps.Extractor.Extract(page.HTML, j.req.Sentence)
	if text == "" {
		log.Debug("scrape: candidate has no unique content")
		return model.EmptyResult()
	}
	return model.Result{CleanLink: page.Link(), Text: text}
}

// lease picks a fetch path. Full mode leases a browser worker and falls back
// to HTTP when none can be had. The returned func releases the lease.
func (j *job) lease(ctx context.Context, purpose string) (PageFetcher, func()) {
	if j.req.Mode != model.ModeFull || j.o.deps.Pool == nil {
		return j.o.deps.HTTP, func() {}
	}
	lease, err := j.o.deps.Pool.Acquire(ctx, j.o.opts.AcquireTimeout)
	if err != nil {
		j.log.Warn("scrape: no browser available, using http",
			zap.String("purpose", purpose),
			zap.Error(err),
		)
		return j.o.deps.HTTP, func() {}
	}
	return lease, lease.Release
}
