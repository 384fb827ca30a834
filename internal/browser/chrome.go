package browser

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pagestream/internal/model"
)

const (
	blankPage    = "about:blank"
	startTimeout = 30 * time.Second
	// locationGrace bounds reading a tab's address after its navigation was cut off.
	locationGrace = time.Second
)

// clearStorageJS must evaluate to a value; chromedp rejects undefined results.
const clearStorageJS = `(() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} return true; })()`

// ChromeConfig configures headless Chrome workers.
type ChromeConfig struct {
	ExecPath        string
	Headless        bool
	UserAgent       string
	PageLoadTimeout time.Duration
	Settle          time.Duration
	ConsentXPath    string
	ConsentTimeout  time.Duration
}

// NewChromeFactory returns a Factory that launches one Chrome process per worker.
func NewChromeFactory(cfg ChromeConfig) Factory {
	return func(ctx context.Context) (Worker, error) {
		return NewChromeWorker(ctx, cfg)
	}
}

// ChromeWorker is a Worker backed by a dedicated Chrome process and tab.
type ChromeWorker struct {
	id  string
	cfg ChromeConfig

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewChromeWorker launches Chrome and opens its main tab. The browser outlives
// ctx, which only bounds startup.
func NewChromeWorker(ctx context.Context, cfg ChromeConfig) (*ChromeWorker, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-plugins", true),
		chromedp.Flag("js-flags", "--max_old_space_size=100"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.NoSandbox,
		chromedp.WindowSize(800, 600),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	w := &ChromeWorker{
		id:          uuid.NewString()[:8],
		cfg:         cfg,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	// The first Run allocates the browser; it must not carry a deadline or
	// the browser dies with it.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	select {
	case err := <-started:
		if err != nil {
			_ = w.Close()
			return nil, eris.Wrap(err, "browser: start chrome")
		}
	case <-startCtx.Done():
		_ = w.Close()
		return nil, eris.Wrap(startCtx.Err(), "browser: start chrome")
	}

	zap.L().Debug("browser: chrome worker started", zap.String("worker", w.id))
	return w, nil
}

func (w *ChromeWorker) ID() string { return w.id }

// run executes actions in the main tab, bounded by both ctx and timeout.
func (w *ChromeWorker) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(w.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

// Fetch navigates the main tab to url, waits for the page to settle, tries
// to dismiss a consent dialog and returns the rendered document.
func (w *ChromeWorker) Fetch(ctx context.Context, url string) (*model.Page, error) {
	timeout := w.cfg.PageLoadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	if err := w.run(ctx, timeout, chromedp.Navigate(url), chromedp.Sleep(w.cfg.Settle)); err != nil {
		return nil, model.NewFetchError(url, eris.Wrap(err, "browser: navigate"))
	}

	if w.cfg.ConsentXPath != "" {
		BestEffort(w.tabCtx, "consent", w.cfg.ConsentTimeout, func(c context.Context) error {
			return chromedp.Run(c, chromedp.Click(w.cfg.ConsentXPath, chromedp.BySearch, chromedp.NodeVisible))
		})
	}

	var html, location string
	if err := w.run(ctx, timeout,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
	); err != nil {
		return nil, model.NewFetchError(url, eris.Wrap(err, "browser: read document"))
	}

	return &model.Page{URL: url, FinalURL: location, HTML: html}, nil
}

// ResolveFinal opens each candidate in its own tab, records where it lands
// and closes the tab. The main tab is not touched. Candidates that fail or
// do not settle within wait keep their original address.
func (w *ChromeWorker) ResolveFinal(ctx context.Context, candidates []model.Candidate, wait time.Duration) []model.Candidate {
	out := make([]model.Candidate, len(candidates))
	copy(out, candidates)

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		g.Go(func() error {
			if final := w.landing(gctx, c.URL, wait); final != "" {
				out[i].URL = final
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (w *ChromeWorker) landing(ctx context.Context, url string, wait time.Duration) string {
	tab, closeTab := chromedp.NewContext(w.tabCtx)
	defer closeTab()
	if err := chromedp.Run(tab); err != nil {
		zap.L().Debug("browser: open resolve tab", zap.String("url", url), zap.Error(err))
		return ""
	}

	navCtx, cancel := context.WithTimeout(tab, wait)
	stop := context.AfterFunc(ctx, cancel)
	navErr := chromedp.Run(navCtx, chromedp.Navigate(url))
	stop()
	cancel()

	// A cut-off navigation may already have left the redirect source.
	locCtx, cancel := context.WithTimeout(tab, locationGrace)
	defer cancel()
	var location string
	if err := chromedp.Run(locCtx, chromedp.Location(&location)); err != nil || location == "" || location == blankPage {
		zap.L().Debug("browser: redirect unresolved",
			zap.String("url", url),
			zap.NamedError("navigate", navErr),
			zap.Error(err),
		)
		return ""
	}
	return location
}

// Reset clears storage and cookies and navigates to a blank page.
func (w *ChromeWorker) Reset(ctx context.Context) error {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	var ok bool
	err := w.run(ctx, timeout,
		chromedp.Evaluate(clearStorageJS, &ok),
		network.ClearBrowserCookies(),
		chromedp.Navigate(blankPage),
	)
	if err != nil {
		return eris.Wrapf(err, "browser: reset worker %s", w.id)
	}
	return nil
}

// Close shuts the tab and the browser process.
func (w *ChromeWorker) Close() error {
	err := chromedp.Cancel(w.tabCtx)
	w.tabCancel()
	w.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return eris.Wrapf(err, "browser: close worker %s", w.id)
	}
	return nil
}
