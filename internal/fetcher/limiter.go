package fetcher

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxPause caps how long a Retry-After hint can stall a host.
const maxPause = 30 * time.Second

// Pacer spaces out requests to one host. The rate climbs by a tenth of the
// base rate per success, up to twice the base, and halves on every 429, down
// to a quarter of the base. A 429 carrying Retry-After also pauses the host.
type Pacer struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	base        rate.Limit
	pausedUntil time.Time
}

func newPacer(base rate.Limit, burst int) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(base, burst), base: base}
}

// Wait blocks until the host may be hit again, or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	pause := time.Until(p.pausedUntil)
	p.mu.Unlock()

	if pause > 0 {
		t := time.NewTimer(pause)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.limiter.Wait(ctx)
}

// Success records a response that was not throttled.
func (p *Pacer) Success() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter.SetLimit(min(p.limiter.Limit()+p.base/10, p.base*2))
}

// Throttled records a 429. hint is the server's Retry-After, or zero.
func (p *Pacer) Throttled(hint time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter.SetLimit(max(p.limiter.Limit()/2, p.base/4))
	if hint > 0 {
		p.pausedUntil = time.Now().Add(min(hint, maxPause))
	}
	zap.L().Warn("fetcher: host throttled us",
		zap.Float64("new_rate", float64(p.limiter.Limit())),
		zap.Duration("retry_after", hint),
	)
}

// Limit returns the current rate.
func (p *Pacer) Limit() rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limiter.Limit()
}

// HostLimiter hands out one Pacer per host, created on first use. A
// non-positive rate disables limiting.
type HostLimiter struct {
	mu    sync.Mutex
	rate  rate.Limit
	burst int
	hosts map[string]*Pacer
}

// NewHostLimiter creates a HostLimiter allowing perSecond requests per host.
func NewHostLimiter(perSecond float64, burst int) *HostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		rate:  rate.Limit(perSecond),
		burst: burst,
		hosts: make(map[string]*Pacer),
	}
}

// For returns the pacer for rawURL's host, or nil when limiting is off or
// the URL has no host.
func (h *HostLimiter) For(rawURL string) *Pacer {
	if h == nil || h.rate <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.hosts[u.Host]
	if !ok {
		p = newPacer(h.rate, h.burst)
		h.hosts[u.Host] = p
	}
	return p
}
