package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pagestream/internal/model"
)

var (
	// ErrAcquireTimeout is returned when no idle worker became available in
	// time and temporary fallback is disabled.
	ErrAcquireTimeout = eris.New("browser: timed out waiting for an idle worker")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = eris.New("browser: pool closed")
	// ErrWorkerCorrupt marks a pooled worker that failed its reset.
	ErrWorkerCorrupt = eris.New("browser: worker failed reset")
)

// State is the health of a pool slot.
type State int

const (
	Healthy State = iota
	Exhausted
	Failed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Size is the number of pooled workers.
	Size int
	// MaxUses is how many checkouts a worker serves before it is replaced.
	// Zero disables usage-based recycling.
	MaxUses int
	// ResetTimeout bounds the reset performed on release.
	ResetTimeout time.Duration
	// TemporaryFallback hands out an unpooled worker when Acquire times out.
	TemporaryFallback bool
}

// slot is one unit of pool capacity. worker is nil after a failed
// replacement; the next checkout rebuilds it.
type slot struct {
	id int

	mu     sync.Mutex
	worker Worker
	uses   int
	state  State
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size             int `json:"size"`
	Idle             int `json:"idle"`
	Leased           int `json:"leased"`
	Temporary        int `json:"temporary"`
	Created          int `json:"created"`
	Replaced         int `json:"replaced"`
	ResetFailures    int `json:"reset_failures"`
	TemporaryCreated int `json:"temporary_created"`
}

// Pool owns a fixed set of reusable workers.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	idle    chan *slot

	mu     sync.Mutex
	size   int
	leased map[*slot]*Lease
	closed bool
	stats  Stats
}

// NewPool builds cfg.Size workers concurrently. Workers that fail to start are
// left out, so the pool may come up smaller than requested.
func NewPool(ctx context.Context, cfg PoolConfig, factory Factory) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, eris.Errorf("browser: pool size must be positive, got %d", cfg.Size)
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		idle:    make(chan *slot, cfg.Size),
		leased:  make(map[*slot]*Lease),
	}

	workers := make([]Worker, cfg.Size)
	var g errgroup.Group
	for i := range cfg.Size {
		g.Go(func() error {
			w, err := factory(ctx)
			if err != nil {
				zap.L().Warn("browser: worker failed to start", zap.Int("slot", i), zap.Error(err))
				return nil
			}
			workers[i] = w
			return nil
		})
	}
	_ = g.Wait()

	for i, w := range workers {
		if w == nil {
			continue
		}
		p.idle <- &slot{id: i, worker: w}
		p.size++
	}
	p.stats.Created = p.size

	zap.L().Info("browser: pool ready",
		zap.Int("requested", cfg.Size),
		zap.Int("available", p.size),
	)
	return p, nil
}

// Acquire waits up to timeout for an idle worker. On timeout it returns a
// temporary worker when TemporaryFallback is set, ErrAcquireTimeout otherwise.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-p.idle:
		return p.checkout(ctx, s)
	case <-timer.C:
		if !p.cfg.TemporaryFallback {
			return nil, ErrAcquireTimeout
		}
		zap.L().Debug("browser: pool exhausted, starting temporary worker")
		return p.temporary(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) checkout(ctx context.Context, s *slot) (*Lease, error) {
	s.mu.Lock()
	if s.worker != nil && p.cfg.MaxUses > 0 && s.uses >= p.cfg.MaxUses {
		s.state = Exhausted
		p.retire(s)
	}
	if s.worker == nil {
		if err := p.rebuild(ctx, s); err != nil {
			s.mu.Unlock()
			p.idle <- s
			return nil, eris.Wrap(err, "browser: rebuild worker")
		}
	}
	s.uses++
	lease := &Lease{kind: LeasePooled, pool: p, slot: s, worker: s.worker, uses: s.uses}
	s.mu.Unlock()

	p.mu.Lock()
	p.leased[s] = lease
	p.mu.Unlock()
	return lease, nil
}

func (p *Pool) temporary(ctx context.Context) (*Lease, error) {
	w, err := p.factory(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "browser: start temporary worker")
	}
	p.mu.Lock()
	p.stats.Temporary++
	p.stats.TemporaryCreated++
	p.mu.Unlock()
	return &Lease{kind: LeaseTemporary, pool: p, worker: w}, nil
}

// Release returns a lease. Pooled workers are reset and go back to the idle
// set, replaced if the reset fails; temporary workers are closed. Releasing a
// lease more than once has no effect.
func (p *Pool) Release(l *Lease) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}

	switch l.kind {
	case LeaseTemporary:
		closeWorker(l.worker)
		p.mu.Lock()
		p.stats.Temporary--
		p.mu.Unlock()

	case LeasePooled:
		p.mu.Lock()
		if p.leased[l.slot] != l {
			p.mu.Unlock()
			return
		}
		delete(p.leased, l.slot)
		closed := p.closed
		p.mu.Unlock()

		s := l.slot
		s.mu.Lock()
		defer s.mu.Unlock()
		if closed {
			p.retire(s)
			return
		}
		p.reset(s)

		// Close may have drained the idle set while the reset ran.
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			p.retire(s)
			return
		}
		p.idle <- s
	}
}

// reset parks s's worker on a blank page, replacing it when that fails.
// Caller holds s.mu.
func (p *Pool) reset(s *slot) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	defer cancel()

	err := s.worker.Reset(ctx)
	if err == nil {
		return
	}

	zap.L().Warn("browser: replacing corrupt worker",
		zap.Int("slot", s.id),
		zap.String("worker", s.worker.ID()),
		zap.Error(err),
		zap.NamedError("reason", ErrWorkerCorrupt),
	)
	p.mu.Lock()
	p.stats.ResetFailures++
	p.mu.Unlock()

	s.state = Failed
	p.retire(s)
	if err := p.rebuild(context.Background(), s); err != nil {
		zap.L().Warn("browser: replacement failed, slot will be rebuilt on next checkout",
			zap.Int("slot", s.id),
			zap.Error(err),
		)
	}
}

// retire closes s's worker and zeroes its counter. Caller holds s.mu.
func (p *Pool) retire(s *slot) {
	closeWorker(s.worker)
	s.worker = nil
	s.uses = 0
}

// rebuild installs a fresh worker into an empty slot. Caller holds s.mu.
func (p *Pool) rebuild(ctx context.Context, s *slot) error {
	w, err := p.factory(ctx)
	if err != nil {
		s.state = Failed
		return err
	}
	s.worker = w
	s.uses = 0
	s.state = Healthy

	p.mu.Lock()
	p.stats.Replaced++
	p.mu.Unlock()
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Size = p.size
	st.Idle = len(p.idle)
	st.Leased = len(p.leased)
	return st
}

// Close shuts down idle workers. Workers still leased are closed when they
// are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			s.mu.Lock()
			p.retire(s)
			s.mu.Unlock()
		default:
			return
		}
	}
}

func closeWorker(w Worker) {
	if w == nil {
		return
	}
	if err := w.Close(); err != nil {
		zap.L().Debug("browser: close worker", zap.String("worker", w.ID()), zap.Error(err))
	}
}

// LeaseKind tags how a lease's worker is owned.
type LeaseKind int

const (
	// LeasePooled workers return to the pool on release.
	LeasePooled LeaseKind = iota
	// LeaseTemporary workers live outside pool capacity and are destroyed on release.
	LeaseTemporary
)

func (k LeaseKind) String() string {
	if k == LeaseTemporary {
		return "temporary"
	}
	return "pooled"
}

// Lease is exclusive use of one worker until Release.
type Lease struct {
	kind     LeaseKind
	pool     *Pool
	slot     *slot
	worker   Worker
	uses     int
	released atomic.Bool
}

// Kind reports whether the worker is pooled or temporary.
func (l *Lease) Kind() LeaseKind { return l.kind }

// Uses is the worker's checkout count including this one. Always 0 for
// temporary workers.
func (l *Lease) Uses() int { return l.uses }

// WorkerID identifies the leased worker.
func (l *Lease) WorkerID() string { return l.worker.ID() }

// Fetch fetches url with the leased worker.
func (l *Lease) Fetch(ctx context.Context, url string) (*model.Page, error) {
	return l.worker.Fetch(ctx, url)
}

// ResolveFinal resolves indirections with the leased worker.
func (l *Lease) ResolveFinal(ctx context.Context, candidates []model.Candidate, wait time.Duration) []model.Candidate {
	return l.worker.ResolveFinal(ctx, candidates, wait)
}

// Release returns the lease to its pool.
func (l *Lease) Release() { l.pool.Release(l) }
