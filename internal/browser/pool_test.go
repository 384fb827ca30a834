package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/pagestream/internal/model"
)

type fakeWorker struct {
	id       string
	resetErr error
	resets   atomic.Int32
	closed   atomic.Bool

	// When set, Reset signals inReset and then blocks until resume closes.
	inReset chan struct{}
	resume  chan struct{}
}

func (f *fakeWorker) ID() string { return f.id }

func (f *fakeWorker) Fetch(_ context.Context, url string) (*model.Page, error) {
	return &model.Page{URL: url, HTML: "<p>" + f.id + "</p>"}, nil
}

func (f *fakeWorker) ResolveFinal(_ context.Context, c []model.Candidate, _ time.Duration) []model.Candidate {
	return c
}

func (f *fakeWorker) Reset(context.Context) error {
	f.resets.Add(1)
	if f.resume != nil {
		close(f.inReset)
		<-f.resume
	}
	return f.resetErr
}

func (f *fakeWorker) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeFactory hands out fakeWorkers and records them. fail decides, by call
// number starting at 1, whether construction errors.
type fakeFactory struct {
	mu      sync.Mutex
	calls   int
	fail    func(n int) bool
	workers []*fakeWorker
}

func (f *fakeFactory) build(context.Context) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil && f.fail(f.calls) {
		return nil, errors.New("chrome crashed")
	}
	w := &fakeWorker{id: fmt.Sprintf("w%d", f.calls)}
	f.workers = append(f.workers, w)
	return w, nil
}

func (f *fakeFactory) last() *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[len(f.workers)-1]
}

func newTestPool(t *testing.T, cfg PoolConfig, f *fakeFactory) *Pool {
	t.Helper()
	p, err := NewPool(context.Background(), cfg, f.build)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewPool_RejectsNonPositiveSize(t *testing.T) {
	_, err := NewPool(context.Background(), PoolConfig{Size: 0}, (&fakeFactory{}).build)
	assert.Error(t, err)
}

func TestNewPool_PartialStartShrinksCapacity(t *testing.T) {
	f := &fakeFactory{fail: func(n int) bool { return n == 2 }}
	p := newTestPool(t, PoolConfig{Size: 3}, f)

	st := p.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Idle)
	assert.Equal(t, 2, st.Created)
}

func TestAcquireRelease_RoundTrip(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1}, f)

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, LeasePooled, lease.Kind())
	assert.Equal(t, 1, lease.Uses())
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 1, p.Stats().Leased)

	page, err := lease.Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", page.URL)

	lease.Release()
	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 0, p.Stats().Leased)
	assert.Equal(t, int32(1), f.last().resets.Load())
}

func TestRelease_Idempotent(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 2}, f)

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	p.Release(lease)
	p.Release(nil)

	st := p.Stats()
	assert.Equal(t, 2, st.Idle)
	assert.Equal(t, 0, st.Leased)
}

func TestAcquire_RecyclesAtMaxUses(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1, MaxUses: 2}, f)
	ctx := context.Background()

	first := f.last()
	for want := 1; want <= 2; want++ {
		lease, err := p.Acquire(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, lease.Uses())
		assert.Equal(t, first.ID(), lease.WorkerID())
		lease.Release()
	}

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer lease.Release()

	assert.True(t, first.closed.Load(), "exhausted worker should be closed")
	assert.NotEqual(t, first.ID(), lease.WorkerID())
	assert.Equal(t, 1, lease.Uses())
	assert.Equal(t, 1, p.Stats().Replaced)
}

func TestRetire_ZeroesUsage(t *testing.T) {
	p := &Pool{}
	w := &fakeWorker{id: "w"}
	s := &slot{worker: w, uses: 7}

	p.retire(s)

	assert.Nil(t, s.worker)
	assert.Equal(t, 0, s.uses)
	assert.True(t, w.closed.Load())
}

func TestRelease_ResetFailureReplacesWorker(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1}, f)

	broken := f.last()
	broken.resetErr = errors.New("tab hung")

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release()

	assert.True(t, broken.closed.Load())
	st := p.Stats()
	assert.Equal(t, 1, st.ResetFailures)
	assert.Equal(t, 1, st.Replaced)
	assert.Equal(t, 1, st.Idle)

	next, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer next.Release()
	assert.NotEqual(t, broken.ID(), next.WorkerID())
	assert.Equal(t, 1, next.Uses())
}

func TestRelease_ResetFailureLogsCause(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1}, f)
	cause := errors.New("tab hung")
	f.last().resetErr = cause

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	lease.Release()

	entries := logs.FilterMessage("browser: replacing corrupt worker").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, cause.Error(), fields["error"])
	assert.Equal(t, ErrWorkerCorrupt.Error(), fields["reason"])
}

func TestRelease_FailedReplacementRebuildsOnNextCheckout(t *testing.T) {
	var failing atomic.Bool
	f := &fakeFactory{fail: func(int) bool { return failing.Load() }}
	p := newTestPool(t, PoolConfig{Size: 1}, f)
	f.last().resetErr = errors.New("tab hung")

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	failing.Store(true)
	lease.Release()
	assert.Equal(t, 1, p.Stats().Size, "slot keeps its capacity")
	assert.Equal(t, 1, p.Stats().Idle)

	_, err = p.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, 1, p.Stats().Idle, "slot returns to the idle set after a failed rebuild")

	failing.Store(false)
	lease, err = p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, 1, lease.Uses())
}

func TestAcquire_TimeoutWithoutFallback(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1}, f)

	held, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = p.Acquire(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAcquire_TemporaryFallback(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1, TemporaryFallback: true}, f)

	held, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer held.Release()

	tmp, err := p.Acquire(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, LeaseTemporary, tmp.Kind())
	assert.Equal(t, 1, p.Stats().Temporary)

	tmpWorker := f.last()
	tmp.Release()
	tmp.Release()

	assert.True(t, tmpWorker.closed.Load(), "temporary worker is destroyed on release")
	st := p.Stats()
	assert.Equal(t, 0, st.Temporary)
	assert.Equal(t, 1, st.TemporaryCreated)
	assert.Equal(t, 1, st.Size, "temporary workers never join the pool")
	assert.Equal(t, 0, st.Idle)
}

func TestAcquire_EmptyPoolFallsBack(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	f := &fakeFactory{fail: func(int) bool { return failing.Load() }}
	p := newTestPool(t, PoolConfig{Size: 2, TemporaryFallback: true}, f)
	require.Equal(t, 0, p.Stats().Size)

	failing.Store(false)
	lease, err := p.Acquire(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, LeaseTemporary, lease.Kind())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1}, f)

	held, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose_ClosesIdleAndLateReleases(t *testing.T) {
	f := &fakeFactory{}
	p, err := NewPool(context.Background(), PoolConfig{Size: 2}, f.build)
	require.NoError(t, err)

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	p.Close()
	_, err = p.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)

	lease.Release()
	for _, w := range f.workers {
		assert.True(t, w.closed.Load(), "worker %s", w.id)
	}
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestRelease_CloseDuringResetRetiresWorker(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{Size: 1}, f)
	w := f.last()
	w.inReset = make(chan struct{})
	w.resume = make(chan struct{})

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		defer close(released)
		lease.Release()
	}()

	<-w.inReset
	p.Close()
	close(w.resume)
	<-released

	assert.True(t, w.closed.Load(), "worker reset during Close must not return to the idle set")
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestPool_CapacityInvariantUnderLoad(t *testing.T) {
	f := &fakeFactory{}
	const size = 3
	p := newTestPool(t, PoolConfig{Size: size, MaxUses: 4}, f)

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), 5*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	st := p.Stats()
	assert.Equal(t, size, st.Idle)
	assert.Equal(t, 0, st.Leased)
	assert.Equal(t, 0, st.Temporary)
}

func TestBestEffort_SwallowsFailureAndTimeout(t *testing.T) {
	ran := false
	BestEffort(context.Background(), "consent", 10*time.Millisecond, func(ctx context.Context) error {
		ran = true
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, ran)
}

func TestStateAndKindStrings(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "pooled", LeasePooled.String())
	assert.Equal(t, "temporary", LeaseTemporary.String())
}
