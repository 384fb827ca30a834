package scrape

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
)

// Budget caps how many candidate tasks run at once across all jobs.
type Budget struct {
	size     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewBudget returns a Budget of n slots. n below 1 is treated as 1.
func NewBudget(n int) *Budget {
	size := int64(max(n, 1))
	return &Budget{size: size, sem: semaphore.NewWeighted(size)}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// func may be called any number of times; only the first call frees the slot.
func (b *Budget) Acquire(ctx context.Context) (func(), error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "scrape: acquire budget slot")
	}

	n := b.inFlight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.inFlight.Add(-1)
			b.sem.Release(1)
		})
	}, nil
}

// Size is the number of slots.
func (b *Budget) Size() int { return int(b.size) }

// InFlight is the number of slots currently held.
func (b *Budget) InFlight() int { return int(b.inFlight.Load()) }

// Peak is the highest InFlight observed.
func (b *Budget) Peak() int { return int(b.peak.Load()) }
