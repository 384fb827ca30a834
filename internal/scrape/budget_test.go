package scrape

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_AcquireRelease(t *testing.T) {
	b := NewBudget(2)
	assert.Equal(t, 2, b.Size())

	r1, err := b.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := b.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, b.InFlight())

	r1()
	r1()
	assert.Equal(t, 1, b.InFlight(), "release is idempotent")

	r2()
	assert.Equal(t, 0, b.InFlight())
	assert.Equal(t, 2, b.Peak())
}

func TestBudget_BlocksUntilRelease(t *testing.T) {
	b := NewBudget(1)
	release, err := b.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := b.Acquire(context.Background())
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestBudget_ContextCancelled(t *testing.T) {
	b := NewBudget(1)
	release, err := b.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.InFlight())
}

func TestNewBudget_MinimumOne(t *testing.T) {
	assert.Equal(t, 1, NewBudget(0).Size())
	assert.Equal(t, 1, NewBudget(-4).Size())
}

func TestState(t *testing.T) {
	tests := []struct {
		s        State
		name     string
		terminal bool
	}{
		{Resolving, "resolving", false},
		{FanningOut, "fanning_out", false},
		{Draining, "draining", false},
		{Completed, "completed", true},
		{Cancelled, "cancelled", true},
		{Failed, "failed", true},
		{State(42), "unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.s.String())
		assert.Equal(t, tt.terminal, tt.s.Terminal(), tt.name)
	}
}
