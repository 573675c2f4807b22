package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerSeedsFromState(t *testing.T) {
	seeded := 0
	l := newLedger(0, func(campaign string) int {
		seeded++
		if campaign == "spring" {
			return 2
		}
		return 0
	})

	assert.Equal(t, 2, ledgerCount(l, "spring"))
	assert.Equal(t, 2, ledgerCount(l, "spring"))
	assert.Equal(t, 1, seeded, "seed is consulted once per campaign")
	assert.ErrorIs(t, l.reserve(context.Background(), "spring", 2), errDailyCap)
	require.NoError(t, l.reserve(context.Background(), "autumn", 2))
}

func TestLedgerBudget(t *testing.T) {
	ctx := context.Background()
	l := newLedger(2, nil)

	require.NoError(t, l.reserve(ctx, "a", 10))
	require.NoError(t, l.reserve(ctx, "b", 10))
	assert.ErrorIs(t, l.reserve(ctx, "a", 10), errBudgetExhausted)

	l.release("a")
	require.NoError(t, l.reserve(ctx, "a", 10), "a released reservation returns budget")

	l.settle("a", false)
	assert.ErrorIs(t, l.reserve(ctx, "a", 10), errBudgetExhausted, "a failed attempt still spends budget")
}

func TestLedgerWaitsForInflightAtCap(t *testing.T) {
	ctx := context.Background()
	l := newLedger(0, nil)
	require.NoError(t, l.reserve(ctx, "spring", 1))

	done := make(chan error, 1)
	go func() { done <- l.reserve(ctx, "spring", 1) }()

	select {
	case <-done:
		t.Fatal("reserve must wait while the only slot is in flight")
	case <-time.After(50 * time.Millisecond):
	}

	l.settle("spring", false)
	select {
	case err := <-done:
		require.NoError(t, err, "a failed call frees its slot")
	case <-time.After(time.Second):
		t.Fatal("reserve did not wake after settle")
	}

	go func() { done <- l.reserve(ctx, "spring", 1) }()
	l.settle("spring", true)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errDailyCap)
	case <-time.After(time.Second):
		t.Fatal("reserve did not wake after settle")
	}
	assert.Equal(t, 1, ledgerCount(l, "spring"))
}

func TestLedgerReserveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := newLedger(0, nil)
	require.NoError(t, l.reserve(ctx, "spring", 1))

	done := make(chan error, 1)
	go func() { done <- l.reserve(ctx, "spring", 1) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reserve did not observe cancellation")
	}
}

func ledgerCount(l *ledger, campaign string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(campaign)
}
