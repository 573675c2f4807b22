package dispatch

import (
	"context"
	"errors"
	"sync"
)

var (
	errBudgetExhausted = errors.New("attempt budget exhausted")
	errDailyCap        = errors.New("daily cap reached")
)

// ledger tracks the run's attempt budget and per-campaign daily counts. A
// campaign's count is seeded from state on first use; from then on the ledger
// is authoritative for cap decisions during the run.
type ledger struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxCalls int // 0 = unbounded
	reserved int

	seed     func(campaign string) int
	counts   map[string]int
	inflight map[string]int
}

func newLedger(maxCalls int, seed func(campaign string) int) *ledger {
	l := &ledger{
		maxCalls: maxCalls,
		seed:     seed,
		counts:   make(map[string]int),
		inflight: make(map[string]int),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *ledger) countLocked(campaign string) int {
	c, ok := l.counts[campaign]
	if !ok {
		if l.seed != nil {
			c = l.seed(campaign)
		}
		l.counts[campaign] = c
	}
	return c
}

// reserve claims one attempt for campaign. While the campaign's count plus
// in-flight calls sits at the cap it waits for an in-flight call to settle,
// because a failure frees the slot. It returns errDailyCap once the cap is
// met by settled successes alone, errBudgetExhausted when max_calls is used
// up, or the context error.
func (l *ledger) reserve(ctx context.Context, campaign string, limit int) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.maxCalls > 0 && l.reserved >= l.maxCalls {
			return errBudgetExhausted
		}
		count := l.countLocked(campaign)
		if count >= limit {
			return errDailyCap
		}
		if count+l.inflight[campaign] < limit {
			l.inflight[campaign]++
			l.reserved++
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
}

// settle completes a reservation after the gateway answered.
func (l *ledger) settle(campaign string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[campaign]--
	if success {
		l.counts[campaign] = l.countLocked(campaign) + 1
	}
	l.cond.Broadcast()
}

// release returns a reservation that never reached the gateway.
func (l *ledger) release(campaign string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[campaign]--
	l.reserved--
	l.cond.Broadcast()
}
