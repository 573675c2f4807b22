package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/outdial/internal/controls"
	"github.com/mattjoyce/outdial/internal/gateway"
	"github.com/mattjoyce/outdial/internal/log"
	"github.com/mattjoyce/outdial/internal/policy"
	"github.com/mattjoyce/outdial/internal/state"
	"github.com/mattjoyce/outdial/internal/target"
)

const defaultCallTimeout = 30 * time.Second

// errProviderFailed marks a call the gateway accepted but reported as failed.
var errProviderFailed = errors.New("provider reported status failed")

// Outcome is one result delivered to the collector: either a gateway call
// (Err nil on success) or a cap skip decided while feeding.
type Outcome struct {
	Target     target.Target
	Attempt    int
	AfterHours bool
	Skipped    bool
	Reason     string
	Result     gateway.Result
	Err        error
	At         time.Time

	released bool
}

// FeedResult describes why feeding ended.
type FeedResult struct {
	Stopped         bool
	Interrupted     bool
	BudgetExhausted bool
	// Remaining counts eligible targets that were never attempted.
	Remaining int
}

// PoolConfig tunes a Pool. Zero values disable the optional limits.
type PoolConfig struct {
	Concurrency    int
	CallTimeout    time.Duration
	InterCallDelay time.Duration
	Limiter        *rate.Limiter
	RunID          string
	DailyCapFor    func(campaign string) int
	Watcher        *controls.Watcher
	Now            func() time.Time
}

// Pool performs the concurrent phase of a run.
type Pool struct {
	caller Caller
	ledger *ledger
	cfg    PoolConfig
	logger *slog.Logger
}

func newPool(caller Caller, l *ledger, cfg PoolConfig) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		caller: caller,
		ledger: l,
		cfg:    cfg,
		logger: log.WithComponent("dispatch").With("run_id", cfg.RunID),
	}
}

type job struct {
	cand    policy.Candidate
	attempt int
}

// Run dispatches the ranked candidates and calls collect for every outcome.
// collect runs on the calling goroutine only, so it may mutate shared state
// without locking. Run returns after every in-flight call has been collected.
func (p *Pool) Run(ctx context.Context, cands []policy.Candidate, collect func(Outcome)) FeedResult {
	jobs := make(chan job)
	results := make(chan Outcome, p.cfg.Concurrency)

	var (
		g    errgroup.Group
		feed FeedResult
	)
	g.Go(func() error {
		defer close(jobs)
		feed = p.feed(ctx, cands, jobs, results)
		return nil
	})
	for range p.cfg.Concurrency {
		g.Go(func() error {
			p.work(ctx, jobs, results)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	released := 0
	for o := range results {
		campaign := o.Target.CampaignID
		switch {
		case o.released:
			p.ledger.release(campaign)
			released++
			continue
		case !o.Skipped:
			p.ledger.settle(campaign, o.Err == nil)
		}
		collect(o)
	}

	feed.Remaining += released
	if released > 0 {
		feed.Interrupted = true
	}
	return feed
}

func (p *Pool) feed(ctx context.Context, cands []policy.Candidate, jobs chan<- job, results chan<- Outcome) FeedResult {
	var res FeedResult
	for i, c := range cands {
		remaining := len(cands) - i
		if ctx.Err() != nil {
			res.Interrupted = true
			res.Remaining = remaining
			return res
		}
		if p.cfg.Watcher.StopRequested() {
			p.logger.Info("stop requested, no further targets will be dispatched", "remaining", remaining)
			res.Stopped = true
			res.Remaining = remaining
			return res
		}

		campaign := c.Target.CampaignID
		err := p.ledger.reserve(ctx, campaign, p.cfg.DailyCapFor(campaign))
		switch {
		case err == nil:
		case errors.Is(err, errDailyCap):
			results <- Outcome{Target: c.Target, Skipped: true, Reason: policy.ReasonDailyCap}
			continue
		case errors.Is(err, errBudgetExhausted):
			p.logger.Info("max_calls reached", "remaining", remaining)
			res.BudgetExhausted = true
			res.Remaining = remaining
			return res
		default:
			res.Interrupted = true
			res.Remaining = remaining
			return res
		}

		select {
		case jobs <- job{cand: c, attempt: c.State.Attempts + 1}:
		case <-ctx.Done():
			p.ledger.release(campaign)
			res.Interrupted = true
			res.Remaining = remaining
			return res
		}
	}
	return res
}

func (p *Pool) work(ctx context.Context, jobs <-chan job, results chan<- Outcome) {
	for j := range jobs {
		t := j.cand.Target
		if p.cfg.Limiter != nil {
			if err := p.cfg.Limiter.Wait(ctx); err != nil {
				results <- Outcome{Target: t, released: true}
				continue
			}
		}
		if ctx.Err() != nil {
			results <- Outcome{Target: t, released: true}
			continue
		}

		at := p.cfg.Now()
		req := gateway.Request{
			TargetID:      t.ID,
			CampaignID:    t.CampaignID,
			To:            t.Phone,
			AttemptNumber: j.attempt,
			AfterHours:    j.cand.Decision.AfterHours,
			RunID:         p.cfg.RunID,
			At:            at,
		}

		// Once sent, a call is allowed to finish even if the run is cancelled.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
		res, err := p.caller.Place(callCtx, req)
		cancel()
		if err == nil && strings.EqualFold(res.Status, state.StatusFailed) {
			err = errProviderFailed
		}

		results <- Outcome{
			Target:     t,
			Attempt:    j.attempt,
			AfterHours: j.cand.Decision.AfterHours,
			Result:     res,
			Err:        err,
			At:         at,
		}

		if p.cfg.InterCallDelay > 0 {
			select {
			case <-time.After(p.cfg.InterCallDelay):
			case <-ctx.Done():
			}
		}
	}
}
