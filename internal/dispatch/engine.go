package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/outdial/internal/calllog"
	"github.com/mattjoyce/outdial/internal/config"
	"github.com/mattjoyce/outdial/internal/controls"
	"github.com/mattjoyce/outdial/internal/events"
	"github.com/mattjoyce/outdial/internal/gateway"
	"github.com/mattjoyce/outdial/internal/history"
	"github.com/mattjoyce/outdial/internal/log"
	"github.com/mattjoyce/outdial/internal/policy"
	"github.com/mattjoyce/outdial/internal/state"
	"github.com/mattjoyce/outdial/internal/target"
)

// ErrEmptyQueue is returned when the queue holds no usable records.
var ErrEmptyQueue = errors.New("queue is empty")

// Run statuses.
const (
	StatusCompleted   = "completed"
	StatusStopped     = "stopped"
	StatusInterrupted = "interrupted"
)

// Options is everything a run needs besides its collaborators.
type Options struct {
	QueuePath    string
	StatePath    string
	ControlsPath string
	LogPath      string

	Policy             policy.Config
	DefaultCountryCode string

	// MaxCalls and Concurrency are fallbacks; the controls file wins.
	MaxCalls             int
	Concurrency          int
	InterCallDelay       time.Duration
	RatePerSecond        float64
	RateBurst            int
	ControlsPollInterval time.Duration
	CallTimeout          time.Duration

	DryRun     bool
	ConfigHash string
}

// OptionsFromConfig maps a loaded configuration onto run options. Callers
// apply CLI overrides to the result.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, fmt.Errorf("service.timezone: %w", err)
	}
	return Options{
		QueuePath:    cfg.Paths.Queue,
		StatePath:    cfg.Paths.State,
		ControlsPath: cfg.Paths.Controls,
		LogPath:      cfg.Paths.DispatchLog,
		Policy: policy.Config{
			MaxAttempts:      cfg.Policy.MaxAttempts,
			DailyCap:         cfg.Policy.DailyCap,
			CampaignCaps:     cfg.Policy.CampaignCaps,
			AllowAfterHours:  cfg.Policy.AllowAfterHours,
			TerminalStatuses: cfg.Policy.TerminalStatuses,
			Resume:           cfg.Policy.ResumeEnabled(),
			Location:         loc,
		},
		DefaultCountryCode:   cfg.Policy.DefaultCountryCode,
		MaxCalls:             cfg.Dispatch.MaxCalls,
		Concurrency:          cfg.Dispatch.Concurrency,
		InterCallDelay:       cfg.Dispatch.InterCallDelay,
		RatePerSecond:        cfg.Dispatch.RatePerSecond,
		RateBurst:            cfg.Dispatch.RateBurst,
		ControlsPollInterval: cfg.Dispatch.ControlsPollInterval,
		CallTimeout:          cfg.Gateway.Timeout,
		DryRun:               cfg.Dispatch.DryRun,
		ConfigHash:           cfg.Fingerprint(),
	}, nil
}

// Summary reports the outcome of one run.
type Summary struct {
	RunID          string            `json:"run_id"`
	Status         string            `json:"status"`
	DryRun         bool              `json:"dry_run"`
	Loaded         int               `json:"loaded"`
	RejectedLines  int               `json:"rejected_lines"`
	Eligible       int               `json:"eligible"`
	Attempted      int               `json:"attempted"`
	Dispatched     int               `json:"dispatched"`
	Failed         int               `json:"failed"`
	Skipped        int               `json:"skipped"`
	Remaining      int               `json:"remaining"`
	BudgetSpent    bool              `json:"budget_spent"`
	SkipReasons    map[string]int    `json:"skip_reasons"`
	DailyCounts    map[string]int    `json:"daily_counts"`
	StatePath      string            `json:"state_path"`
	LogPath        string            `json:"log_path"`
	Controls       controls.Controls `json:"controls"`
	StateRecovered bool              `json:"state_recovered"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// Engine orchestrates a run: load, evaluate, dispatch, persist.
type Engine struct {
	opts    Options
	caller  Caller
	history HistoryRecorder
	hub     *events.Hub

	now      func() time.Time
	newRunID func() string
}

// New builds an engine. In dry-run mode the caller is replaced with
// gateway.DryRun. history and hub may be nil.
func New(opts Options, caller Caller, rec HistoryRecorder, hub *events.Hub) *Engine {
	if opts.DryRun {
		caller = gateway.DryRun{}
	}
	return &Engine{
		opts:     opts,
		caller:   caller,
		history:  rec,
		hub:      hub,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// Run performs one dispatch pass. Configuration problems (unreadable or empty
// queue, unreadable state, unopenable log) are returned before anything is
// mutated. Per-target failures never abort the run.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	runID := e.newRunID()
	logger := log.WithRun(runID).With("component", "dispatch")
	started := e.now()

	sum := &Summary{
		RunID:       runID,
		DryRun:      e.opts.DryRun,
		SkipReasons: make(map[string]int),
		DailyCounts: make(map[string]int),
		StatePath:   e.opts.StatePath,
		LogPath:     e.opts.LogPath,
		StartedAt:   started.UTC(),
	}

	// A standing stop is honoured before anything else is read, so a stopped
	// run never touches the queue or quarantines state.
	ctl := controls.Load(e.opts.ControlsPath, e.opts.MaxCalls, e.opts.Concurrency)
	sum.Controls = ctl
	if ctl.StopRequested {
		logger.Info("stop requested in controls file, nothing dispatched", "controls", e.opts.ControlsPath)
		sum.Status = StatusStopped
		sum.FinishedAt = e.now().UTC()
		e.startHistory(ctx, sum, logger)
		e.finish(ctx, sum, logger)
		return sum, nil
	}

	loaded, err := target.Load(e.opts.QueuePath, target.Options{
		DefaultCountryCode: e.opts.DefaultCountryCode,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if len(loaded.Targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyQueue, e.opts.QueuePath)
	}
	sum.Loaded = len(loaded.Targets)
	sum.RejectedLines = loaded.Rejected

	st, info, err := state.Load(e.opts.StatePath)
	if err != nil {
		return nil, err
	}
	sum.StateRecovered = info.Recovered
	date := state.DateOf(started)

	logger.Info("run starting",
		"loaded", sum.Loaded,
		"rejected_lines", sum.RejectedLines,
		"dry_run", e.opts.DryRun,
		"max_calls", ctl.MaxCalls,
		"concurrency", ctl.Concurrency,
		"controls_source", ctl.Source,
		"config_hash", e.opts.ConfigHash,
	)

	w, err := calllog.OpenWriter(e.opts.LogPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error("close dispatch log failed", "error", err)
		}
	}()

	e.startHistory(ctx, sum, logger)
	e.publish(events.RunStarted, events.RunStartedData{RunID: runID, Loaded: sum.Loaded, DryRun: sum.DryRun})

	cands := e.evaluate(loaded.Targets, st, date, started, sum, logger)
	sum.Eligible = len(cands)

	var watcher *controls.Watcher
	if e.opts.ControlsPollInterval > 0 {
		watcher = controls.NewWatcher(e.opts.ControlsPath, e.opts.ControlsPollInterval, e.opts.MaxCalls, e.opts.Concurrency)
	}
	var limiter *rate.Limiter
	if e.opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.RatePerSecond), max(e.opts.RateBurst, 1))
	}

	l := newLedger(ctl.MaxCalls, func(campaign string) int { return st.DailyCount(campaign, date) })
	pool := newPool(e.caller, l, PoolConfig{
		Concurrency:    ctl.Concurrency,
		CallTimeout:    e.opts.CallTimeout,
		InterCallDelay: e.opts.InterCallDelay,
		Limiter:        limiter,
		RunID:          runID,
		DailyCapFor:    e.opts.Policy.DailyCapFor,
		Watcher:        watcher,
		Now:            e.now,
	})

	feed := pool.Run(ctx, cands, func(o Outcome) {
		e.collect(ctx, o, st, w, date, sum, logger)
	})
	sum.Remaining = feed.Remaining
	sum.BudgetSpent = feed.BudgetExhausted

	switch {
	case feed.Stopped:
		sum.Status = StatusStopped
	case feed.Interrupted || ctx.Err() != nil:
		sum.Status = StatusInterrupted
	default:
		sum.Status = StatusCompleted
	}

	saveErr := st.Save(e.opts.StatePath)
	if saveErr != nil {
		logger.Error("state save failed", "path", e.opts.StatePath, "error", saveErr)
	}

	// A stop is consumed by the run it did not halt. The file is written
	// even when it was missing or unreadable so the next run reads a valid one.
	if sum.Status != StatusStopped && e.opts.ControlsPath != "" {
		if err := controls.ClearStop(e.opts.ControlsPath, ctl); err != nil {
			logger.Warn("controls write-back failed", "path", e.opts.ControlsPath, "error", err)
		}
	}

	sum.DailyCounts = st.DailyCounts(date)
	sum.FinishedAt = e.now().UTC()
	e.finish(ctx, sum, logger)

	if saveErr != nil {
		return sum, saveErr
	}
	return sum, nil
}

// evaluate applies policy to every target and returns the eligible ones in
// rank order. Skips are counted on sum.
func (e *Engine) evaluate(targets []target.Target, st *state.Store, date string, now time.Time, sum *Summary, logger *slog.Logger) []policy.Candidate {
	cands := make([]policy.Candidate, 0, len(targets))
	for _, t := range targets {
		cs := st.Call(t.ID)
		d := policy.Evaluate(t, cs, st.DailyCount(t.CampaignID, date), now, e.opts.Policy)
		if !d.Eligible {
			e.skip(sum, t, d.Reason, logger)
			continue
		}
		cands = append(cands, policy.Candidate{Target: t, State: cs, Decision: d})
	}
	policy.Rank(cands)
	return cands
}

func (e *Engine) skip(sum *Summary, t target.Target, reason string, logger *slog.Logger) {
	sum.Skipped++
	sum.SkipReasons[reason]++
	logger.Debug("target skipped", "target_id", t.ID, "campaign_id", t.CampaignID, "reason", reason)
	e.publish(events.TargetSkipped, events.SkipData{
		RunID:      sum.RunID,
		TargetID:   t.ID,
		CampaignID: t.CampaignID,
		Reason:     reason,
	})
}

// collect is the single writer of state, the dispatch log, and history.
func (e *Engine) collect(ctx context.Context, o Outcome, st *state.Store, w *calllog.Writer, date string, sum *Summary, logger *slog.Logger) {
	if o.Skipped {
		e.skip(sum, o.Target, o.Reason, logger)
		return
	}

	t := o.Target
	success := o.Err == nil
	status := o.Result.Status
	reason := ""
	if success {
		if status == "" {
			status = state.StatusQueued
		}
	} else {
		status = state.StatusFailed
		reason = o.Err.Error()
	}

	st.RecordAttempt(state.Attempt{
		TargetID:   t.ID,
		CallID:     o.Result.CallID,
		Status:     status,
		Success:    success,
		AfterHours: o.AfterHours,
		At:         o.At,
	})
	sum.Attempted++
	if success {
		st.IncrementDaily(t.CampaignID, date)
		sum.Dispatched++
	} else {
		sum.Failed++
	}

	entry := calllog.Entry{
		TargetID:      t.ID,
		CampaignID:    t.CampaignID,
		CallID:        o.Result.CallID,
		ToNumber:      t.Phone,
		Status:        status,
		Reason:        reason,
		AttemptNumber: o.Attempt,
		AfterHours:    o.AfterHours,
		DryRun:        e.opts.DryRun,
		RunID:         sum.RunID,
		Timestamp:     o.At.UTC(),
	}
	if err := w.Append(entry); err != nil {
		logger.Error("dispatch log append failed", "path", w.Path(), "target_id", t.ID, "error", err)
	}

	if e.history != nil {
		hctx := context.WithoutCancel(ctx)
		if err := e.history.RecordAttempt(hctx, history.Attempt{
			RunID:         sum.RunID,
			TargetID:      t.ID,
			CampaignID:    t.CampaignID,
			CallID:        o.Result.CallID,
			ToNumber:      t.Phone,
			Status:        status,
			Reason:        reason,
			AttemptNumber: o.Attempt,
			AfterHours:    o.AfterHours,
			At:            o.At,
		}); err != nil {
			logger.Error("history attempt write failed", "target_id", t.ID, "error", err)
		}
	}

	data := events.CallData{
		RunID:         sum.RunID,
		TargetID:      t.ID,
		CampaignID:    t.CampaignID,
		CallID:        o.Result.CallID,
		Status:        status,
		Reason:        reason,
		AttemptNumber: o.Attempt,
		AfterHours:    o.AfterHours,
	}
	tlog := log.WithTarget(t.ID, t.CampaignID).With("run_id", sum.RunID, "attempt", o.Attempt)
	if success {
		tlog.Info("call placed", "call_id", o.Result.CallID, "status", status, "after_hours", o.AfterHours)
		e.publish(events.CallPlaced, data)
	} else {
		tlog.Warn("call failed", "error", o.Err)
		e.publish(events.CallFailed, data)
	}
}

func (e *Engine) startHistory(ctx context.Context, sum *Summary, logger *slog.Logger) {
	if e.history == nil {
		return
	}
	if err := e.history.StartRun(context.WithoutCancel(ctx), e.historyRun(sum)); err != nil {
		logger.Error("history run start failed", "error", err)
	}
}

func (e *Engine) finish(ctx context.Context, sum *Summary, logger *slog.Logger) {
	if e.history != nil {
		if err := e.history.FinishRun(context.WithoutCancel(ctx), e.historyRun(sum)); err != nil {
			logger.Error("history run finish failed", "error", err)
		}
	}
	e.publish(events.RunFinished, sum)
	logger.Info("run finished",
		"status", sum.Status,
		"eligible", sum.Eligible,
		"attempted", sum.Attempted,
		"dispatched", sum.Dispatched,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"remaining", sum.Remaining,
		"budget_spent", sum.BudgetSpent,
	)
}

func (e *Engine) historyRun(sum *Summary) history.Run {
	return history.Run{
		ID:          sum.RunID,
		Status:      sum.Status,
		DryRun:      sum.DryRun,
		Loaded:      sum.Loaded,
		Eligible:    sum.Eligible,
		Attempted:   sum.Attempted,
		Dispatched:  sum.Dispatched,
		Failed:      sum.Failed,
		Skipped:     sum.Skipped,
		SkipReasons: sum.SkipReasons,
		DailyCounts: sum.DailyCounts,
		ConfigHash:  e.opts.ConfigHash,
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
	}
}

func (e *Engine) publish(eventType string, data any) {
	if e.hub != nil {
		e.hub.Publish(eventType, data)
	}
}
