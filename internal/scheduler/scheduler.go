// Package scheduler repeats dispatch runs on a cron schedule for
// `outdial serve`.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/outdial/internal/dispatch"
	"github.com/mattjoyce/outdial/internal/events"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/outdial/internal/scheduler Runner

// Runner performs one dispatch run. dispatch.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context) (*dispatch.Summary, error)
}

// Tick is published on the event hub after every scheduled run.
const Tick = "scheduler.tick"

// ValidateSpec parses a standard five-field cron spec or descriptor.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Scheduler fires a run for every cron activation. Activations that arrive
// while a run is still in progress are skipped, never queued.
type Scheduler struct {
	spec   string
	runner Runner
	events *events.Hub
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entryID cron.EntryID
}

// New creates a scheduler. loc is the zone the cron spec is read in.
func New(spec string, loc *time.Location, r Runner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub()
	}
	if loc == nil {
		loc = time.Local
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		spec:   spec,
		runner: r,
		events: hub,
		logger: logger,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start registers the job and starts the cron engine. Runs use ctx, so
// cancelling it interrupts an in-progress run.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := ValidateSpec(s.spec); err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	id, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(s.runContext()) })
	if err != nil {
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	s.mu.Lock()
	s.entryID = id
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "cron", s.spec, "next", s.Next())
	return nil
}

// Stop prevents new activations and waits for a running dispatch to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Next is the time of the next activation, or zero before Start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// RunOnce performs a single run and reports it. Errors are logged; the
// schedule keeps going.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sum, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled run failed", "error", err)
		s.events.Publish(Tick, events.TickData{Error: err.Error()})
		return
	}
	s.logger.Info("scheduled run finished",
		"run_id", sum.RunID,
		"status", sum.Status,
		"dispatched", sum.Dispatched,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
	)
	s.events.Publish(Tick, events.TickData{
		RunID:      sum.RunID,
		Status:     sum.Status,
		Dispatched: sum.Dispatched,
	})
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
