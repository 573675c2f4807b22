package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/outdial/internal/config"
	"github.com/mattjoyce/outdial/internal/dispatch"
	"github.com/mattjoyce/outdial/internal/events"
	"github.com/mattjoyce/outdial/internal/gateway"
	"github.com/mattjoyce/outdial/internal/history"
	"github.com/mattjoyce/outdial/internal/lock"
	"github.com/mattjoyce/outdial/internal/log"
	"github.com/mattjoyce/outdial/internal/scheduler"
)

type runFlags struct {
	configPath  string
	queuePath   string
	dryRun      bool
	maxCalls    int
	concurrency int
	noResume    bool
}

// apply layers CLI overrides onto the loaded config.
func (f runFlags) apply(cfg *config.Config) {
	if f.queuePath != "" {
		cfg.Paths.Queue = f.queuePath
	}
	if f.dryRun {
		cfg.Dispatch.DryRun = true
	}
	if f.maxCalls >= 0 {
		cfg.Dispatch.MaxCalls = f.maxCalls
	}
	if f.concurrency > 0 {
		cfg.Dispatch.Concurrency = f.concurrency
	}
	if f.noResume {
		resume := false
		cfg.Policy.Resume = &resume
	}
}

func runDispatch(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var rf runFlags
	fs.StringVar(&rf.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&rf.queuePath, "queue", "", "Path to the NDJSON queue (overrides paths.queue)")
	fs.BoolVar(&rf.dryRun, "dry-run", false, "Simulate calls without contacting the gateway")
	fs.IntVar(&rf.maxCalls, "max-calls", -1, "Fallback call budget for this run (0 = unbounded)")
	fs.IntVar(&rf.concurrency, "concurrency", 0, "Fallback number of concurrent calls")
	fs.BoolVar(&rf.noResume, "no-resume", false, "Do not skip targets already dispatched")
	jsonOut := fs.Bool("json", false, "Print the run summary as JSON")
	progress := fs.Bool("progress", false, "Stream per-call progress to stderr")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(rf.configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	rf.apply(cfg)

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	if !cfg.Dispatch.DryRun {
		if err := cfg.RequireCredentials(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v (set gateway.api_key and gateway.base_url, or use --dry-run)\n", err)
			return 1
		}
	}

	opts, err := dispatch.OptionsFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	pidLockPath := lock.PathFor(cfg.Paths.Lock, cfg.Paths.State)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal, finishing in-flight calls", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	hub := events.NewHub()
	if *progress {
		stop := streamProgress(hub)
		defer stop()
	}

	engine, closeEngine, err := newEngine(ctx, cfg, opts, hub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeEngine()

	logger.Info("outdial run starting",
		"version", version,
		"config", cfg.SourcePath,
		"config_hash", opts.ConfigHash,
		"dry_run", opts.DryRun,
	)

	sum, err := engine.Run(ctx)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrEmptyQueue):
			fmt.Fprintf(os.Stderr, "Error: %v (nothing to dispatch)\n", err)
		default:
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		}
		return 1
	}

	if *jsonOut {
		return printJSON(sum)
	}
	fmt.Print(renderSummary(outputTheme(), sum))
	return 0
}

// newEngine wires the gateway client and the optional history ledger. The
// returned func releases the ledger.
func newEngine(ctx context.Context, cfg *config.Config, opts dispatch.Options, hub *events.Hub) (*dispatch.Engine, func(), error) {
	caller := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		APIKey:     cfg.Gateway.APIKey,
		FromNumber: cfg.Gateway.FromNumber,
		AgentID:    cfg.Gateway.AgentID,
		Timeout:    cfg.Gateway.Timeout,
	}, nil)

	if cfg.Paths.History == "" {
		return dispatch.New(opts, caller, nil, hub), func() {}, nil
	}

	rec, err := history.Open(ctx, cfg.Paths.History)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	return dispatch.New(opts, caller, rec, hub), func() { _ = rec.Close() }, nil
}

// streamProgress prints hub events to stderr until the returned func is
// called, then prints a per-type tally and any events the printer missed.
func streamProgress(hub *events.Hub) func() {
	ch, unsubscribe := hub.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintln(os.Stderr, formatEvent(ev))
		}
	}()
	return func() {
		dropped := unsubscribe()
		<-done
		fmt.Fprintln(os.Stderr, formatTally(hub.Tally()))
		if dropped > 0 {
			fmt.Fprintf(os.Stderr, "warning: %d progress events not shown\n", dropped)
		}
	}
}

func formatEvent(ev events.Event) string {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}
	return fmt.Sprintf("%s %-15s %s", ev.At.Format("15:04:05"), ev.Type, data)
}

func formatTally(tally map[string]int) string {
	types := make([]string, 0, len(tally))
	for typ := range tally {
		types = append(types, typ)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, typ := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", typ, tally[typ]))
	}
	return "events: " + strings.Join(parts, " ")
}

func renderSummary(t theme, sum *dispatch.Summary) string {
	var b strings.Builder

	title := "outdial run " + sum.RunID
	if sum.DryRun {
		title += " (dry-run)"
	}
	b.WriteString(t.Title.Render(title) + "\n")

	row := func(label, value string) {
		b.WriteString(t.Label.Render(label) + value + "\n")
	}
	row("status", t.status(sum.Status))
	row("loaded", fmt.Sprintf("%d (%d rejected lines)", sum.Loaded, sum.RejectedLines))
	row("eligible", fmt.Sprintf("%d", sum.Eligible))
	row("attempted", fmt.Sprintf("%d", sum.Attempted))
	row("dispatched", t.StatusOK.Render(fmt.Sprintf("%d", sum.Dispatched)))
	row("failed", failedCount(t, sum.Failed))
	row("skipped", fmt.Sprintf("%d", sum.Skipped))
	remaining := fmt.Sprintf("%d", sum.Remaining)
	if sum.BudgetSpent {
		remaining += " (max_calls reached)"
	}
	row("remaining", remaining)
	row("duration", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond).String())

	if len(sum.SkipReasons) > 0 {
		b.WriteString(t.Header.Render("skip reasons") + "\n")
		for _, k := range sortedKeys(sum.SkipReasons) {
			row("  "+k, fmt.Sprintf("%d", sum.SkipReasons[k]))
		}
	}
	if len(sum.DailyCounts) > 0 {
		b.WriteString(t.Header.Render("daily counts") + "\n")
		for _, k := range sortedKeys(sum.DailyCounts) {
			row("  "+k, fmt.Sprintf("%d", sum.DailyCounts[k]))
		}
	}
	if sum.StateRecovered {
		b.WriteString(t.StatusWarn.Render("state file was unreadable and has been reset") + "\n")
	}
	b.WriteString(t.Dim.Render(fmt.Sprintf("state: %s  log: %s", sum.StatePath, sum.LogPath)) + "\n")
	return t.Box.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func failedCount(t theme, n int) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 {
		return t.StatusFailed.Render(s)
	}
	return s
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	cronSpec := fs.String("cron", "", "Cron spec (overrides schedule.cron)")
	progress := fs.Bool("progress", false, "Stream per-call progress to stderr")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *cronSpec != "" {
		cfg.Schedule.Cron = *cronSpec
	}
	if cfg.Schedule.Cron == "" {
		fmt.Fprintln(os.Stderr, "Error: schedule.cron is not set (or pass --cron)")
		return 1
	}
	if err := scheduler.ValidateSpec(cfg.Schedule.Cron); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("outdial starting", "version", version, "config", *configPath, "config_hash", cfg.Fingerprint())

	if !cfg.Dispatch.DryRun {
		if err := cfg.RequireCredentials(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	opts, err := dispatch.OptionsFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	pidLockPath := lock.PathFor(cfg.Paths.Lock, cfg.Paths.State)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub()
	if *progress {
		stop := streamProgress(hub)
		defer stop()
	}

	engine, closeEngine, err := newEngine(ctx, cfg, opts, hub)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}
	defer closeEngine()

	sched := scheduler.New(cfg.Schedule.Cron, opts.Policy.Location, engine, hub, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("outdial serving (press Ctrl+C to stop)", "cron", cfg.Schedule.Cron)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)
	cancel()
	sched.Stop()

	logger.Info("outdial stopped")
	return 0
}
