package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/outdial/internal/calllog"
	"github.com/mattjoyce/outdial/internal/config"
	"github.com/mattjoyce/outdial/internal/controls"
	"github.com/mattjoyce/outdial/internal/doctor"
	"github.com/mattjoyce/outdial/internal/history"
	"github.com/mattjoyce/outdial/internal/lock"
	"github.com/mattjoyce/outdial/internal/state"
)

// --- NOUN DISPATCHERS ---

func runControlsNoun(args []string) int {
	if len(args) < 1 {
		printControlsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printControlsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		return runControlsShow(actionArgs)
	case "stop":
		return runControlsUpdate("stop", actionArgs, func(c *controls.Controls) { c.StopRequested = true })
	case "resume":
		return runControlsUpdate("resume", actionArgs, func(c *controls.Controls) { c.StopRequested = false })
	case "set":
		return runControlsSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown controls action: %s\n", action)
		return 1
	}
}

func runStateNoun(args []string) int {
	if len(args) < 1 {
		printStateNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printStateNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		return runStateShow(actionArgs)
	case "mark":
		return runStateMark(actionArgs)
	case "rebuild":
		return runStateRebuild(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown state action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	case "get":
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printControlsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: outdial controls <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: show [--json], stop, resume, set [--max-calls N] [--concurrency N]")
}

func printStateNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: outdial state <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: show [--target ID] [--json], mark <target_id> <status>, rebuild [--log PATH] [--out PATH]")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: outdial config <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: check [--json] [--strict], show [--json] [path], get [--json] <path>")
}

// --- CONTROLS ---

func controlsFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	return fs, configPath
}

func runControlsShow(args []string) int {
	fs, configPath := controlsFlagSet("show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	c := controls.Load(cfg.Paths.Controls, cfg.Dispatch.MaxCalls, cfg.Dispatch.Concurrency)

	if *jsonOut {
		return printJSON(c)
	}
	fmt.Print(renderControls(outputTheme(), cfg.Paths.Controls, c))
	return 0
}

func renderControls(t theme, path string, c controls.Controls) string {
	var b strings.Builder
	maxCalls := fmt.Sprintf("%d", c.MaxCalls)
	if c.MaxCalls == 0 {
		maxCalls = "unbounded"
	}
	stop := t.StatusOK.Render("no")
	if c.StopRequested {
		stop = t.StatusStopped.Render("yes")
	}
	b.WriteString(t.Label.Render("max_calls") + maxCalls + "\n")
	b.WriteString(t.Label.Render("concurrency") + fmt.Sprintf("%d", c.Concurrency) + "\n")
	b.WriteString(t.Label.Render("stop") + stop + "\n")
	b.WriteString(t.Label.Render("source") + c.Source + "\n")
	b.WriteString(t.Dim.Render(path) + "\n")
	return b.String()
}

func runControlsUpdate(name string, args []string, mutate func(*controls.Controls)) int {
	fs, configPath := controlsFlagSet(name)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	return updateControls(*configPath, mutate)
}

func runControlsSet(args []string) int {
	fs, configPath := controlsFlagSet("set")
	maxCalls := fs.Int("max-calls", -1, "Call budget per run (0 = unbounded)")
	concurrency := fs.Int("concurrency", 0, "Concurrent calls")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *maxCalls < 0 && *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: outdial controls set [--max-calls N] [--concurrency N]")
		return 1
	}
	if *maxCalls > controls.HardMaxCalls || *concurrency > controls.HardMaxConcurrency {
		fmt.Fprintf(os.Stderr, "Warning: values above %d calls / %d concurrency are clamped\n",
			controls.HardMaxCalls, controls.HardMaxConcurrency)
	}

	return updateControls(*configPath, func(c *controls.Controls) {
		if *maxCalls >= 0 {
			c.MaxCalls = *maxCalls
		}
		if *concurrency > 0 {
			c.Concurrency = *concurrency
		}
	})
}

// updateControls applies mutate to the effective controls and writes them
// back with the operator as source.
func updateControls(configPath string, mutate func(*controls.Controls)) int {
	cfg, err := loadConfigForTool(configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	c := controls.Load(cfg.Paths.Controls, cfg.Dispatch.MaxCalls, cfg.Dispatch.Concurrency)
	mutate(&c)
	c.Source = controls.SourceOperator
	if err := controls.Save(cfg.Paths.Controls, c); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(renderControls(outputTheme(), cfg.Paths.Controls, controls.Clamp(c)))
	return 0
}

// --- STATE ---

func runStateShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	targetID := fs.String("target", "", "Show a single target")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	st, info, err := state.Load(cfg.Paths.State)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if info.Recovered {
		fmt.Fprintf(os.Stderr, "Warning: state file was corrupt; moved to %s\n", info.QuarantinedTo)
	}

	if *targetID != "" {
		cs := st.Call(*targetID)
		if *jsonOut {
			return printJSON(cs)
		}
		fmt.Print(renderCalls(outputTheme(), []state.CallState{cs}))
		return 0
	}

	date := state.DateOf(time.Now())
	if *jsonOut {
		return printJSON(map[string]any{
			"date":         date,
			"daily_counts": st.DailyCounts(date),
			"calls":        st.Calls(),
		})
	}

	t := outputTheme()
	counts := st.DailyCounts(date)
	fmt.Println(t.Header.Render("daily counts " + date))
	for _, k := range sortedKeys(counts) {
		fmt.Println(t.Label.Render("  "+k) + fmt.Sprintf("%d", counts[k]))
	}
	fmt.Print(renderCalls(t, st.Calls()))
	return 0
}

func renderCalls(t theme, calls []state.CallState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", t.Header.Render(fmt.Sprintf("%-24s %-16s %8s  %-10s %s", "TARGET", "STATUS", "ATTEMPTS", "AFTERHRS", "UPDATED")))
	for _, cs := range calls {
		updated := "-"
		if !cs.UpdatedAt.IsZero() {
			updated = cs.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%-24s %-16s %8d  %-10t %s\n", cs.TargetID, cs.Status, cs.Attempts, cs.AfterHoursCallOnceDone, updated)
	}
	return b.String()
}

func runStateMark(args []string) int {
	fs := flag.NewFlagSet("mark", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: outdial state mark [--config PATH] <target_id> <status>")
		return 1
	}
	targetID, status := fs.Arg(0), strings.TrimSpace(fs.Arg(1))
	if status == "" {
		fmt.Fprintln(os.Stderr, "Error: status is empty")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	return withStateLock(cfg, func() int {
		st, _, err := state.Load(cfg.Paths.State)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cs := st.SetStatus(targetID, status, time.Now())
		if err := st.Save(cfg.Paths.State); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s -> %s (attempts %d)\n", cs.TargetID, cs.Status, cs.Attempts)
		return 0
	})
}

func runStateRebuild(args []string) int {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	logPath := fs.String("log", "", "Dispatch log to replay (default paths.dispatch_log)")
	outPath := fs.String("out", "", "State file to write (default paths.state)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if *logPath == "" {
		*logPath = cfg.Paths.DispatchLog
	}
	if *outPath == "" {
		*outPath = cfg.Paths.State
	}

	return withStateLock(cfg, func() int {
		entries, bad, err := calllog.ReadFile(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		st := state.Rebuild(entries)
		if err := st.Save(*outPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("rebuilt %s from %d log entries (%d unreadable lines skipped), %d targets\n",
			*outPath, len(entries), bad, len(st.Calls()))
		return 0
	})
}

// withStateLock runs fn while holding the same lock a dispatch run takes.
func withStateLock(cfg *config.Config, fn func() int) int {
	pidLock, err := lock.AcquirePIDLock(lock.PathFor(cfg.Paths.Lock, cfg.Paths.State))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer pidLock.Release()
	return fn()
}

// --- HISTORY ---

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Number of runs to show")
	runID := fs.String("run", "", "Show the attempts of one run")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.Paths.History == "" {
		fmt.Fprintln(os.Stderr, "Error: paths.history is not configured")
		return 1
	}

	ctx := context.Background()
	rec, err := history.Open(ctx, cfg.Paths.History)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer rec.Close()

	t := outputTheme()

	if *runID != "" {
		attempts, err := rec.Attempts(ctx, *runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(attempts)
		}
		fmt.Println(t.Header.Render(fmt.Sprintf("%-20s %-24s %-16s %-12s %3s  %s", "AT", "TARGET", "CAMPAIGN", "STATUS", "#", "CALL")))
		for _, a := range attempts {
			fmt.Printf("%-20s %-24s %-16s %-12s %3d  %s\n",
				a.At.UTC().Format(time.RFC3339), a.TargetID, a.CampaignID, a.Status, a.AttemptNumber, a.CallID)
		}
		return 0
	}

	runs, err := rec.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(runs)
	}
	fmt.Print(renderHistory(t, runs))
	return 0
}

func renderHistory(t theme, runs []history.Run) string {
	var b strings.Builder
	b.WriteString(t.Header.Render(fmt.Sprintf("%-36s %-20s %-11s %4s %5s %5s %5s %5s", "RUN", "STARTED", "STATUS", "DRY", "ELIG", "DISP", "FAIL", "SKIP")) + "\n")
	for _, r := range runs {
		dry := ""
		if r.DryRun {
			dry = "yes"
		}
		// Pad outside the escape codes so columns stay aligned.
		status := t.status(r.Status) + strings.Repeat(" ", max(0, 11-len(r.Status)))
		fmt.Fprintf(&b, "%-36s %-20s %s %4s %5d %5d %5d %5d\n",
			r.ID, r.StartedAt.UTC().Format(time.RFC3339), status, dry, r.Eligible, r.Dispatched, r.Failed, r.Skipped)
	}
	if len(runs) == 0 {
		b.WriteString(t.Dim.Render("no runs recorded") + "\n")
	}
	return b.String()
}

// --- CONFIG ---

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg.Redacted()
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		return printJSON(result)
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: outdial config get [--config PATH] [--json] <path>\n")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(val)
	}
	fmt.Printf("%v\n", val)
	return 0
}
