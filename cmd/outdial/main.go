package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/outdial/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- VERBS ---
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runDispatch(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return 0
		}
		return runHistory(args)

	// --- NOUNS ---
	case "controls":
		return runControlsNoun(args)
	case "state":
		return runStateNoun(args)
	case "config":
		return runConfigNoun(args)

	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: outdial version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("outdial %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`outdial - Outbound call dispatch engine

Usage:
  outdial <command> [flags]
  outdial <noun> <action> [flags]

Commands:
  run               Dispatch one campaign run over the queue
  serve             Repeat runs on the configured cron schedule
  history           Show recent runs from the history ledger

Controls Commands:
  controls show     Show the effective runtime controls
  controls stop     Request a stop (running dispatch halts before its next call)
  controls resume   Clear a pending stop request
  controls set      Set max_calls and/or concurrency

State Commands:
  state show        Show per-target call state
  state rebuild     Rebuild the state file from the dispatch log

Config Commands:
  config check      Validate configuration and the files it points at
  config show       Show resolved configuration (secrets redacted)
  config get        Read a single configuration value

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'outdial <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfigForTool resolves --config, then discovery. Tools that only read
// local files fall back to defaults when nothing is found.
func loadConfigForTool(configPath string, allowDefaults bool) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			if allowDefaults {
				return config.Defaults(), nil
			}
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func printRunHelp() {
	fmt.Println("Usage: outdial run [--config PATH] [--queue PATH] [--dry-run] [--max-calls N] [--concurrency N] [--no-resume] [--json] [--progress]")
	fmt.Println("Dispatch one run over the queue and print a summary.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Run completed, stopped, or was interrupted")
	fmt.Println("  1  Configuration error (credentials, queue, config, lock)")
}

func printServeHelp() {
	fmt.Println("Usage: outdial serve [--config PATH] [--cron SPEC] [--progress]")
	fmt.Println("Run dispatch on a cron schedule until interrupted.")
}

func printHistoryHelp() {
	fmt.Println("Usage: outdial history [--config PATH] [--limit N] [--run ID] [--json]")
	fmt.Println("Show recent runs, or the attempts of one run, from the history ledger.")
}
