// Package doctor validates outdial configuration and the files it points at.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/mattjoyce/outdial/internal/config"
	"github.com/mattjoyce/outdial/internal/controls"
	"github.com/mattjoyce/outdial/internal/policy"
	"github.com/mattjoyce/outdial/internal/scheduler"
	"github.com/mattjoyce/outdial/internal/state"
	"github.com/mattjoyce/outdial/internal/storage"
	"github.com/mattjoyce/outdial/internal/target"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePaths(r)
	d.validateGateway(r)
	d.validatePolicy(r)
	d.validateDispatch(r)
	d.validateSchedule(r)
	d.validateQueue(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validatePaths(r *Result) {
	p := d.cfg.Paths
	if _, err := os.Stat(p.Queue); err != nil {
		d.addError(r, "paths", "paths.queue", fmt.Sprintf("queue file not readable: %v", err))
	}
	checks := []struct{ field, path string }{
		{"paths.state", p.State},
		{"paths.controls", p.Controls},
		{"paths.dispatch_log", p.DispatchLog},
		{"paths.history", p.History},
		{"paths.lock", p.Lock},
	}
	for _, c := range checks {
		if c.path == "" {
			continue
		}
		if err := storage.ValidateLocalFilesystem(c.path, c.field); err != nil {
			d.addWarning(r, "paths", c.field, err.Error())
		}
	}
}

func (d *Doctor) validateGateway(r *Result) {
	g := d.cfg.Gateway
	if err := d.cfg.RequireCredentials(); err != nil {
		if d.cfg.Dispatch.DryRun {
			d.addWarning(r, "gateway", "gateway", err.Error()+" (dry_run is on)")
		} else {
			d.addError(r, "gateway", "gateway", err.Error())
		}
	}
	if g.BaseURL != "" && !envVarRe.MatchString(g.BaseURL) {
		u, err := url.Parse(g.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			d.addError(r, "gateway", "gateway.base_url", fmt.Sprintf("base_url %q is not an http(s) URL", g.BaseURL))
		} else if u.Scheme == "http" {
			d.addWarning(r, "gateway", "gateway.base_url", "base_url uses plain http; credentials are sent unencrypted")
		}
	}
}

func (d *Doctor) validatePolicy(r *Result) {
	pc := d.cfg.Policy
	for campaign, limit := range pc.CampaignCaps {
		if limit == 0 {
			d.addWarning(r, "policy", "policy.campaign_caps."+campaign,
				fmt.Sprintf("campaign %q has a daily cap of 0 and will never be dialed", campaign))
		}
	}
	for _, s := range []string{state.StatusQueued, state.StatusDispatched, state.StatusFailed, state.StatusNeverContacted} {
		if slices.Contains(pc.TerminalStatuses, s) {
			d.addWarning(r, "policy", "policy.terminal_statuses",
				fmt.Sprintf("%q is written by the engine itself; listing it as terminal blocks retries", s))
		}
	}
	if !pc.ResumeEnabled() {
		d.addWarning(r, "policy", "policy.resume", "resume is off; previously dispatched targets may be called again")
	}
}

func (d *Doctor) validateDispatch(r *Result) {
	dc := d.cfg.Dispatch
	if dc.Concurrency > controls.HardMaxConcurrency {
		d.addWarning(r, "dispatch", "dispatch.concurrency",
			fmt.Sprintf("concurrency %d exceeds %d and will be clamped", dc.Concurrency, controls.HardMaxConcurrency))
	}
	if dc.MaxCalls > controls.HardMaxCalls {
		d.addWarning(r, "dispatch", "dispatch.max_calls",
			fmt.Sprintf("max_calls %d exceeds %d and will be clamped", dc.MaxCalls, controls.HardMaxCalls))
	}
	if dc.RatePerSecond == 0 && dc.InterCallDelay == 0 && dc.Concurrency > 1 {
		d.addWarning(r, "dispatch", "dispatch.rate_per_second",
			"no rate limit or inter-call delay configured; calls are placed as fast as the provider answers")
	}
}

func (d *Doctor) validateSchedule(r *Result) {
	if d.cfg.Schedule.Cron == "" {
		return
	}
	if err := scheduler.ValidateSpec(d.cfg.Schedule.Cron); err != nil {
		d.addError(r, "schedule", "schedule.cron", err.Error())
	}
}

// validateQueue lints the queue contents without dispatching anything.
func (d *Doctor) validateQueue(r *Result) {
	loaded, err := target.Load(d.cfg.Paths.Queue, target.Options{DefaultCountryCode: d.cfg.Policy.DefaultCountryCode})
	if err != nil {
		return // reported by validatePaths
	}
	if len(loaded.Targets) == 0 {
		d.addError(r, "queue", "paths.queue", "queue has no usable records")
		return
	}
	if loaded.Rejected > 0 {
		d.addWarning(r, "queue", "paths.queue", fmt.Sprintf("%d queue line(s) will be rejected", loaded.Rejected))
	}

	noPhone, badWindow := 0, 0
	for _, t := range loaded.Targets {
		if t.Phone == "" {
			noPhone++
		}
		if t.CallWindow != "" {
			if _, err := policy.ParseWindow(t.CallWindow); err != nil {
				badWindow++
			}
		}
	}
	if noPhone > 0 {
		d.addWarning(r, "queue", "paths.queue", fmt.Sprintf("%d target(s) have no usable phone number", noPhone))
	}
	if badWindow > 0 {
		d.addWarning(r, "queue", "paths.queue",
			fmt.Sprintf("%d target(s) have a malformed call_window and will be treated as always open", badWindow))
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	fields := []struct{ name, value string }{
		{"gateway.base_url", d.cfg.Gateway.BaseURL},
		{"gateway.api_key", d.cfg.Gateway.APIKey},
		{"gateway.from_number", d.cfg.Gateway.FromNumber},
		{"gateway.agent_id", d.cfg.Gateway.AgentID},
	}
	for _, f := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(f.value, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", f.name, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
