// Package policy decides, per target, whether a call may be placed now.
// Evaluate is pure: it reads the target, its prior call state, the campaign's
// current daily count and the clock, and never mutates anything.
package policy

import (
	"slices"
	"time"

	"github.com/mattjoyce/outdial/internal/state"
	"github.com/mattjoyce/outdial/internal/target"
)

// Skip reasons, in evaluation order.
const (
	ReasonNoNumber          = "skip_no_number"
	ReasonTerminal          = "skip_terminal"
	ReasonAttemptsExhausted = "skip_attempts_exhausted"
	ReasonAlreadyDispatched = "skip_already_dispatched"
	ReasonDailyCap          = "skip_daily_cap"
	ReasonAfterHours        = "skip_after_hours"
	ReasonAfterHoursRepeat  = "skip_after_hours_repeat"
)

// Config is the slice of configuration the evaluator needs.
type Config struct {
	MaxAttempts      int
	DailyCap         int
	CampaignCaps     map[string]int
	AllowAfterHours  bool
	TerminalStatuses []string
	Resume           bool
	// Location is the caller's clock for window checks; nil means UTC.
	Location *time.Location
}

// DailyCapFor returns the campaign override when present, else the global cap.
func (c Config) DailyCapFor(campaign string) int {
	if v, ok := c.CampaignCaps[campaign]; ok {
		return v
	}
	return c.DailyCap
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 1
	}
	return c.MaxAttempts
}

// IsTerminal reports whether status permanently excludes a target.
func (c Config) IsTerminal(status string) bool {
	return status != "" && slices.Contains(c.TerminalStatuses, status)
}

// Decision is the evaluator's verdict. AfterHours is set on eligible targets
// being called outside their window.
type Decision struct {
	Eligible   bool
	Reason     string
	AfterHours bool
}

// Evaluate applies the checks in order; the first failing check decides.
func Evaluate(t target.Target, cs state.CallState, counter int, now time.Time, cfg Config) Decision {
	if t.Phone == "" {
		return Decision{Reason: ReasonNoNumber}
	}
	if cfg.IsTerminal(cs.Status) {
		return Decision{Reason: ReasonTerminal}
	}
	if cs.Attempts >= cfg.maxAttempts() {
		return Decision{Reason: ReasonAttemptsExhausted}
	}
	if cfg.Resume && previouslyDispatched(cs.Status) {
		return Decision{Reason: ReasonAlreadyDispatched}
	}
	if counter >= cfg.DailyCapFor(t.CampaignID) {
		return Decision{Reason: ReasonDailyCap}
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if InWindow(t.CallWindow, now.In(loc)) {
		return Decision{Eligible: true}
	}
	if !cfg.AllowAfterHours {
		return Decision{Reason: ReasonAfterHours}
	}
	if cs.AfterHoursCallOnceDone {
		return Decision{Reason: ReasonAfterHoursRepeat}
	}
	return Decision{Eligible: true, AfterHours: true}
}

// previouslyDispatched is true for any status a successful gateway call leaves
// behind. Failed and never-contacted targets remain retryable.
func previouslyDispatched(status string) bool {
	switch status {
	case "", state.StatusNeverContacted, state.StatusFailed:
		return false
	default:
		return true
	}
}

// Candidate pairs a target with its evaluation inputs for ranking.
type Candidate struct {
	Target   target.Target
	State    state.CallState
	Decision Decision
}

// Rank orders candidates by priority_score, then last_action_ts, both
// descending. Equal keys keep their input order.
func Rank(cs []Candidate) {
	slices.SortStableFunc(cs, func(a, b Candidate) int {
		if a.Target.PriorityScore != b.Target.PriorityScore {
			if a.Target.PriorityScore > b.Target.PriorityScore {
				return -1
			}
			return 1
		}
		ta, tb := a.Target.LastActionTS.Time, b.Target.LastActionTS.Time
		switch {
		case ta.After(tb):
			return -1
		case ta.Before(tb):
			return 1
		}
		return a.Target.Seq - b.Target.Seq
	})
}
