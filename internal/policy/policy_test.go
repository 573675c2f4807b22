package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outdial/internal/state"
	"github.com/mattjoyce/outdial/internal/target"
)

var noon = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func baseConfig() Config {
	return Config{
		MaxAttempts:      3,
		DailyCap:         50,
		TerminalStatuses: []string{"dnc", "booked"},
		Resume:           true,
		Location:         time.UTC,
	}
}

func TestEvaluate(t *testing.T) {
	withPhone := target.Target{ID: "t1", Phone: "+15550100001", CampaignID: "spring", CallWindow: "09:00-17:00"}
	night := withPhone
	night.CallWindow = "20:00-21:00"

	tests := []struct {
		name    string
		target  target.Target
		cs      state.CallState
		counter int
		cfg     func(*Config)
		want    Decision
	}{
		{
			name:   "eligible inside window",
			target: withPhone,
			want:   Decision{Eligible: true},
		},
		{
			name:   "no phone wins over everything",
			target: target.Target{ID: "t1"},
			cs:     state.CallState{Status: "dnc", Attempts: 9},
			want:   Decision{Reason: ReasonNoNumber},
		},
		{
			name:   "terminal before attempts",
			target: withPhone,
			cs:     state.CallState{Status: "dnc", Attempts: 9},
			want:   Decision{Reason: ReasonTerminal},
		},
		{
			name:   "attempts exhausted",
			target: withPhone,
			cs:     state.CallState{Status: state.StatusFailed, Attempts: 3},
			want:   Decision{Reason: ReasonAttemptsExhausted},
		},
		{
			name:    "attempts exhausted regardless of cap and window",
			target:  night,
			cs:      state.CallState{Status: state.StatusFailed, Attempts: 5},
			counter: 100,
			want:    Decision{Reason: ReasonAttemptsExhausted},
		},
		{
			name:   "max attempts zero treated as one",
			target: withPhone,
			cs:     state.CallState{Status: state.StatusFailed, Attempts: 1},
			cfg:    func(c *Config) { c.MaxAttempts = 0 },
			want:   Decision{Reason: ReasonAttemptsExhausted},
		},
		{
			name:   "already dispatched on resume",
			target: withPhone,
			cs:     state.CallState{Status: state.StatusQueued, Attempts: 1},
			want:   Decision{Reason: ReasonAlreadyDispatched},
		},
		{
			name:   "previously queued redialed without resume",
			target: withPhone,
			cs:     state.CallState{Status: state.StatusQueued, Attempts: 1},
			cfg:    func(c *Config) { c.Resume = false },
			want:   Decision{Eligible: true},
		},
		{
			name:   "failed target retried",
			target: withPhone,
			cs:     state.CallState{Status: state.StatusFailed, Attempts: 2},
			want:   Decision{Eligible: true},
		},
		{
			name:    "daily cap reached",
			target:  withPhone,
			counter: 50,
			want:    Decision{Reason: ReasonDailyCap},
		},
		{
			name:    "campaign cap override",
			target:  withPhone,
			counter: 2,
			cfg:     func(c *Config) { c.CampaignCaps = map[string]int{"spring": 2} },
			want:    Decision{Reason: ReasonDailyCap},
		},
		{
			name:   "outside window without after hours",
			target: night,
			want:   Decision{Reason: ReasonAfterHours},
		},
		{
			name:   "outside window with after hours",
			target: night,
			cfg:    func(c *Config) { c.AllowAfterHours = true },
			want:   Decision{Eligible: true, AfterHours: true},
		},
		{
			name:   "after hours only once",
			target: night,
			cs:     state.CallState{Status: state.StatusFailed, Attempts: 1, AfterHoursCallOnceDone: true},
			cfg:    func(c *Config) { c.AllowAfterHours = true },
			want:   Decision{Reason: ReasonAfterHoursRepeat},
		},
		{
			name:   "malformed window fails open",
			target: target.Target{ID: "t1", Phone: "+15550100001", CallWindow: "whenever"},
			want:   Decision{Eligible: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			assert.Equal(t, tt.want, Evaluate(tt.target, tt.cs, tt.counter, noon, cfg))
		})
	}
}

func TestEvaluateUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	cfg := baseConfig()
	cfg.Location = loc

	tg := target.Target{ID: "t1", Phone: "+15550100001", CallWindow: "21:00-23:00"}
	// 12:00 UTC is 22:00 at UTC+10.
	assert.True(t, Evaluate(tg, state.CallState{}, 0, noon, cfg).Eligible)

	cfg.Location = nil
	assert.False(t, Evaluate(tg, state.CallState{}, 0, noon, cfg).Eligible)
}

func TestInWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 10, 19, h, m, 0, 0, time.UTC) }

	tests := []struct {
		window string
		now    time.Time
		want   bool
	}{
		{"09:00-17:00", at(9, 0), true},
		{"09:00-17:00", at(17, 0), true},
		{"09:00-17:00", at(17, 1), false},
		{"09:00-17:00", at(8, 59), false},
		{"22:00-06:00", at(23, 30), true},
		{"22:00-06:00", at(2, 0), true},
		{"22:00-06:00", at(12, 0), false},
		{"22:00-06:00", at(6, 0), true},
		{"22:00-06:00", at(22, 0), true},
		{"", at(3, 0), true},
		{"9-5", at(3, 0), true},
		{"25:00-26:00", at(3, 0), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InWindow(tt.window, tt.now), "%s at %s", tt.window, tt.now.Format("15:04"))
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow(" 08:30 - 18:05 ")
	require.NoError(t, err)
	assert.Equal(t, Window{Start: 510, End: 1085}, w)

	for _, bad := range []string{"", "08:30", "8-18", "08:60-09:00", "24:00-01:00", "aa:bb-cc:dd", "08:3-09:00"} {
		_, err := ParseWindow(bad)
		assert.Error(t, err, bad)
	}
}

func TestRank(t *testing.T) {
	ts := func(d int) target.Timestamp {
		return target.Timestamp{Time: time.Date(2026, 10, d, 0, 0, 0, 0, time.UTC)}
	}
	cands := []Candidate{
		{Target: target.Target{ID: "low", PriorityScore: 1, Seq: 0}},
		{Target: target.Target{ID: "high-old", PriorityScore: 9, LastActionTS: ts(1), Seq: 1}},
		{Target: target.Target{ID: "high-new", PriorityScore: 9, LastActionTS: ts(10), Seq: 2}},
		{Target: target.Target{ID: "mid-a", PriorityScore: 5, Seq: 3}},
		{Target: target.Target{ID: "mid-b", PriorityScore: 5, Seq: 4}},
	}
	Rank(cands)

	var got []string
	for _, c := range cands {
		got = append(got, c.Target.ID)
	}
	assert.Equal(t, []string{"high-new", "high-old", "mid-a", "mid-b", "low"}, got)
}
