package config

import "time"

// Config represents the complete outdial configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Paths    PathsConfig    `yaml:"paths"`
	Policy   PolicyConfig   `yaml:"policy"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Schedule ScheduleConfig `yaml:"schedule,omitempty"`

	// SourcePath is the absolute path of the loaded file; empty for Defaults().
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// Timezone is the caller's clock used for call-window checks.
	// "Local" or empty uses the host zone.
	Timezone string `yaml:"timezone"`
}

// PathsConfig locates the durable files of a campaign run.
type PathsConfig struct {
	Queue       string `yaml:"queue"`
	State       string `yaml:"state"`
	Controls    string `yaml:"controls"`
	DispatchLog string `yaml:"dispatch_log"`
	History     string `yaml:"history,omitempty"` // empty disables the SQLite ledger
	Lock        string `yaml:"lock,omitempty"`
}

// PolicyConfig defines eligibility rules.
type PolicyConfig struct {
	MaxAttempts        int            `yaml:"max_attempts"`
	DailyCap           int            `yaml:"daily_cap"`
	CampaignCaps       map[string]int `yaml:"campaign_caps,omitempty"`
	AllowAfterHours    bool           `yaml:"allow_after_hours"`
	TerminalStatuses   []string       `yaml:"terminal_statuses"`
	Resume             *bool          `yaml:"resume,omitempty"`
	DefaultCountryCode string         `yaml:"default_country_code"`
}

// ResumeEnabled reports whether prior successful dispatches are skipped.
func (p PolicyConfig) ResumeEnabled() bool {
	return p.Resume == nil || *p.Resume
}

// DispatchConfig defines pool sizing and throttling defaults. MaxCalls and
// Concurrency are fallbacks; the runtime controls file overrides them.
type DispatchConfig struct {
	MaxCalls             int           `yaml:"max_calls"`
	Concurrency          int           `yaml:"concurrency"`
	InterCallDelay       time.Duration `yaml:"inter_call_delay,omitempty"`
	RatePerSecond        float64       `yaml:"rate_per_second,omitempty"`
	RateBurst            int           `yaml:"rate_burst,omitempty"`
	ControlsPollInterval time.Duration `yaml:"controls_poll_interval,omitempty"`
	DryRun               bool          `yaml:"dry_run"`
}

// GatewayConfig defines the voice provider endpoint and credentials.
type GatewayConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	FromNumber string        `yaml:"from_number"`
	AgentID    string        `yaml:"agent_id"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ScheduleConfig drives `outdial serve`.
type ScheduleConfig struct {
	Cron string `yaml:"cron,omitempty"` // e.g. "*/15 9-17 * * 1-5"
}

// DefaultTerminalStatuses are statuses that permanently exclude a target.
var DefaultTerminalStatuses = []string{"dnc", "closed", "invalid", "contacted", "booked"}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "outdial",
			LogLevel: "info",
			Timezone: "Local",
		},
		Paths: PathsConfig{
			Queue:       "./data/queue.jsonl",
			State:       "./data/state.json",
			Controls:    "./data/controls.json",
			DispatchLog: "./data/dispatch_log.jsonl",
		},
		Policy: PolicyConfig{
			MaxAttempts:        3,
			DailyCap:           50,
			CampaignCaps:       make(map[string]int),
			AllowAfterHours:    false,
			TerminalStatuses:   append([]string(nil), DefaultTerminalStatuses...),
			DefaultCountryCode: "1",
		},
		Dispatch: DispatchConfig{
			MaxCalls:    0,
			Concurrency: 4,
		},
		Gateway: GatewayConfig{
			Timeout: 30 * time.Second,
		},
	}
}
