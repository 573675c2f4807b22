package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrMissingCredentials is returned by RequireCredentials when a live run
// lacks gateway credentials.
var ErrMissingCredentials = errors.New("missing gateway credentials")

// Load reads and parses configuration from a file. A .env file next to the
// config (or in the working directory) is loaded first; it never overrides
// variables already present in the environment.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "outdial.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but outdial.yaml not found: %s", absPath)
		}
	}

	loadDotEnv(filepath.Dir(absPath))

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $OUTDIAL_CONFIG, ./outdial.yaml, ~/.config/outdial/outdial.yaml
func Discover() (string, error) {
	if p := os.Getenv("OUTDIAL_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("./outdial.yaml"); err == nil {
		return "./outdial.yaml", nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "outdial", "outdial.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $OUTDIAL_CONFIG, ./outdial.yaml, ~/.config/outdial/outdial.yaml)")
}

func loadDotEnv(configDir string) {
	for _, p := range []string{filepath.Join(configDir, ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
// Relative paths are resolved against the config file's directory.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.Timezone == "" {
		cfg.Service.Timezone = defaults.Service.Timezone
	}

	if cfg.Paths.Queue == "" {
		cfg.Paths.Queue = defaults.Paths.Queue
	}
	if cfg.Paths.State == "" {
		cfg.Paths.State = defaults.Paths.State
	}
	if cfg.Paths.Controls == "" {
		cfg.Paths.Controls = defaults.Paths.Controls
	}
	if cfg.Paths.DispatchLog == "" {
		cfg.Paths.DispatchLog = defaults.Paths.DispatchLog
	}

	if cfg.SourcePath != "" {
		base := filepath.Dir(cfg.SourcePath)
		cfg.Paths.Queue = resolvePath(base, cfg.Paths.Queue)
		cfg.Paths.State = resolvePath(base, cfg.Paths.State)
		cfg.Paths.Controls = resolvePath(base, cfg.Paths.Controls)
		cfg.Paths.DispatchLog = resolvePath(base, cfg.Paths.DispatchLog)
		cfg.Paths.History = resolvePath(base, cfg.Paths.History)
		cfg.Paths.Lock = resolvePath(base, cfg.Paths.Lock)
	}

	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy.MaxAttempts = defaults.Policy.MaxAttempts
	}
	if cfg.Policy.DailyCap == 0 {
		cfg.Policy.DailyCap = defaults.Policy.DailyCap
	}
	if cfg.Policy.CampaignCaps == nil {
		cfg.Policy.CampaignCaps = make(map[string]int)
	}
	if cfg.Policy.TerminalStatuses == nil {
		cfg.Policy.TerminalStatuses = defaults.Policy.TerminalStatuses
	}
	if cfg.Policy.DefaultCountryCode == "" {
		cfg.Policy.DefaultCountryCode = defaults.Policy.DefaultCountryCode
	}

	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = defaults.Dispatch.Concurrency
	}
	if cfg.Dispatch.RatePerSecond > 0 && cfg.Dispatch.RateBurst <= 0 {
		cfg.Dispatch.RateBurst = 1
	}

	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = defaults.Gateway.Timeout
	}
	return cfg
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration. Credentials are
// not checked here: a dry run needs none (see RequireCredentials).
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("service.timezone: %w", err)
	}

	if cfg.Paths.State == "" {
		return fmt.Errorf("paths.state is required")
	}
	if cfg.Paths.Controls == "" {
		return fmt.Errorf("paths.controls is required")
	}
	if cfg.Paths.DispatchLog == "" {
		return fmt.Errorf("paths.dispatch_log is required")
	}

	if cfg.Policy.MaxAttempts < 1 {
		return fmt.Errorf("policy.max_attempts must be at least 1 (got %d)", cfg.Policy.MaxAttempts)
	}
	if cfg.Policy.DailyCap < 0 {
		return fmt.Errorf("policy.daily_cap must not be negative (got %d)", cfg.Policy.DailyCap)
	}
	for campaign, limit := range cfg.Policy.CampaignCaps {
		if limit < 0 {
			return fmt.Errorf("policy.campaign_caps.%s must not be negative (got %d)", campaign, limit)
		}
	}

	if cfg.Dispatch.MaxCalls < 0 {
		return fmt.Errorf("dispatch.max_calls must not be negative (got %d)", cfg.Dispatch.MaxCalls)
	}
	if cfg.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be at least 1 (got %d)", cfg.Dispatch.Concurrency)
	}
	if cfg.Dispatch.InterCallDelay < 0 {
		return fmt.Errorf("dispatch.inter_call_delay must not be negative")
	}
	if cfg.Dispatch.RatePerSecond < 0 {
		return fmt.Errorf("dispatch.rate_per_second must not be negative")
	}

	if cfg.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	return nil
}

// RequireCredentials reports a configuration error when a live run is
// missing gateway settings. Unresolved ${VAR} placeholders count as missing.
func (c *Config) RequireCredentials() error {
	missing := []string{}
	check := func(field, value string) {
		if value == "" || envVarPattern.MatchString(value) {
			missing = append(missing, field)
		}
	}
	check("gateway.base_url", c.Gateway.BaseURL)
	check("gateway.api_key", c.Gateway.APIKey)
	check("gateway.from_number", c.Gateway.FromNumber)
	check("gateway.agent_id", c.Gateway.AgentID)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// Location returns the caller's clock zone for window checks.
func (c *Config) Location() (*time.Location, error) {
	switch c.Service.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(c.Service.Timezone)
}

// DailyCapFor returns the cap for a campaign, honouring per-campaign overrides.
func (c *Config) DailyCapFor(campaign string) int {
	if limit, ok := c.Policy.CampaignCaps[campaign]; ok {
		return limit
	}
	return c.Policy.DailyCap
}
