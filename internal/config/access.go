package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// Redacted returns a copy of the config safe for display.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Gateway.APIKey != "" {
		cp.Gateway.APIKey = redacted
	}
	return &cp
}

// GetPath retrieves a value from the configuration using a dot-notation path.
// Secrets are redacted.
func (c *Config) GetPath(path string) (any, error) {
	// 1. Resolve Entity Addressing (type:name)
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	// 2. Convert to map for generic traversal
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 3. Traverse
	return getValue(m, path)
}

// GetEntity retrieves a first-class entity by type:name. Supported types:
// campaign (effective daily cap).
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	entityType, name := parts[0], parts[1]

	switch entityType {
	case "campaign":
		if name == "*" {
			return c.Policy.CampaignCaps, nil
		}
		return map[string]any{
			"campaign_id": name,
			"daily_cap":   c.DailyCapFor(name),
			"override":    hasKey(c.Policy.CampaignCaps, name),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func hasKey(m map[string]int, k string) bool {
	_, ok := m[k]
	return ok
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
