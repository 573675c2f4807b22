package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Policy.CampaignCaps["spring"] = 5
	cfg.Gateway.APIKey = "sk-secret"

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{name: "root service field", path: "service.name", want: "outdial"},
		{name: "nested policy field", path: "policy.max_attempts", want: 3},
		{name: "campaign cap override", path: "policy.campaign_caps.spring", want: 5},
		{name: "secret is redacted", path: "gateway.api_key", want: redacted},
		{name: "invalid path", path: "service.missing", wantErr: true},
		{name: "not a map", path: "service.name.deeper", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "sk-secret", cfg.Gateway.APIKey, "GetPath must not mutate the config")
}

func TestGetEntityCampaign(t *testing.T) {
	cfg := Defaults()
	cfg.Policy.DailyCap = 20
	cfg.Policy.CampaignCaps["vip"] = 2

	got, err := cfg.GetEntity("campaign:vip")
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"campaign_id": "vip", "daily_cap": 2, "override": true}, got)

	got, err = cfg.GetEntity("campaign:other")
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"campaign_id": "other", "daily_cap": 20, "override": false}, got)

	_, err = cfg.GetEntity("plugin:echo")
	assert.Error(t, err)
	_, err = cfg.GetEntity("campaign:")
	assert.Error(t, err)
}
