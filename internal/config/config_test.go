package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, 2, cfg.Outages.DefaultDurationHours)
	assert.Equal(t, ResolveRetrigger, cfg.Outages.ResolvePolicy)
	assert.Equal(t, "dlt", cfg.SMS.Route)
	assert.Equal(t, 10*time.Second, cfg.SMS.Timeout())
	assert.Empty(t, cfg.SMS.APIKey)
}

func TestFromYAMLKeepsDefaultsForUnsetFields(t *testing.T) {
	cfg, err := FromYAML([]byte("outages:\n  resolve_policy: idempotent\nsms:\n  api_key: k\n"))
	require.NoError(t, err)
	assert.Equal(t, ResolveIdempotent, cfg.Outages.ResolvePolicy)
	assert.Equal(t, 2, cfg.Outages.DefaultDurationHours)
	assert.Equal(t, "k", cfg.SMS.APIKey)
	assert.Equal(t, "https://www.fast2sms.com/dev/bulkV2", cfg.SMS.Endpoint)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"resolve policy": "outages:\n  resolve_policy: sometimes\n",
		"timezone":       "notifications:\n  display_timezone: Mars/Olympus\n",
		"file output":    "logging:\n  output: file\n",
		"base path":      "server:\n  base_path: api\n",
		"webhook url":    "webhooks:\n  - events: [outage.created]\n",
		"duration":       "outages:\n  default_duration_hours: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalMissingFileReturnsDefault(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "powerline.yml"), []byte("notifications:\n  display_timezone: Asia/Kolkata\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", cfg.Notifications.Location().String())

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}
