package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/fleet.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 10*time.Second, cfg.Standby.HealthCheckInterval)
	assert.Equal(t, 3, cfg.Standby.FailoverThreshold)
	assert.Equal(t, 10, cfg.Standby.RecoveryMaxAttempts)
	assert.Equal(t, time.Second, cfg.Serverless.CheckInterval)
	assert.Equal(t, 60*time.Second, cfg.Serverless.MinRuntime)
	assert.Equal(t, "us-central1-a", cfg.Providers.GCloud.DefaultZone)
	assert.True(t, cfg.Standby.AutoStandby)
	assert.True(t, cfg.Standby.AutoFailover)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VASTAI_API_KEY", "test-key-123")
	t.Setenv("GCP_PROJECT", "my-project")
	t.Setenv("DATABASE_PATH", "/tmp/test.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test-key-123", cfg.Providers.VastAI.APIKey)
	assert.Equal(t, "my-project", cfg.Providers.GCloud.Project)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
}

func TestValidate_NoProviders(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Providers.VastAI.Enabled = false
	cfg.Providers.GCloud.Enabled = false

	err = cfg.Validate()
	assert.ErrorContains(t, err, "at least one provider")
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Providers.VastAI.Enabled = true
	cfg.Providers.VastAI.APIKey = ""
	cfg.Providers.GCloud.Enabled = false
	cfg.Standby.AutoStandby = false

	err = cfg.Validate()
	assert.ErrorContains(t, err, "VASTAI_API_KEY")
}

func TestValidate_DemoModeSkipsCredentialChecks(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.DemoMode = true
	cfg.Providers.VastAI.APIKey = ""
	cfg.Providers.GCloud.CredentialsFile = ""

	assert.NoError(t, cfg.Validate())
}

func TestValidate_SyncIntervalBounds(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		wantErr  bool
	}{
		{"minimum", 2 * time.Second, false},
		{"default", 30 * time.Second, false},
		{"maximum", time.Hour, false},
		{"too small", time.Second, true},
		{"too large", 2 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			cfg.Server.DemoMode = true
			cfg.Sync.Interval = tt.interval

			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
