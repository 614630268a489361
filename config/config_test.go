package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "allow", cfg.Rules.DefaultAction)
	assert.Equal(t, 5*time.Minute, cfg.Rules.CacheTTL)
	assert.Equal(t, time.Minute, cfg.Aggregator.Interval)
	assert.Equal(t, 10000, cfg.Aggregator.BufferCap)
	assert.Equal(t, 85.0, cfg.Aggregator.MemoryHighWaterPercent)
	assert.Equal(t, 2.0, cfg.Detector.ThresholdMultiple)
	assert.Equal(t, 5, cfg.Detector.ThresholdFloor)
	assert.Equal(t, 10, cfg.Incidents.EscalationCount)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.False(t, cfg.Redis.Enabled)

	assert.Equal(t, filepath.Join("data", "bastion.db"), cfg.DataPaths.SQLitePath)
	assert.Equal(t, filepath.Join("data", "rules"), cfg.DataPaths.RulesDir)
	assert.Equal(t, filepath.Join("data", "templates"), cfg.DataPaths.TemplatesDir)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BASTION_DATA_DIR", "/var/lib/bastion")
	t.Setenv("BASTION_API_PORT", "9090")
	t.Setenv("BASTION_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/bastion/bastion.db", cfg.DataPaths.SQLitePath)
	assert.Equal(t, "/var/lib/bastion/rules", cfg.DataPaths.RulesDir)
}

func TestLoadConfigValidation(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BASTION_API_PORT", "99999")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.port")
}
